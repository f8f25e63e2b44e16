package ports

import "github.com/layer-3/wcsap/core"

// SignatureVerifier checks that signature over message was produced by claimed
type SignatureVerifier interface {
	Verify(message string, signature string, claimed core.Identity) bool
}
