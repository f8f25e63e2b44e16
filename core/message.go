package core

import (
	"fmt"
	"strings"
	"time"
)

// MessageParams describes everything embedded in the text a wallet is asked to sign
type MessageParams struct {
	Domain    string
	Identity  Identity
	ChainID   int64
	Nonce     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// BuildChallengeMessage renders the human readable sign-in message.
// The layout loosely follows EIP-4361 so wallets display it sensibly.
func BuildChallengeMessage(p MessageParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your wallet:\n", p.Domain)
	fmt.Fprintf(&b, "%s\n\n", p.Identity)
	b.WriteString("Sign this message to prove you own this address. It costs nothing and does not send a transaction.\n\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", p.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", p.Nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", p.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expiration Time: %s\n", p.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Request ID: %s", p.ID)
	return b.String()
}
