package verifier

import (
	"crypto/subtle"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/wcsap/core"
)

// EthVerifier checks EIP-191 personal_sign signatures by recovering the signer address
type EthVerifier struct{}

// NewEthVerifier creates a new verifier
func NewEthVerifier() *EthVerifier {
	return &EthVerifier{}
}

// Verify reports whether signature is a personal_sign signature over message by claimed.
// Malformed signatures go through the same hash and recovery work as well formed ones.
func (v *EthVerifier) Verify(message string, signature string, claimed core.Identity) bool {
	hash := accounts.TextHash([]byte(message))

	sig, ok := decodeSignature(signature)
	recovered, err := RecoverAddress(hash, sig)
	if err != nil || !ok {
		return false
	}

	if !common.IsHexAddress(claimed.String()) {
		return false
	}
	want := strings.ToLower(common.HexToAddress(claimed.String()).Hex())
	got := strings.ToLower(recovered.Hex())
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// decodeSignature returns a 65 byte signature with V normalised to 0/1.
// On malformed input it returns a zero signature and false.
func decodeSignature(signature string) ([]byte, bool) {
	raw, err := hexutil.Decode(signature)
	if err != nil || len(raw) != crypto.SignatureLength {
		return make([]byte, crypto.SignatureLength), false
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return sig, false
	}
	return sig, true
}

// RecoverAddress recovers the address that produced sig over hash
func RecoverAddress(hash []byte, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
