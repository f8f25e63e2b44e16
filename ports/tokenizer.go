package ports

import "github.com/layer-3/wcsap/core"

// ChallengeTokenizer converts between stored challenges and the handles clients carry
type ChallengeTokenizer interface {
	ChallengeToToken(challenge *core.Challenge) (string, error)

	// TokenToChallenge authenticates a handle and returns the challenge fields it carries.
	// Message and Nonce are not part of the handle and come back empty.
	TokenToChallenge(token string) (*core.Challenge, error)
}
