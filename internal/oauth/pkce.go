// pkce.go -- Proof Key for Code Exchange (RFC 7636).
package oauth

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// Challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier and challenge length bounds (RFC 7636 §4.1).
const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// validPKCEString reports whether s is 43-128 chars of the unreserved set
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func validPKCEString(s string) bool {
	if len(s) < minVerifierLen || len(s) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// verifyPKCE checks verifier against the challenge recorded at authorize time.
func verifyPKCE(challenge, method, verifier string) bool {
	if !validPKCEString(verifier) {
		return false
	}
	var computed string
	switch method {
	case MethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
