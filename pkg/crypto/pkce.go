package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

// VerifyPKCE checks a code verifier against the challenge stored with an
// authorization code. It never errors: malformed input simply fails.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}

	var expected string
	switch method {
	case MethodPlain:
		expected = verifier
	case MethodS256:
		expected = S256Challenge(verifier)
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// S256Challenge returns BASE64URL(SHA256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PKCEVerifier adapts VerifyPKCE to an interface so callers can swap it in tests.
type PKCEVerifier struct{}

func (PKCEVerifier) Verify(verifier, challenge, method string) bool {
	return VerifyPKCE(verifier, challenge, method)
}

// IsValidCodeChallenge applies the RFC 7636 length and charset rules to a
// challenge received on /authorize.
func IsValidCodeChallenge(challenge string) bool {
	if len(challenge) < 43 || len(challenge) > 128 {
		return false
	}

	for _, char := range challenge {
		if !isUnreservedChar(char) {
			return false
		}
	}

	return true
}

func isUnreservedChar(char rune) bool {
	return (char >= 'A' && char <= 'Z') ||
		(char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '_' || char == '~'
}

func IsSupportedMethod(method string) bool {
	return method == MethodPlain || method == MethodS256
}

func SupportedMethods() []string {
	return []string{MethodPlain, MethodS256}
}
