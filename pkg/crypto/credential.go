package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultSecretLength is the number of random bytes behind opaque codes and
// reference tokens (256 bits).
const DefaultSecretLength = 32

// userCodeAlphabet has 32 symbols, none of O, 0, I or 1.
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const userCodeGroup = 4

var ErrInvalidLength = errors.New("secret length must be positive")

// CredentialGenerator produces opaque secrets and device user codes from a
// single injectable random source.
type CredentialGenerator struct {
	random io.Reader
}

// NewCredentialGenerator returns a generator reading from r. A nil reader
// means crypto/rand.
func NewCredentialGenerator(r io.Reader) *CredentialGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &CredentialGenerator{random: r}
}

// NewOpaqueSecret returns byteLength random bytes encoded as base64url
// without padding.
func (g *CredentialGenerator) NewOpaqueSecret(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", ErrInvalidLength
	}

	buf := make([]byte, byteLength)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewUserCode returns a code of the form XXXX-XXXX. Each symbol takes the low
// five bits of one random byte, which is uniform because the alphabet has
// exactly 32 entries.
func (g *CredentialGenerator) NewUserCode() (string, error) {
	buf := make([]byte, 2*userCodeGroup)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var sb strings.Builder
	sb.Grow(len(buf) + 1)
	for i, b := range buf {
		if i == userCodeGroup {
			sb.WriteByte('-')
		}
		sb.WriteByte(userCodeAlphabet[b&0x1f])
	}

	return sb.String(), nil
}

// NormalizeUserCode canonicalises a code typed by a user: case is folded,
// separators and spaces are dropped and the dash is put back.
func NormalizeUserCode(input string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(input) {
		if r == '-' || r == ' ' {
			continue
		}
		sb.WriteRune(r)
	}

	code := sb.String()
	if len(code) != 2*userCodeGroup {
		return code
	}
	return code[:userCodeGroup] + "-" + code[userCodeGroup:]
}
