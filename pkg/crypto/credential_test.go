package crypto

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userCodePattern = regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`)

func TestNewOpaqueSecret_Unique(t *testing.T) {
	gen := NewCredentialGenerator(nil)
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		secret, err := gen.NewOpaqueSecret(DefaultSecretLength)
		require.NoError(t, err)
		_, dup := seen[secret]
		require.False(t, dup, "duplicate secret %s", secret)
		seen[secret] = struct{}{}
	}
	assert.Len(t, seen, 10000)
}

func TestNewOpaqueSecret_Encoding(t *testing.T) {
	gen := NewCredentialGenerator(nil)

	secret, err := gen.NewOpaqueSecret(DefaultSecretLength)
	require.NoError(t, err)

	assert.Len(t, secret, 43)
	assert.NotContains(t, secret, "=")
	assert.NotContains(t, secret, "+")
	assert.NotContains(t, secret, "/")

	raw, err := base64.RawURLEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, DefaultSecretLength)
}

func TestNewOpaqueSecret_DeterministicSource(t *testing.T) {
	src := bytes.Repeat([]byte{0xfb}, 3)
	gen := NewCredentialGenerator(bytes.NewReader(src))

	secret, err := gen.NewOpaqueSecret(3)
	require.NoError(t, err)
	assert.Equal(t, "-_v7", secret)

	_, err = gen.NewOpaqueSecret(3)
	assert.Error(t, err, "exhausted source must surface an error")

	_, err = gen.NewOpaqueSecret(0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestNewUserCode_Alphabet(t *testing.T) {
	gen := NewCredentialGenerator(nil)

	for i := 0; i < 10000; i++ {
		code, err := gen.NewUserCode()
		require.NoError(t, err)
		require.Regexp(t, userCodePattern, code)
		require.False(t, strings.ContainsAny(code, "O0I1"), "ambiguous symbol in %s", code)
	}
}

func TestNewUserCode_DeterministicSource(t *testing.T) {
	src := []byte{0, 1, 2, 3, 28, 29, 30, 31}
	gen := NewCredentialGenerator(bytes.NewReader(src))

	code, err := gen.NewUserCode()
	require.NoError(t, err)
	assert.Equal(t, "ABCD-6789", code)
}

func TestNormalizeUserCode(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH", NormalizeUserCode("abcd-efgh"))
	assert.Equal(t, "ABCD-EFGH", NormalizeUserCode("ABCDEFGH"))
	assert.Equal(t, "ABCD-EFGH", NormalizeUserCode(" abcd efgh "))
	assert.Equal(t, "ABC", NormalizeUserCode("abc"))
}
