package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-engine/internal/db"
)

type prefixHasher struct{}

func (prefixHasher) Hash(secret string) (string, error) { return "hashed:" + secret, nil }

const sample = `
scopes:
  - name: api:read
    display_name: Read API data
clients:
  - client_id: web-app
    name: Web
    secret: s3cret
    type: confidential
    require_pkce: true
    consent_type: implicit
    redirect_uris: [https://app.example.com/callback]
    scopes: [openid, offline_access]
    grant_types: [authorization_code, refresh_token]
  - client_id: tv
    type: public
    scopes: [openid]
    grant_types: [urn:ietf:params:oauth:grant-type:device_code]
users:
  - username: alice
    email: alice@example.com
    password: wonderland
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndApply(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	file, err := Load(writeSeed(t, sample))
	require.NoError(t, err)

	result, err := Apply(ctx, store, prefixHasher{}, file)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultScopes)+1+2+1, result.Created)
	assert.Zero(t, result.Skipped)

	web, err := store.GetClientByID(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "hashed:s3cret", web.SecretHash)
	assert.Equal(t, db.ConsentImplicit, web.ConsentType)
	assert.True(t, web.RequirePKCE)

	tv, err := store.GetClientByID(ctx, "tv")
	require.NoError(t, err)
	assert.Equal(t, db.ConsentExplicit, tv.ConsentType, "consent defaults to explicit")

	user, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hashed:wonderland", user.PasswordHash)

	scopes, err := store.GetScopes(ctx, []string{"openid", "api:read"})
	require.NoError(t, err)
	assert.Len(t, scopes, 2)

	again, err := Apply(ctx, store, prefixHasher{}, file)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, result.Created, again.Skipped)
}

func TestApply_DefaultsOnly(t *testing.T) {
	store := db.NewMemoryStore()
	result, err := Apply(context.Background(), store, prefixHasher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultScopes), result.Created)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", "clients:\n  - client_id: a\n    colour: red\n", "colour"},
		{"public with secret", "clients:\n  - client_id: a\n    type: public\n    secret: x\n", "public clients have no secret"},
		{"confidential without secret", "clients:\n  - client_id: a\n    type: confidential\n", "need a secret"},
		{"bad grant", "clients:\n  - client_id: a\n    type: public\n    grant_types: [implicit]\n", "unknown grant type"},
		{"relative redirect", "clients:\n  - client_id: a\n    type: public\n    redirect_uris: [/cb]\n", "must be absolute"},
		{"user without password", "users:\n  - username: bob\n", "password or password_hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSeed(t, tt.content))
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
