package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-engine/internal/audit"
	"token-engine/internal/db"
)

func TestLogin(t *testing.T) {
	f := newFixture(t)

	loginSession, err := f.service.Login(f.ctx, &LoginRequest{Username: "alice", Password: "wonderland", IPAddress: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID.String(), loginSession.UserID)
	assert.Equal(t, 1, f.recorder.Count(audit.EventSessionStarted))

	current, err := f.service.CurrentSession(f.ctx, loginSession.SessionID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, loginSession.SessionID, current.SessionID)

	_, err = f.service.Login(f.ctx, &LoginRequest{Username: "alice", Password: "wrong"})
	requireCode(t, err, ErrCodeAccessDenied)
	_, err = f.service.Login(f.ctx, &LoginRequest{Username: "nobody", Password: "wonderland"})
	requireCode(t, err, ErrCodeAccessDenied)
	_, err = f.service.Login(f.ctx, &LoginRequest{Username: "alice"})
	requireCode(t, err, ErrCodeInvalidRequest)
}

func TestCurrentSession_Unknown(t *testing.T) {
	f := newFixture(t)

	current, err := f.service.CurrentSession(f.ctx, "")
	require.NoError(t, err)
	assert.Nil(t, current)

	current, err = f.service.CurrentSession(f.ctx, "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, current)

	loginSession, err := f.service.Login(f.ctx, &LoginRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	current, err = f.service.CurrentSession(f.ctx, loginSession.SessionID)
	require.NoError(t, err)
	assert.Nil(t, current, "expired sessions are not current")
}

func TestLogout(t *testing.T) {
	f := newFixture(t)

	loginSession, err := f.service.Login(f.ctx, &LoginRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	code, verifier := f.authorizeWeb(t, "openid offline_access")
	resp, err := f.exchangeWeb(code, verifier)
	require.NoError(t, err)

	result, err := f.service.Logout(f.ctx, loginSession.SessionID, false)
	require.NoError(t, err)
	assert.False(t, result.Session.IsActive)
	assert.Zero(t, result.RevokedAuthorizations)

	introspection, err := f.service.Introspect(f.ctx, &IntrospectRequest{
		Token: resp.RefreshToken, ClientID: "web-app", ClientSecret: webSecret,
	})
	require.NoError(t, err)
	assert.True(t, introspection.Active, "plain logout keeps issued tokens")

	_, err = f.service.Logout(f.ctx, loginSession.SessionID, false)
	requireCode(t, err, ErrCodeInvalidRequest)
}

func TestLogout_RevokeGrants(t *testing.T) {
	f := newFixture(t)

	loginSession, err := f.service.Login(f.ctx, &LoginRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	code, verifier := f.authorizeWeb(t, "openid offline_access")
	resp, err := f.exchangeWeb(code, verifier)
	require.NoError(t, err)

	result, err := f.service.Logout(f.ctx, loginSession.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RevokedAuthorizations)
	assert.Equal(t, int64(3), result.RevokedTokens, "access, ID and refresh token")

	introspection, err := f.service.Introspect(f.ctx, &IntrospectRequest{
		Token: resp.RefreshToken, ClientID: "web-app", ClientSecret: webSecret,
	})
	require.NoError(t, err)
	assert.False(t, introspection.Active)

	_, err = f.service.Token(f.ctx, &TokenRequest{
		GrantType: db.GrantRefreshToken, ClientID: "web-app", ClientSecret: webSecret, RefreshToken: resp.RefreshToken,
	})
	requireCode(t, err, ErrCodeInvalidGrant)
}
