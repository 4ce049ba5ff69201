package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"token-engine/internal/audit"
)

func (ts *testServer) webConfig(t *testing.T) (*oauth2.Config, *gooidc.Provider) {
	t.Helper()
	provider, err := gooidc.NewProvider(ts.ctx, ts.URL)
	require.NoError(t, err)

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInHeader
	return &oauth2.Config{
		ClientID:     "web-app",
		ClientSecret: webSecret,
		Endpoint:     endpoint,
		RedirectURL:  webRedirect,
		Scopes:       []string{gooidc.ScopeOpenID, "profile", gooidc.ScopeOfflineAccess},
	}, provider
}

// codeFlow signs alice in and runs the authorization code grant for web-app.
func (ts *testServer) codeFlow(t *testing.T, browser *http.Client, cfg *oauth2.Config) *oauth2.Token {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	resp, err := browser.Get(cfg.AuthCodeURL("af0ifjsldkj", oauth2.S256ChallengeOption(verifier), gooidc.Nonce("n-0S6_WzA2Mj")))
	require.NoError(t, err)
	resp.Body.Close()

	params := redirectParams(t, resp)
	require.Equal(t, "af0ifjsldkj", params.Get("state"))
	require.NotEmpty(t, params.Get("code"), params.Get("error_description"))

	tok, err := cfg.Exchange(ts.ctx, params.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	return tok
}

func retrieveErrorCode(t *testing.T, err error) (string, int) {
	t.Helper()
	var re *oauth2.RetrieveError
	require.True(t, errors.As(err, &re), "expected a token endpoint error, got %v", err)
	return re.ErrorCode, re.Response.StatusCode
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, provider := ts.webConfig(t)

	tok := ts.codeFlow(t, browser, cfg)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.RefreshToken)

	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok, "openid scope returns an ID token")
	idToken, err := provider.Verifier(&gooidc.Config{ClientID: "web-app"}).Verify(ts.ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, ts.aliceID, idToken.Subject)
	assert.Equal(t, "n-0S6_WzA2Mj", idToken.Nonce)
	assert.Equal(t, 1, ts.recorder.Count(audit.EventAuthorizationCreated))
	assert.Equal(t, 3, ts.recorder.Count(audit.EventTokenIssued))
}

func TestAuthorizationCode_ReuseRejected(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, _ := ts.webConfig(t)

	verifier := oauth2.GenerateVerifier()
	resp, err := browser.Get(cfg.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	resp.Body.Close()
	code := redirectParams(t, resp).Get("code")

	_, err = cfg.Exchange(ts.ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	_, err = cfg.Exchange(ts.ctx, code, oauth2.VerifierOption(verifier))
	errCode, status := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuthorizationCode_WrongVerifier(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, _ := ts.webConfig(t)

	resp, err := browser.Get(cfg.AuthCodeURL("s", oauth2.S256ChallengeOption(oauth2.GenerateVerifier())))
	require.NoError(t, err)
	resp.Body.Close()

	_, err = cfg.Exchange(ts.ctx, redirectParams(t, resp).Get("code"), oauth2.VerifierOption(oauth2.GenerateVerifier()))
	errCode, _ := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)
}

func TestRefreshRotationAndReplay(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, _ := ts.webConfig(t)
	first := ts.codeFlow(t, browser, cfg)

	rotated, err := cfg.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: first.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, first.AccessToken, rotated.AccessToken)

	_, err = cfg.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: first.RefreshToken}).Token()
	errCode, _ := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)

	// The replay withdraws the whole authorization, including the rotated token.
	_, err = cfg.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: rotated.RefreshToken}).Token()
	errCode, _ = retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)
}

func TestAuthorize_LoginRequired(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	cfg, _ := ts.webConfig(t)
	challenge := oauth2.S256ChallengeOption(oauth2.GenerateVerifier())

	resp, err := browser.Get(cfg.AuthCodeURL("s", challenge))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "login_required", body["error"])

	resp, err = browser.Get(cfg.AuthCodeURL("s", challenge, oauth2.SetAuthURLParam("prompt", "none")))
	require.NoError(t, err)
	defer resp.Body.Close()
	params := redirectParams(t, resp)
	assert.Equal(t, "login_required", params.Get("error"))
	assert.Equal(t, "s", params.Get("state"))
}

func TestAuthorize_UnregisteredRedirectNotFollowed(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"web-app"},
		"redirect_uri":  {"https://attacker.example.com/cb"},
	}
	resp, err := browser.Get(ts.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestExplicitConsent(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)

	cfg := &oauth2.Config{
		ClientID:    "spa",
		RedirectURL: spaRedirect,
		Scopes:      []string{gooidc.ScopeOpenID},
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/authorize",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	verifier := oauth2.GenerateVerifier()
	resp, err := browser.Get(cfg.AuthCodeURL("st", oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var challenge consentChallenge
	decodeJSON(t, resp, &challenge)
	assert.Equal(t, "spa", challenge.ClientID)
	assert.Equal(t, []string{"openid"}, challenge.Scopes)
	require.NotEmpty(t, challenge.CSRFToken)

	form := url.Values{"authorization_id": {challenge.AuthorizationID}, "decision": {"allow"}, "state": {"st"}}
	resp = postForm(t, browser, ts.URL+"/consent", form, "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "consent without a form token")

	form.Set("csrf_token", challenge.CSRFToken+"x")
	resp = postForm(t, browser, ts.URL+"/consent", form, "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	form.Set("csrf_token", challenge.CSRFToken)
	resp = postForm(t, browser, ts.URL+"/consent", form, "", "")
	params := redirectParams(t, resp)
	assert.Equal(t, "st", params.Get("state"))

	tok, err := cfg.Exchange(ts.ctx, params.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Empty(t, tok.RefreshToken, "no offline_access requested")
}

func TestExplicitConsent_Denied(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa"},
		"redirect_uri":          {spaRedirect},
		"scope":                 {"openid"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())},
		"code_challenge_method": {"S256"},
	}
	resp, err := browser.Get(ts.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	var challenge consentChallenge
	decodeJSON(t, resp, &challenge)

	resp = postForm(t, browser, ts.URL+"/consent", url.Values{
		"authorization_id": {challenge.AuthorizationID},
		"decision":         {"deny"},
		"csrf_token":       {challenge.CSRFToken},
	}, "", "")
	params := redirectParams(t, resp)
	assert.Equal(t, "access_denied", params.Get("error"))
	assert.Empty(t, params.Get("code"))
}

func TestClientCredentialsIntrospectRevoke(t *testing.T) {
	ts := newTestServer(t)
	cc := &clientcredentials.Config{
		ClientID:     "service",
		ClientSecret: svcSecret,
		TokenURL:     ts.URL + "/token",
		Scopes:       []string{"api:read"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(ts.ctx)
	require.NoError(t, err)
	assert.Empty(t, tok.RefreshToken)
	assert.Nil(t, tok.Extra("id_token"))

	introspect := func() map[string]interface{} {
		resp := postForm(t, http.DefaultClient, ts.URL+"/introspect", url.Values{"token": {tok.AccessToken}}, "service", svcSecret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]interface{}
		decodeJSON(t, resp, &body)
		return body
	}

	body := introspect()
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "service", body["client_id"])
	assert.Contains(t, body["scope"], "api:read")

	resp := postForm(t, http.DefaultClient, ts.URL+"/revoke", url.Values{"token": {tok.AccessToken}}, "service", svcSecret)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	assert.Equal(t, map[string]interface{}{"active": false}, introspect())

	resp = postForm(t, http.DefaultClient, ts.URL+"/revoke", url.Values{"token": {"never-issued"}}, "service", svcSecret)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unknown tokens revoke silently")
}

func TestClientCredentials_InvalidClient(t *testing.T) {
	ts := newTestServer(t)
	cc := &clientcredentials.Config{
		ClientID:     "service",
		ClientSecret: "wrong",
		TokenURL:     ts.URL + "/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	_, err := cc.Token(ts.ctx)
	errCode, status := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_client", errCode)
	assert.Equal(t, http.StatusUnauthorized, status)

	var re *oauth2.RetrieveError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Response.Header.Get("WWW-Authenticate"), "Basic")
}

func TestDeviceFlow(t *testing.T) {
	ts := newTestServer(t)
	cfg := &oauth2.Config{
		ClientID: "tv",
		Scopes:   []string{gooidc.ScopeOpenID},
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: ts.URL + "/device_authorization",
			TokenURL:      ts.URL + "/token",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
	da, err := cfg.DeviceAuth(ts.ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/device", da.VerificationURI)
	assert.Equal(t, int64(1), da.Interval)

	browser := ts.browser(t)
	resp, err := browser.Get(da.VerificationURIComplete)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "verification needs a signed-in user")

	ts.login(t, browser)
	resp, err = browser.Get(da.VerificationURIComplete)
	require.NoError(t, err)
	defer resp.Body.Close()
	var challenge deviceChallenge
	decodeJSON(t, resp, &challenge)
	assert.Equal(t, da.UserCode, challenge.UserCode)

	resp = postForm(t, browser, ts.URL+"/device", url.Values{
		"user_code":  {challenge.UserCode},
		"decision":   {"allow"},
		"csrf_token": {challenge.CSRFToken},
	}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decision deviceDecision
	decodeJSON(t, resp, &decision)
	assert.Equal(t, "approved", decision.Status)

	tok, err := cfg.DeviceAccessToken(ts.ctx, da)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.Extra("id_token"))

	_, err = cfg.DeviceAccessToken(ts.ctx, da)
	errCode, _ := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode, "a device code yields tokens once")
}

func TestDeviceFlow_PendingThenSlowDown(t *testing.T) {
	ts := newTestServer(t)
	resp := postForm(t, http.DefaultClient, ts.URL+"/device_authorization", url.Values{"client_id": {"tv"}}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var da struct {
		DeviceCode string `json:"device_code"`
	}
	decodeJSON(t, resp, &da)

	poll := func() string {
		resp := postForm(t, http.DefaultClient, ts.URL+"/token", url.Values{
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
			"client_id":   {"tv"},
			"device_code": {da.DeviceCode},
		}, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body map[string]string
		decodeJSON(t, resp, &body)
		return body["error"]
	}
	assert.Equal(t, "authorization_pending", poll())
	assert.Equal(t, "slow_down", poll())
}

func TestPasswordGrant(t *testing.T) {
	ts := newTestServer(t)
	cfg := &oauth2.Config{
		ClientID: "cli",
		Scopes:   []string{"api:read", gooidc.ScopeOfflineAccess},
		Endpoint: oauth2.Endpoint{TokenURL: ts.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}

	tok, err := cfg.PasswordCredentialsToken(ts.ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Nil(t, tok.Extra("id_token"), "no openid scope requested")

	_, err = cfg.PasswordCredentialsToken(ts.ctx, "alice", "looking-glass")
	errCode, _ := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)
}

func TestLogout_RevokeGrants(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, _ := ts.webConfig(t)
	tok := ts.codeFlow(t, browser, cfg)

	resp := postForm(t, browser, ts.URL+"/logout", url.Values{"revoke_grants": {"true"}}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result logoutResponse
	decodeJSON(t, resp, &result)
	assert.Equal(t, 1, result.RevokedAuthorizations)
	assert.Equal(t, int64(3), result.RevokedTokens, "access, ID and refresh token")

	_, err := cfg.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	errCode, _ := retrieveErrorCode(t, err)
	assert.Equal(t, "invalid_grant", errCode)

	resp = postForm(t, browser, ts.URL+"/logout", url.Values{}, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the session cookie was cleared")
}

func TestLogout_PostLogoutRedirect(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)

	resp := postForm(t, browser, ts.URL+"/logout", url.Values{
		"client_id":                {"web-app"},
		"post_logout_redirect_uri": {"https://evil.example.com/"},
	}, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postForm(t, browser, ts.URL+"/logout", url.Values{
		"client_id":                {"web-app"},
		"post_logout_redirect_uri": {"https://app.example.com/signed-out"},
		"state":                    {"bye"},
	}, "", "")
	params := redirectParams(t, resp)
	assert.Equal(t, "bye", params.Get("state"))
}

func TestRevokeAuthorizationByUser(t *testing.T) {
	ts := newTestServer(t)
	browser := ts.browser(t)
	ts.login(t, browser)
	cfg, _ := ts.webConfig(t)
	tok := ts.codeFlow(t, browser, cfg)

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims)
	require.NoError(t, err)
	authzID, ok := claims["authz_id"].(string)
	require.True(t, ok)

	resp := postForm(t, http.DefaultClient, ts.URL+"/revoke", url.Values{"authorization_id": {authzID}}, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "needs the owner's session")

	resp = postForm(t, browser, ts.URL+"/revoke", url.Values{"authorization_id": {authzID}}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result revokeAuthorizationResponse
	decodeJSON(t, resp, &result)
	assert.Equal(t, authzID, result.AuthorizationID)
	assert.Equal(t, int64(3), result.RevokedTokens, "access, ID and refresh token")

	resp = postForm(t, http.DefaultClient, ts.URL+"/introspect", url.Values{"token": {tok.AccessToken}}, "web-app", webSecret)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, false, body["active"])
}

func TestTokenEndpoint_FormErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCode    string
	}{
		{"repeated parameter", "application/x-www-form-urlencoded", "grant_type=client_credentials&grant_type=password", "invalid_request"},
		{"json body", "application/json", `{"grant_type":"client_credentials"}`, "invalid_request"},
		{"missing grant type", "application/x-www-form-urlencoded", "client_id=service", "invalid_request"},
		{"unknown grant type", "application/x-www-form-urlencoded", "grant_type=implicit&client_id=cli", "unsupported_grant_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/token", tt.contentType, strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			var body map[string]string
			decodeJSON(t, resp, &body)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestWellKnownAndOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=300", resp.Header.Get("Cache-Control"))
	var jwks struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	decodeJSON(t, resp, &jwks)
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "ES256", jwks.Keys[0]["alg"])
	assert.NotContains(t, jwks.Keys[0], "d", "private material is never published")

	resp, err = http.Get(ts.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	var discovery map[string]interface{}
	decodeJSON(t, resp, &discovery)
	assert.Equal(t, ts.URL, discovery["issuer"])
	assert.Equal(t, ts.URL+"/device_authorization", discovery["device_authorization_endpoint"])

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decodeJSON(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "http_requests_total")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
