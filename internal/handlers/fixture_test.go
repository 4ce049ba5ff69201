package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"token-engine/internal/audit"
	"token-engine/internal/auth"
	"token-engine/internal/authorization"
	"token-engine/internal/config"
	"token-engine/internal/db"
	"token-engine/internal/keys"
	"token-engine/internal/logging"
	"token-engine/internal/middleware"
	"token-engine/internal/monitoring"
	"token-engine/internal/oidc"
	"token-engine/internal/ratelimit"
	"token-engine/internal/security"
	"token-engine/internal/seed"
	"token-engine/internal/session"
	"token-engine/internal/token"
	"token-engine/pkg/crypto"
	jwtpkg "token-engine/pkg/jwt"
	pkgsecurity "token-engine/pkg/security"
)

const (
	webRedirect = "https://app.example.com/callback"
	spaRedirect = "https://spa.example.com/cb"
	webSecret   = "web-secret"
	svcSecret   = "svc-secret"
)

type testServer struct {
	*httptest.Server
	ctx      context.Context
	store    *db.MemoryStore
	metrics  *monitoring.Service
	recorder *audit.Recorder
	aliceID  string
}

var testSeed = &seed.File{
	Scopes: []seed.Scope{
		{Name: "api:read", DisplayName: "Read API data"},
		{Name: "basic", DisplayName: "Basic access", Required: true},
	},
	Clients: []seed.Client{
		{
			ClientID:               "web-app",
			Secret:                 webSecret,
			Type:                   "confidential",
			RequirePKCE:            true,
			ConsentType:            "implicit",
			RedirectURIs:           []string{webRedirect},
			PostLogoutRedirectURIs: []string{"https://app.example.com/signed-out"},
			Scopes:                 []string{"openid", "profile", "offline_access"},
			GrantTypes:             []string{db.GrantAuthorizationCode, db.GrantRefreshToken},
		},
		{
			ClientID:     "spa",
			Type:         "public",
			ConsentType:  "explicit",
			RedirectURIs: []string{spaRedirect},
			Scopes:       []string{"openid", "offline_access"},
			GrantTypes:   []string{db.GrantAuthorizationCode, db.GrantRefreshToken},
		},
		{
			ClientID:   "service",
			Secret:     svcSecret,
			Type:       "confidential",
			Scopes:     []string{"api:read", "basic"},
			GrantTypes: []string{db.GrantClientCredentials},
		},
		{
			ClientID:   "cli",
			Type:       "public",
			Scopes:     []string{"openid", "offline_access", "api:read"},
			GrantTypes: []string{db.GrantPassword, db.GrantRefreshToken},
		},
		{
			ClientID:   "tv",
			Type:       "public",
			Scopes:     []string{"openid", "offline_access"},
			GrantTypes: []string{db.GrantDeviceCode},
		},
	},
	Users: []seed.User{
		{Username: "alice", Email: "alice@example.com", Password: "wonderland"},
	},
}

// newTestServer runs the full HTTP stack on the memory store. The issuer is
// the server's own URL so discovery-based clients accept its tokens.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.LoadTestConfig()
	cfg.Auth.Issuer = srv.URL
	cfg.Server.BaseURL = srv.URL
	cfg.Auth.DevicePollInterval = time.Second

	ts := &testServer{
		Server:   srv,
		ctx:      context.Background(),
		store:    db.NewMemoryStore(),
		metrics:  monitoring.NewService(),
		recorder: &audit.Recorder{},
	}
	logger := logging.NewNop()

	sealKey := make([]byte, pkgsecurity.KeyLength)
	_, err := rand.Read(sealKey)
	require.NoError(t, err)
	sealer, err := pkgsecurity.NewSealer(sealKey)
	require.NoError(t, err)

	registry := keys.NewRegistry(ts.store, sealer)
	_, err = keys.NewRotator(registry, cfg.Keys.Algorithm, cfg.Keys.RotationInterval, cfg.Keys.VerificationGrace, logger).
		RotateNow(ts.ctx)
	require.NoError(t, err)

	hasher := &auth.BcryptHasher{Cost: bcrypt.MinCost}
	generator := crypto.NewCredentialGenerator(nil)
	authz := authorization.New(ts.store, ts.store)
	tokens := token.New(ts.store, authz, generator,
		token.WithTTLPolicy(token.TTLPolicyFromConfig(cfg.Auth)),
		token.WithAuditSink(ts.recorder))
	sessions := session.NewTracker(ts.store, authz, generator,
		session.WithAuditSink(ts.recorder),
		session.WithDefaultTTL(cfg.Auth.SessionTTL))
	pollLimiter := ratelimit.NewMemoryPollLimiter()
	t.Cleanup(func() { pollLimiter.Close() })

	service := auth.NewService(auth.Components{
		Clients:        ts.store,
		Users:          ts.store,
		Authorizations: authz,
		Tokens:         tokens,
		Sessions:       sessions,
		JWT:            jwtpkg.NewManager(cfg.Auth.Issuer, registry.Source(cfg.Keys.Algorithm)),
		Hasher:         hasher,
		PollLimiter:    pollLimiter,
		Audit:          ts.recorder,
		Metrics:        ts.metrics,
	}, cfg)

	_, err = seed.Apply(ts.ctx, ts.store, hasher, testSeed)
	require.NoError(t, err)
	alice, err := ts.store.GetUserByUsername(ts.ctx, "alice")
	require.NoError(t, err)
	ts.aliceID = alice.ID.String()

	limiter := ratelimit.NewMemoryRateLimiter(&ratelimit.Config{
		MaxRequests: cfg.Security.RateLimitRequests,
		Window:      cfg.Security.RateLimitWindow,
	})
	t.Cleanup(func() { limiter.Close() })

	h := NewHandler(Dependencies{
		Auth:      service,
		Clients:   ts.store,
		Keys:      registry,
		Health:    db.NewHealthChecker(ts.store),
		Metrics:   ts.metrics,
		CSRF:      security.NewCSRFManager([]byte(cfg.Security.CSRFSecret), cfg.Security.CSRFTTL),
		Discovery: oidc.NewDiscovery(cfg.Auth.Issuer, cfg.Server.BaseURL, cfg.Keys.Algorithm),
	})
	handler = NewRouter(h, middleware.NewMiddleware(logger, ts.metrics, limiter), cfg.Security)
	return ts
}

// browser returns a client that keeps cookies and does not follow
// redirects, so tests can inspect Location headers.
func (ts *testServer) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (ts *testServer) login(t *testing.T, client *http.Client) {
	t.Helper()
	resp, err := client.PostForm(ts.URL+"/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func postForm(t *testing.T, client *http.Client, target string, form url.Values, basicUser, basicPass string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(url.QueryEscape(basicUser), url.QueryEscape(basicPass))
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, dest), string(body))
}

func redirectParams(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location.Query()
}
