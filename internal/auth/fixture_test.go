package auth

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/config"
	"token-engine/internal/db"
	"token-engine/internal/keys"
	"token-engine/internal/logging"
	"token-engine/internal/monitoring"
	"token-engine/internal/ratelimit"
	"token-engine/internal/session"
	"token-engine/internal/token"
	"token-engine/pkg/crypto"
	jwtpkg "token-engine/pkg/jwt"
	"token-engine/pkg/security"
)

const (
	webRedirect = "https://app.example.com/callback"
	spaRedirect = "https://spa.example.com/cb"
	webSecret   = "web-secret"
	svcSecret   = "svc-secret"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx      context.Context
	clock    *testClock
	store    *db.MemoryStore
	registry *keys.Registry
	authz    *authorization.StateMachine
	tokens   *token.StateMachine
	sessions *session.Tracker
	jwt      *jwtpkg.Manager
	recorder *audit.Recorder
	metrics  *monitoring.Service
	service  *Service
	alice    *db.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.LoadTestConfig()
	f := &fixture{
		ctx:      context.Background(),
		clock:    &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		store:    db.NewMemoryStore(),
		recorder: &audit.Recorder{},
		metrics:  monitoring.NewService(),
	}
	clock := f.clock.Now

	sealKey := make([]byte, security.KeyLength)
	_, err := rand.Read(sealKey)
	require.NoError(t, err)
	sealer, err := security.NewSealer(sealKey)
	require.NoError(t, err)

	f.registry = keys.NewRegistry(f.store, sealer, keys.WithClock(clock))
	rotator := keys.NewRotator(f.registry, cfg.Keys.Algorithm, cfg.Keys.RotationInterval, cfg.Keys.VerificationGrace, logging.NewNop())
	_, err = rotator.RotateNow(f.ctx)
	require.NoError(t, err)

	hasher := &BcryptHasher{Cost: bcrypt.MinCost}
	generator := crypto.NewCredentialGenerator(nil)

	f.jwt = jwtpkg.NewManager(cfg.Auth.Issuer, f.registry.Source(cfg.Keys.Algorithm)).WithClock(clock)
	f.authz = authorization.New(f.store, f.store, authorization.WithClock(clock))
	f.tokens = token.New(f.store, f.authz, generator,
		token.WithClock(clock),
		token.WithTTLPolicy(token.TTLPolicyFromConfig(cfg.Auth)),
		token.WithAuditSink(f.recorder))
	f.sessions = session.NewTracker(f.store, f.authz, generator,
		session.WithClock(clock),
		session.WithAuditSink(f.recorder),
		session.WithDefaultTTL(cfg.Auth.SessionTTL))
	pollLimiter := ratelimit.NewMemoryPollLimiter().WithClock(clock)
	t.Cleanup(func() { pollLimiter.Close() })

	f.service = NewService(Components{
		Clients:        f.store,
		Users:          f.store,
		Authorizations: f.authz,
		Tokens:         f.tokens,
		Sessions:       f.sessions,
		JWT:            f.jwt,
		Hasher:         hasher,
		PollLimiter:    pollLimiter,
		Audit:          f.recorder,
		Metrics:        f.metrics,
	}, cfg, WithClock(clock))

	f.seed(t, hasher)
	return f
}

func (f *fixture) seed(t *testing.T, hasher PasswordHasher) {
	t.Helper()
	for _, scope := range []*db.Scope{
		{Name: "openid", DisplayName: "Sign you in"},
		{Name: "profile", DisplayName: "Read your profile"},
		{Name: "offline_access", DisplayName: "Stay signed in"},
		{Name: "api:read", DisplayName: "Read API data"},
		{Name: "basic", DisplayName: "Basic access", Required: true},
	} {
		require.NoError(t, f.store.CreateScope(f.ctx, scope))
	}

	webHash, err := hasher.Hash(webSecret)
	require.NoError(t, err)
	svcHash, err := hasher.Hash(svcSecret)
	require.NoError(t, err)

	clients := []*db.Client{
		{
			ClientID:     "web-app",
			SecretHash:   webHash,
			Type:         db.ClientConfidential,
			RequirePKCE:  true,
			ConsentType:  db.ConsentImplicit,
			RedirectURIs: []string{webRedirect},
			Scopes:       []string{"openid", "profile", "offline_access"},
			GrantTypes:   []string{db.GrantAuthorizationCode, db.GrantRefreshToken},
		},
		{
			ClientID:     "spa",
			Type:         db.ClientPublic,
			ConsentType:  db.ConsentExplicit,
			RedirectURIs: []string{spaRedirect},
			Scopes:       []string{"openid", "offline_access"},
			GrantTypes:   []string{db.GrantAuthorizationCode, db.GrantRefreshToken},
		},
		{
			ClientID:   "service",
			SecretHash: svcHash,
			Type:       db.ClientConfidential,
			Scopes:     []string{"api:read", "basic"},
			GrantTypes: []string{db.GrantClientCredentials},
		},
		{
			ClientID:   "cli",
			Type:       db.ClientPublic,
			Scopes:     []string{"openid", "offline_access", "api:read"},
			GrantTypes: []string{db.GrantPassword, db.GrantRefreshToken},
		},
		{
			ClientID:   "tv",
			Type:       db.ClientPublic,
			Scopes:     []string{"openid", "offline_access"},
			GrantTypes: []string{db.GrantDeviceCode},
		},
	}
	for _, client := range clients {
		client.ID = uuid.New()
		require.NoError(t, f.store.CreateClient(f.ctx, client))
	}

	passwordHash, err := hasher.Hash("wonderland")
	require.NoError(t, err)
	f.alice = &db.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", PasswordHash: passwordHash}
	require.NoError(t, f.store.CreateUser(f.ctx, f.alice))
}

// authorizeWeb runs /authorize for the confidential web client with an S256
// challenge and returns the code and its verifier.
func (f *fixture) authorizeWeb(t *testing.T, scope string) (code, verifier string) {
	t.Helper()
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	result, err := f.service.Authorize(f.ctx, &AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "web-app",
		RedirectURI:         webRedirect,
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       crypto.S256Challenge(verifier),
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6_WzA2Mj",
		SubjectID:           f.alice.ID.String(),
	})
	require.NoError(t, err)
	require.False(t, result.ConsentRequired)
	require.NotEmpty(t, result.Code)
	return result.Code, verifier
}

func (f *fixture) exchangeWeb(code, verifier string) (*TokenResponse, error) {
	return f.service.Token(f.ctx, &TokenRequest{
		GrantType:    db.GrantAuthorizationCode,
		ClientID:     "web-app",
		ClientSecret: webSecret,
		Code:         code,
		RedirectURI:  webRedirect,
		CodeVerifier: verifier,
	})
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, code, authErr.Code, authErr.Description)
	return authErr
}

func mustParseUUID(t *testing.T, value string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(value)
	require.NoError(t, err)
	return id
}
