package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/config"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/internal/monitoring"
	"token-engine/internal/ratelimit"
	"token-engine/internal/session"
	"token-engine/internal/token"
	jwtpkg "token-engine/pkg/jwt"
)

const (
	scopeOpenID        = "openid"
	scopeOfflineAccess = "offline_access"
)

// Components are the collaborators the grant flows drive. Every field is
// required; main and the tests assemble them over the same store.
type Components struct {
	Clients        db.ClientStore
	Users          db.UserStore
	Authorizations *authorization.StateMachine
	Tokens         *token.StateMachine
	Sessions       *session.Tracker
	JWT            *jwtpkg.Manager
	Hasher         PasswordHasher
	PollLimiter    ratelimit.PollLimiter
	Audit          audit.Sink
	Metrics        *monitoring.Service
}

// Service is the grant flow engine. It turns protocol requests into state
// machine transitions and answers with a token response or an *Error.
type Service struct {
	clients        db.ClientStore
	users          db.UserStore
	authorizations *authorization.StateMachine
	tokens         *token.StateMachine
	sessions       *session.Tracker
	jwt            *jwtpkg.Manager
	hasher         PasswordHasher
	pollLimiter    ratelimit.PollLimiter
	audit          audit.Sink
	metrics        *monitoring.Service
	config         config.AuthConfig
	baseURL        string
	now            func() time.Time

	// dummyHash keeps unknown-user password checks as slow as real ones.
	dummyHash string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(c Components, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		clients:        c.Clients,
		users:          c.Users,
		authorizations: c.Authorizations,
		tokens:         c.Tokens,
		sessions:       c.Sessions,
		jwt:            c.JWT,
		hasher:         c.Hasher,
		pollLimiter:    c.PollLimiter,
		audit:          c.Audit,
		metrics:        c.Metrics,
		config:         cfg.Auth,
		baseURL:        strings.TrimRight(cfg.Server.BaseURL, "/"),
		now:            time.Now,
	}
	if s.audit == nil {
		s.audit = audit.Nop()
	}
	for _, opt := range opts {
		opt(s)
	}
	if hash, err := s.hasher.Hash("token-engine-dummy-password"); err == nil {
		s.dummyHash = hash
	}
	return s
}

// TokenRequest carries the form parameters of POST /token.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string

	Username string
	Password string

	DeviceCode string

	// Request metadata recorded on sessions started by the password grant.
	IPAddress string
	UserAgent string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// SessionID is set when the grant started a login session.
	SessionID string `json:"-"`
}

// Token dispatches a token endpoint request on its grant type.
func (s *Service) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case db.GrantAuthorizationCode:
		return s.ExchangeCode(ctx, req)
	case db.GrantRefreshToken:
		return s.Refresh(ctx, req)
	case db.GrantClientCredentials:
		return s.ClientCredentials(ctx, req)
	case db.GrantPassword:
		return s.Password(ctx, req)
	case db.GrantDeviceCode:
		return s.PollDeviceCode(ctx, req)
	case "":
		return nil, s.protocolError(ctx, req.GrantType, newError(ErrCodeInvalidRequest, "grant_type is required"))
	}
	return nil, s.protocolError(ctx, req.GrantType,
		errorf(ErrCodeUnsupportedGrantType, "grant type %q is not supported", req.GrantType))
}

// AuthenticateClient resolves clientID and checks its secret. Public
// clients authenticate by identifier alone.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*db.Client, error) {
	if clientID == "" {
		return nil, newError(ErrCodeInvalidClient, "client_id is required")
	}

	client, err := s.clients.GetClientByID(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		s.authFailure(ctx, "client", clientID, "unknown client")
		return nil, newError(ErrCodeInvalidClient, "client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.IsPublic() {
		return client, nil
	}
	if clientSecret == "" || s.hasher.Verify(clientSecret, client.SecretHash) != nil {
		s.authFailure(ctx, "client", clientID, "bad client secret")
		return nil, newError(ErrCodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

func (s *Service) authenticateUser(ctx context.Context, username, password string) (*db.User, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		_ = s.hasher.Verify(password, s.dummyHash)
		s.authFailure(ctx, "user", "", "unknown user")
		return nil, newError(ErrCodeInvalidGrant, "invalid resource owner credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if s.hasher.Verify(password, user.PasswordHash) != nil {
		s.authFailure(ctx, "user", "", "bad password")
		return nil, newError(ErrCodeInvalidGrant, "invalid resource owner credentials")
	}
	return user, nil
}

func (s *Service) authFailure(ctx context.Context, kind, clientID, reason string) {
	s.metrics.IncrementFailedAuthentications(kind)
	s.audit.Emit(audit.Event{
		Type:     audit.EventAuthFailure,
		ClientID: clientID,
		Details:  map[string]any{"kind": kind, "reason": reason},
	})
	logging.FromContext(ctx).DebugEvent().
		Str("kind", kind).
		Str("client_id", clientID).
		Str("reason", reason).
		Msg("authentication failed")
}

func requireGrant(client *db.Client, grantType string) error {
	if !client.HasGrantType(grantType) {
		return errorf(ErrCodeUnauthorizedClient, "client is not allowed to use %s", grantType)
	}
	return nil
}

func parseScope(scope string) []string {
	return strings.Fields(scope)
}

func hasScope(scopes []string, name string) bool {
	for _, s := range scopes {
		if s == name {
			return true
		}
	}
	return false
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
