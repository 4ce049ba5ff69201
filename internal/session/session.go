package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/pkg/crypto"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrInactive = errors.New("session is no longer active")
)

type Store interface {
	CreateSession(ctx context.Context, session *db.LoginSession) error
	GetSession(ctx context.Context, sessionID string) (*db.LoginSession, error)
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	DeactivateSession(ctx context.Context, sessionID string, now time.Time) (*db.LoginSession, error)
	ListAuthorizationsBySubject(ctx context.Context, subjectID string, from, to time.Time) ([]*db.Authorization, error)
}

// Authorizations is the subset of the authorization state machine the
// revocation cascade needs.
type Authorizations interface {
	Revoke(ctx context.Context, id uuid.UUID) (int64, error)
	Deny(ctx context.Context, id uuid.UUID) error
}

type StartRequest struct {
	UserID string
	// SessionID is generated when empty.
	SessionID  string
	IPAddress  string
	UserAgent  string
	DeviceInfo string
	// TTL falls back to the tracker default; zero there means no expiry.
	TTL time.Duration
}

// RevokeResult summarises an administrative session revocation.
type RevokeResult struct {
	Session               *db.LoginSession
	RevokedAuthorizations int
	DeniedAuthorizations  int
	RevokedTokens         int64
}

type Tracker struct {
	store          Store
	authorizations Authorizations
	generator      *crypto.CredentialGenerator
	audit          audit.Sink
	ttl            time.Duration
	now            func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(t *Tracker) { t.audit = sink }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

func NewTracker(store Store, authorizations Authorizations, generator *crypto.CredentialGenerator, opts ...Option) *Tracker {
	t := &Tracker{
		store:          store,
		authorizations: authorizations,
		generator:      generator,
		audit:          audit.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Start(ctx context.Context, req StartRequest) (*db.LoginSession, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		var err error
		if sessionID, err = t.generator.NewOpaqueSecret(crypto.DefaultSecretLength); err != nil {
			return nil, err
		}
	}

	now := t.now()
	session := &db.LoginSession{
		ID:               uuid.New(),
		UserID:           req.UserID,
		SessionID:        sessionID,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		DeviceInfo:       req.DeviceInfo,
		LoginTime:        now,
		LastActivityTime: now,
		IsActive:         true,
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = t.ttl
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		session.ExpirationTime = &expires
	}

	if err := t.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	t.audit.Emit(audit.Event{
		Type:      audit.EventSessionStarted,
		SubjectID: req.UserID,
		IPAddress: req.IPAddress,
	})
	return session, nil
}

// Touch records activity. Inactive, expired and unknown sessions are left
// alone.
func (t *Tracker) Touch(ctx context.Context, sessionID string) error {
	err := t.store.TouchSession(ctx, sessionID, t.now())
	if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// Lookup returns the session if it is still live.
func (t *Tracker) Lookup(ctx context.Context, sessionID string) (*db.LoginSession, error) {
	session, err := t.store.GetSession(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !session.IsLive(t.now()) {
		return nil, ErrInactive
	}
	return session, nil
}

// End deactivates a session on logout. Tokens already issued stay valid.
func (t *Tracker) End(ctx context.Context, sessionID string) (*db.LoginSession, error) {
	session, err := t.deactivate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	t.audit.Emit(audit.Event{Type: audit.EventSessionEnded, SubjectID: session.UserID})
	return session, nil
}

// Revoke deactivates a session and withdraws every authorization its user
// created while it was open: authorized ones are revoked with their tokens,
// pending ones are denied. A session that already ended is still cascaded.
func (t *Tracker) Revoke(ctx context.Context, sessionID string) (*RevokeResult, error) {
	session, err := t.deactivate(ctx, sessionID)
	if errors.Is(err, ErrInactive) {
		session, err = t.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	end := t.now()
	if session.EndedAt != nil && session.EndedAt.Before(end) {
		end = *session.EndedAt
	}
	authzs, err := t.store.ListAuthorizationsBySubject(ctx, session.UserID, session.LoginTime, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list session authorizations: %w", err)
	}

	logger := logging.FromContext(ctx).WithUserID(session.UserID)
	result := &RevokeResult{Session: session}
	for _, authz := range authzs {
		switch authz.Status {
		case db.AuthorizationAuthorized, db.AuthorizationValid:
			revoked, err := t.authorizations.Revoke(ctx, authz.ID)
			if errors.Is(err, authorization.ErrInvalidState) {
				continue
			}
			if err != nil {
				return result, err
			}
			result.RevokedAuthorizations++
			result.RevokedTokens += revoked
		case db.AuthorizationPending:
			err := t.authorizations.Deny(ctx, authz.ID)
			if errors.Is(err, authorization.ErrInvalidState) {
				continue
			}
			if err != nil {
				return result, err
			}
			result.DeniedAuthorizations++
		}
	}

	logger.InfoEvent().
		Int("revoked_authorizations", result.RevokedAuthorizations).
		Int("denied_authorizations", result.DeniedAuthorizations).
		Int64("revoked_tokens", result.RevokedTokens).
		Msg("session revoked")
	t.audit.Emit(audit.Event{
		Type:      audit.EventSessionRevoked,
		SubjectID: session.UserID,
		Details: map[string]any{
			"revoked_authorizations": result.RevokedAuthorizations,
			"revoked_tokens":         result.RevokedTokens,
		},
	})
	return result, nil
}

func (t *Tracker) deactivate(ctx context.Context, sessionID string) (*db.LoginSession, error) {
	session, err := t.store.DeactivateSession(ctx, sessionID, t.now())
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, db.ErrConflict):
		return nil, ErrInactive
	case err != nil:
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return session, nil
}
