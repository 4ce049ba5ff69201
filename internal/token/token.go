package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-engine/internal/audit"
	"token-engine/internal/config"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/pkg/crypto"
)

var (
	ErrNotFound       = errors.New("token not found")
	ErrInvalidGrant   = errors.New("token is unknown, expired or already used")
	ErrReplayDetected = errors.New("refresh token reuse detected")
	ErrInvalidState   = errors.New("token is not in a state that allows this transition")
)

// maxReferenceAttempts bounds retries after a reference collision.
const maxReferenceAttempts = 3

// Store is the persistence this state machine drives.
type Store interface {
	CreateToken(ctx context.Context, token *db.Token) error
	GetToken(ctx context.Context, id uuid.UUID) (*db.Token, error)
	GetTokenByReference(ctx context.Context, reference string, tokenType db.TokenType) (*db.Token, error)
	RedeemToken(ctx context.Context, id uuid.UUID, expected db.TokenStatus, now time.Time) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
	ListTokensByAuthorization(ctx context.Context, authorizationID uuid.UUID) ([]*db.Token, error)
}

// Authorizations reads an authorization and revokes it together with every
// live token under it.
type Authorizations interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Authorization, error)
	Revoke(ctx context.Context, id uuid.UUID) (int64, error)
}

// TTLPolicy is the lifetime given to each token type at issue time.
type TTLPolicy struct {
	AuthorizationCode time.Duration
	DeviceCode        time.Duration
	AccessToken       time.Duration
	RefreshToken      time.Duration
	IDToken           time.Duration
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		AuthorizationCode: 10 * time.Minute,
		DeviceCode:        10 * time.Minute,
		AccessToken:       time.Hour,
		RefreshToken:      7 * 24 * time.Hour,
		IDToken:           time.Hour,
	}
}

func TTLPolicyFromConfig(cfg config.AuthConfig) TTLPolicy {
	return TTLPolicy{
		AuthorizationCode: cfg.AuthorizationCodeTTL,
		DeviceCode:        cfg.DeviceCodeTTL,
		AccessToken:       cfg.AccessTokenTTL,
		RefreshToken:      cfg.RefreshTokenTTL,
		IDToken:           cfg.IDTokenTTL,
	}
}

// For returns the lifetime of tokenType. User codes share the device code
// lifetime since they are redeemed together.
func (p TTLPolicy) For(tokenType db.TokenType) time.Duration {
	switch tokenType {
	case db.TokenAuthorizationCode:
		return p.AuthorizationCode
	case db.TokenDeviceCode, db.TokenUserCode:
		return p.DeviceCode
	case db.TokenAccess:
		return p.AccessToken
	case db.TokenRefresh:
		return p.RefreshToken
	case db.TokenID:
		return p.IDToken
	}
	return 0
}

type IssueRequest struct {
	Type            db.TokenType
	AuthorizationID *uuid.UUID
	SubjectID       string
	ClientID        string
	Scopes          []string

	// Authorization code bindings.
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// TTL overrides the policy when positive.
	TTL time.Duration
}

// RotateResult is the outcome of a refresh token rotation.
type RotateResult struct {
	Previous *db.Token
	Access   *db.Token
	Refresh  *db.Token
}

type StateMachine struct {
	store          Store
	authorizations Authorizations
	generator      *crypto.CredentialGenerator
	ttl            TTLPolicy
	audit          audit.Sink
	now            func() time.Time
}

type Option func(*StateMachine)

func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

func WithTTLPolicy(p TTLPolicy) Option {
	return func(m *StateMachine) { m.ttl = p }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(m *StateMachine) { m.audit = sink }
}

func New(store Store, authorizations Authorizations, generator *crypto.CredentialGenerator, opts ...Option) *StateMachine {
	m := &StateMachine{
		store:          store,
		authorizations: authorizations,
		generator:      generator,
		ttl:            DefaultTTLPolicy(),
		audit:          audit.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue inserts a new token. Device and user codes start Pending; every
// other type is usable immediately. Opaque types get a fresh reference.
// The insert fails with ErrInvalidGrant once the owning authorization no
// longer allows the type, so a revoke racing this call never leaves a live
// token behind.
func (m *StateMachine) Issue(ctx context.Context, req IssueRequest) (*db.Token, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl.For(req.Type)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("no lifetime configured for %s", req.Type)
	}

	status := db.TokenValid
	if req.Type == db.TokenDeviceCode || req.Type == db.TokenUserCode {
		status = db.TokenPending
	}

	now := m.now()
	for attempt := 1; ; attempt++ {
		tok := &db.Token{
			ID:                  uuid.New(),
			AuthorizationID:     req.AuthorizationID,
			Type:                req.Type,
			Status:              status,
			SubjectID:           req.SubjectID,
			ClientID:            req.ClientID,
			Scopes:              req.Scopes,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			Nonce:               req.Nonce,
			CreationDate:        now,
			ExpirationDate:      now.Add(ttl),
		}

		reference, err := m.newReference(req.Type)
		if err != nil {
			return nil, err
		}
		tok.ReferenceID = reference

		err = m.store.CreateToken(ctx, tok)
		if err == nil {
			return tok, nil
		}
		if errors.Is(err, db.ErrConflict) {
			logging.FromContext(ctx).DebugEvent().
				Str("token_type", string(req.Type)).
				Str("authorization_id", authorizationString(req.AuthorizationID)).
				Msg("authorization no longer active, token not issued")
			return nil, ErrInvalidGrant
		}
		if !errors.Is(err, db.ErrDuplicate) || reference == "" || attempt == maxReferenceAttempts {
			return nil, fmt.Errorf("failed to store %s: %w", req.Type, err)
		}
		logging.FromContext(ctx).DebugEvent().
			Str("token_type", string(req.Type)).
			Int("attempt", attempt).
			Msg("token reference collision, regenerating")
	}
}

// newReference returns the external handle for opaque types. Access and ID
// tokens are self-contained JWTs and carry none.
func (m *StateMachine) newReference(tokenType db.TokenType) (string, error) {
	switch tokenType {
	case db.TokenAccess, db.TokenID:
		return "", nil
	case db.TokenUserCode:
		return m.generator.NewUserCode()
	default:
		return m.generator.NewOpaqueSecret(crypto.DefaultSecretLength)
	}
}

// Redeem marks tok Redeemed with one conditional update. Exactly one of any
// number of concurrent callers succeeds; the rest get ErrInvalidGrant.
func (m *StateMachine) Redeem(ctx context.Context, tok *db.Token) error {
	if tok.Status != db.TokenValid && tok.Status != db.TokenPending {
		return ErrInvalidGrant
	}

	now := m.now()
	err := m.store.RedeemToken(ctx, tok.ID, tok.Status, now)
	if errors.Is(err, db.ErrConflict) {
		logging.FromContext(ctx).DebugEvent().
			Str("token_id", tok.ID.String()).
			Str("token_type", string(tok.Type)).
			Msg("redemption lost to a concurrent caller or token expired")
		return ErrInvalidGrant
	}
	if err != nil {
		return fmt.Errorf("failed to redeem token: %w", err)
	}

	tok.Status = db.TokenRedeemed
	tok.RedemptionDate = &now
	m.audit.Emit(audit.Event{
		Type:            audit.EventTokenRedeemed,
		SubjectID:       tok.SubjectID,
		ClientID:        tok.ClientID,
		AuthorizationID: authorizationString(tok.AuthorizationID),
		TokenID:         tok.ID.String(),
		Details:         map[string]any{"token_type": string(tok.Type)},
	})
	return nil
}

// Rotate redeems a refresh token and, only if that succeeds, issues a new
// access and refresh token under the same authorization. Presenting a
// refresh token that was already redeemed revokes the whole authorization.
func (m *StateMachine) Rotate(ctx context.Context, refreshReference, clientID string) (*RotateResult, error) {
	previous, err := m.Lookup(ctx, refreshReference, db.TokenRefresh)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if previous.ClientID != clientID || previous.AuthorizationID == nil {
		return nil, ErrInvalidGrant
	}

	if previous.Status == db.TokenRedeemed {
		return nil, m.replayDetected(ctx, previous)
	}
	if previous.Status != db.TokenValid {
		return nil, ErrInvalidGrant
	}
	if err := m.requireActive(ctx, *previous.AuthorizationID); err != nil {
		return nil, err
	}

	if err := m.Redeem(ctx, previous); err != nil {
		return nil, err
	}

	access, err := m.Issue(ctx, IssueRequest{
		Type:            db.TokenAccess,
		AuthorizationID: previous.AuthorizationID,
		SubjectID:       previous.SubjectID,
		ClientID:        previous.ClientID,
		Scopes:          previous.Scopes,
	})
	if err != nil {
		return nil, err
	}
	refresh, err := m.Issue(ctx, IssueRequest{
		Type:            db.TokenRefresh,
		AuthorizationID: previous.AuthorizationID,
		SubjectID:       previous.SubjectID,
		ClientID:        previous.ClientID,
		Scopes:          previous.Scopes,
		Nonce:           previous.Nonce,
	})
	if err != nil {
		return nil, err
	}

	return &RotateResult{Previous: previous, Access: access, Refresh: refresh}, nil
}

// requireActive fails with ErrInvalidGrant unless the authorization is
// Authorized or Valid.
func (m *StateMachine) requireActive(ctx context.Context, authorizationID uuid.UUID) error {
	authz, err := m.authorizations.Get(ctx, authorizationID)
	if err != nil {
		return fmt.Errorf("failed to load authorization: %w", err)
	}
	if authz.Status != db.AuthorizationAuthorized && authz.Status != db.AuthorizationValid {
		return ErrInvalidGrant
	}
	return nil
}

func (m *StateMachine) replayDetected(ctx context.Context, tok *db.Token) error {
	revoked, err := m.authorizations.Revoke(ctx, *tok.AuthorizationID)
	if err != nil {
		// Already revoked by an earlier replay or an administrator.
		logging.FromContext(ctx).WarnEvent().
			Err(err).
			Str("authorization_id", tok.AuthorizationID.String()).
			Msg("could not revoke authorization after refresh token replay")
	}

	m.audit.Emit(audit.Event{
		Type:            audit.EventRefreshReplay,
		SubjectID:       tok.SubjectID,
		ClientID:        tok.ClientID,
		AuthorizationID: tok.AuthorizationID.String(),
		TokenID:         tok.ID.String(),
		Details:         map[string]any{"revoked_tokens": revoked},
	})
	logging.FromContext(ctx).WarnEvent().
		Str("authorization_id", tok.AuthorizationID.String()).
		Str("client_id", tok.ClientID).
		Int64("revoked_tokens", revoked).
		Msg("refresh token replay detected, authorization revoked")

	return ErrReplayDetected
}

// Revoke moves a Valid or Pending token to Revoked. Siblings are untouched.
func (m *StateMachine) Revoke(ctx context.Context, tok *db.Token) error {
	err := m.store.RevokeToken(ctx, tok.ID)
	if errors.Is(err, db.ErrConflict) {
		return ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	tok.Status = db.TokenRevoked
	m.audit.Emit(audit.Event{
		Type:            audit.EventTokenRevoked,
		SubjectID:       tok.SubjectID,
		ClientID:        tok.ClientID,
		AuthorizationID: authorizationString(tok.AuthorizationID),
		TokenID:         tok.ID.String(),
		Details:         map[string]any{"token_type": string(tok.Type)},
	})
	return nil
}

// Lookup resolves an opaque reference. The returned token carries its
// effective status, so an expired Valid token reads as Expired.
func (m *StateMachine) Lookup(ctx context.Context, reference string, tokenType db.TokenType) (*db.Token, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	tok, err := m.store.GetTokenByReference(ctx, reference, tokenType)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	tok.Status = tok.EffectiveStatus(m.now())
	return tok, nil
}

func (m *StateMachine) Get(ctx context.Context, id uuid.UUID) (*db.Token, error) {
	tok, err := m.store.GetToken(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	tok.Status = tok.EffectiveStatus(m.now())
	return tok, nil
}

// ListByAuthorization returns every token issued under an authorization,
// each with its effective status.
func (m *StateMachine) ListByAuthorization(ctx context.Context, authorizationID uuid.UUID) ([]*db.Token, error) {
	tokens, err := m.store.ListTokensByAuthorization(ctx, authorizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	now := m.now()
	for _, tok := range tokens {
		tok.Status = tok.EffectiveStatus(now)
	}
	return tokens, nil
}

func authorizationString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
