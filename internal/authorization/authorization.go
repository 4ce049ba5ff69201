package authorization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-engine/internal/db"
)

var (
	ErrNotFound         = errors.New("authorization not found")
	ErrInvalidScope     = errors.New("requested scope is not allowed for this client")
	ErrUnsupportedGrant = errors.New("client is not allowed to use this grant type")
	ErrInvalidState     = errors.New("authorization is not in a state that allows this transition")
)

// Store is the persistence this state machine drives.
type Store interface {
	CreateAuthorization(ctx context.Context, authz *db.Authorization) error
	GetAuthorization(ctx context.Context, id uuid.UUID) (*db.Authorization, error)
	TransitionAuthorization(ctx context.Context, id uuid.UUID, from []db.AuthorizationStatus, to db.AuthorizationStatus, subjectID string) error
	RevokeAuthorization(ctx context.Context, id uuid.UUID, from []db.AuthorizationStatus) (int64, error)
}

// ScopeStore resolves scope metadata for required-scope expansion.
type ScopeStore interface {
	GetScopes(ctx context.Context, names []string) ([]*db.Scope, error)
}

var grantTypes = map[db.AuthorizationType]string{
	db.AuthorizationCode:              db.GrantAuthorizationCode,
	db.AuthorizationClientCredentials: db.GrantClientCredentials,
	db.AuthorizationPassword:          db.GrantPassword,
	db.AuthorizationDeviceCode:        db.GrantDeviceCode,
}

var revocable = []db.AuthorizationStatus{db.AuthorizationAuthorized, db.AuthorizationValid}

type StateMachine struct {
	store  Store
	scopes ScopeStore
	now    func() time.Time
}

type Option func(*StateMachine)

func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

func New(store Store, scopes ScopeStore, opts ...Option) *StateMachine {
	m := &StateMachine{store: store, scopes: scopes, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create records a new authorization. Interactive types start Pending; the
// client credentials and password grants are Authorized on creation.
func (m *StateMachine) Create(ctx context.Context, client *db.Client, subjectID string, authzType db.AuthorizationType, requested []string) (*db.Authorization, error) {
	grant, ok := grantTypes[authzType]
	if !ok || !client.HasGrantType(grant) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGrant, grant)
	}

	scopes, err := m.ResolveScopes(ctx, client, requested)
	if err != nil {
		return nil, err
	}

	status := db.AuthorizationPending
	if authzType == db.AuthorizationClientCredentials || authzType == db.AuthorizationPassword {
		status = db.AuthorizationAuthorized
	}

	authz := &db.Authorization{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		ClientID:     client.ClientID,
		Type:         authzType,
		Status:       status,
		Scopes:       scopes,
		CreationDate: m.now(),
	}
	if err := m.store.CreateAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("failed to create authorization: %w", err)
	}
	return authz, nil
}

// ResolveScopes checks requested against the client's scopes. An empty
// request grants every client scope. Scopes flagged Required are always
// included.
func (m *StateMachine) ResolveScopes(ctx context.Context, client *db.Client, requested []string) ([]string, error) {
	for _, s := range requested {
		if !contains(client.Scopes, s) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, s)
		}
	}
	if len(requested) == 0 {
		requested = client.Scopes
	}

	granted := dedupe(requested)
	if len(client.Scopes) == 0 {
		return granted, nil
	}

	metadata, err := m.scopes.GetScopes(ctx, client.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to load scopes: %w", err)
	}
	for _, scope := range metadata {
		if scope.Required && !contains(granted, scope.Name) {
			granted = append(granted, scope.Name)
		}
	}
	return granted, nil
}

type consentOptions struct {
	subjectID string
}

type ConsentOption func(*consentOptions)

// WithSubject binds the consenting subject to an authorization created
// without one, as in the device flow.
func WithSubject(subjectID string) ConsentOption {
	return func(o *consentOptions) { o.subjectID = subjectID }
}

// Consent resolves a Pending authorization to Authorized or Denied in one
// conditional update.
func (m *StateMachine) Consent(ctx context.Context, id uuid.UUID, granted bool, opts ...ConsentOption) (*db.Authorization, error) {
	var o consentOptions
	for _, opt := range opts {
		opt(&o)
	}

	to := db.AuthorizationDenied
	if granted {
		to = db.AuthorizationAuthorized
	}

	err := m.store.TransitionAuthorization(ctx, id, []db.AuthorizationStatus{db.AuthorizationPending}, to, o.subjectID)
	if err != nil {
		return nil, m.transitionError(ctx, id, err)
	}
	return m.Get(ctx, id)
}

// Deny resolves a Pending authorization to Denied.
func (m *StateMachine) Deny(ctx context.Context, id uuid.UUID) error {
	_, err := m.Consent(ctx, id, false)
	return err
}

// Revoke revokes an Authorized or Valid authorization together with its
// Valid and Pending tokens. Redeemed tokens are left as they are. It
// returns the number of tokens revoked.
func (m *StateMachine) Revoke(ctx context.Context, id uuid.UUID) (int64, error) {
	revoked, err := m.store.RevokeAuthorization(ctx, id, revocable)
	if err != nil {
		return 0, m.transitionError(ctx, id, err)
	}
	return revoked, nil
}

func (m *StateMachine) Get(ctx context.Context, id uuid.UUID) (*db.Authorization, error) {
	authz, err := m.store.GetAuthorization(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	return authz, nil
}

// transitionError tells a missing record from one in the wrong state.
func (m *StateMachine) transitionError(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, db.ErrConflict) {
		return fmt.Errorf("failed to transition authorization: %w", err)
	}
	if _, getErr := m.Get(ctx, id); getErr != nil {
		return getErr
	}
	return ErrInvalidState
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
