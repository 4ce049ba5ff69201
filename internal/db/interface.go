package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row because
	// the record was not in the expected state.
	ErrConflict = errors.New("record not in expected state")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// ClientStore is the read side of the client/scope registry.
type ClientStore interface {
	GetClientByID(ctx context.Context, clientID string) (*Client, error)
	GetScopes(ctx context.Context, names []string) ([]*Scope, error)
}

// RegistryWriter seeds clients, scopes and users. Administrative CRUD lives
// outside this service; this is the boundary it writes through.
type RegistryWriter interface {
	CreateClient(ctx context.Context, client *Client) error
	CreateScope(ctx context.Context, scope *Scope) error
	CreateUser(ctx context.Context, user *User) error
}

type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

type AuthorizationStore interface {
	CreateAuthorization(ctx context.Context, authz *Authorization) error
	GetAuthorization(ctx context.Context, id uuid.UUID) (*Authorization, error)
	// TransitionAuthorization moves the record to `to` only if its status is
	// one of `from`. A non-empty subjectID is recorded when none is set yet.
	TransitionAuthorization(ctx context.Context, id uuid.UUID, from []AuthorizationStatus, to AuthorizationStatus, subjectID string) error
	// RevokeAuthorization revokes the record if its status is one of `from` and
	// revokes its Valid and Pending tokens in the same transaction. It returns
	// the number of tokens revoked.
	RevokeAuthorization(ctx context.Context, id uuid.UUID, from []AuthorizationStatus) (int64, error)
	ListAuthorizationsBySubject(ctx context.Context, subjectID string, from, to time.Time) ([]*Authorization, error)
}

type TokenStore interface {
	// CreateToken inserts the token only while its authorization is in one of
	// token.Type.IssuableUnder(), checked atomically with the insert. It returns
	// ErrConflict otherwise.
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id uuid.UUID) (*Token, error)
	GetTokenByReference(ctx context.Context, reference string, tokenType TokenType) (*Token, error)
	// RedeemToken sets status Redeemed and the redemption date if the token is
	// still in `expected` and unexpired at now.
	RedeemToken(ctx context.Context, id uuid.UUID, expected TokenStatus, now time.Time) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
	ListTokensByAuthorization(ctx context.Context, authorizationID uuid.UUID) ([]*Token, error)
}

type SigningKeyStore interface {
	// ActivateSigningKey inserts key as the active key for its algorithm and
	// usage, retiring the previous one. Concurrent calls are serialized.
	ActivateSigningKey(ctx context.Context, key *SigningKey) error
	ListSigningKeys(ctx context.Context) ([]*SigningKey, error)
	RevokeSigningKey(ctx context.Context, keyID string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *LoginSession) error
	GetSession(ctx context.Context, sessionID string) (*LoginSession, error)
	// TouchSession bumps the last activity time of a live session.
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	// DeactivateSession flips an active session to inactive and returns it.
	DeactivateSession(ctx context.Context, sessionID string, now time.Time) (*LoginSession, error)
}

// Store is everything the service persists.
type Store interface {
	ClientStore
	RegistryWriter
	UserStore
	AuthorizationStore
	TokenStore
	SigningKeyStore
	SessionStore

	Ping(ctx context.Context) error
	Close() error
}

// DatabaseStats mirrors sql.DBStats for the health endpoint.
type DatabaseStats struct {
	OpenConnections   int   `json:"open_connections"`
	InUse             int   `json:"in_use"`
	Idle              int   `json:"idle"`
	WaitCount         int64 `json:"wait_count"`
	WaitDuration      int64 `json:"wait_duration_ns"`
	MaxIdleClosed     int64 `json:"max_idle_closed"`
	MaxIdleTimeClosed int64 `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64 `json:"max_lifetime_closed"`
}
