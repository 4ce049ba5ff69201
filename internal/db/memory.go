package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps every table in process memory. A single mutex makes each
// method one atomic unit, which is what the conditional updates of the SQL
// store guarantee. Used for tests and single-node development.
type MemoryStore struct {
	mu             sync.RWMutex
	clients        map[string]*Client
	scopes         map[string]*Scope
	users          map[string]*User
	authorizations map[uuid.UUID]*Authorization
	tokens         map[uuid.UUID]*Token
	references     map[TokenType]map[string]uuid.UUID
	keys           map[string]*SigningKey
	sessions       map[string]*LoginSession
	now            func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:        make(map[string]*Client),
		scopes:         make(map[string]*Scope),
		users:          make(map[string]*User),
		authorizations: make(map[uuid.UUID]*Authorization),
		tokens:         make(map[uuid.UUID]*Token),
		references:     make(map[TokenType]map[string]uuid.UUID),
		keys:           make(map[string]*SigningKey),
		sessions:       make(map[string]*LoginSession),
		now:            time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ClientID]; exists {
		return ErrDuplicate
	}
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	now := m.now()
	client.CreatedAt = now
	client.UpdatedAt = now
	c := *client
	m.clients[client.ClientID] = &c
	return nil
}

func (m *MemoryStore) GetClientByID(_ context.Context, clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *client
	return &c, nil
}

func (m *MemoryStore) CreateScope(_ context.Context, scope *Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scopes[scope.Name]; exists {
		return ErrDuplicate
	}
	s := *scope
	m.scopes[scope.Name] = &s
	return nil
}

func (m *MemoryStore) GetScopes(_ context.Context, names []string) ([]*Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Scope, 0, len(names))
	for _, name := range names {
		if scope, ok := m.scopes[name]; ok {
			s := *scope
			result = append(result, &s)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.Username]; exists {
		return ErrDuplicate
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = m.now()
	u := *user
	m.users[user.Username] = &u
	return nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

func (m *MemoryStore) CreateAuthorization(_ context.Context, authz *Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if authz.ID == uuid.Nil {
		authz.ID = uuid.New()
	}
	if _, exists := m.authorizations[authz.ID]; exists {
		return ErrDuplicate
	}
	a := *authz
	m.authorizations[authz.ID] = &a
	return nil
}

func (m *MemoryStore) GetAuthorization(_ context.Context, id uuid.UUID) (*Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	authz, ok := m.authorizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	a := *authz
	return &a, nil
}

func (m *MemoryStore) TransitionAuthorization(_ context.Context, id uuid.UUID, from []AuthorizationStatus, to AuthorizationStatus, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	authz, ok := m.authorizations[id]
	if !ok || !hasAuthorizationStatus(from, authz.Status) {
		return ErrConflict
	}
	authz.Status = to
	if authz.SubjectID == "" && subjectID != "" {
		authz.SubjectID = subjectID
	}
	return nil
}

func (m *MemoryStore) RevokeAuthorization(_ context.Context, id uuid.UUID, from []AuthorizationStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	authz, ok := m.authorizations[id]
	if !ok || !hasAuthorizationStatus(from, authz.Status) {
		return 0, ErrConflict
	}
	authz.Status = AuthorizationRevoked

	var revoked int64
	for _, token := range m.tokens {
		if token.AuthorizationID == nil || *token.AuthorizationID != id {
			continue
		}
		if token.Status == TokenValid || token.Status == TokenPending {
			token.Status = TokenRevoked
			revoked++
		}
	}
	return revoked, nil
}

func (m *MemoryStore) ListAuthorizationsBySubject(_ context.Context, subjectID string, from, to time.Time) ([]*Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Authorization
	for _, authz := range m.authorizations {
		if authz.SubjectID != subjectID {
			continue
		}
		if authz.CreationDate.Before(from) || authz.CreationDate.After(to) {
			continue
		}
		a := *authz
		result = append(result, &a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreationDate.Before(result[j].CreationDate)
	})
	return result, nil
}

func (m *MemoryStore) CreateToken(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if _, exists := m.tokens[token.ID]; exists {
		return ErrDuplicate
	}
	if token.AuthorizationID != nil {
		authz, ok := m.authorizations[*token.AuthorizationID]
		if !ok || !hasAuthorizationStatus(token.Type.IssuableUnder(), authz.Status) {
			return ErrConflict
		}
	}
	if token.ReferenceID != "" {
		refs := m.references[token.Type]
		if refs == nil {
			refs = make(map[string]uuid.UUID)
			m.references[token.Type] = refs
		}
		if _, exists := refs[token.ReferenceID]; exists {
			return ErrDuplicate
		}
		refs[token.ReferenceID] = token.ID
	}
	t := *token
	m.tokens[token.ID] = &t
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, id uuid.UUID) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := *token
	return &t, nil
}

func (m *MemoryStore) GetTokenByReference(_ context.Context, reference string, tokenType TokenType) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.references[tokenType][reference]
	if !ok {
		return nil, ErrNotFound
	}
	t := *m.tokens[id]
	return &t, nil
}

func (m *MemoryStore) RedeemToken(_ context.Context, id uuid.UUID, expected TokenStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok || token.Status != expected || !now.Before(token.ExpirationDate) {
		return ErrConflict
	}
	token.Status = TokenRedeemed
	redeemed := now
	token.RedemptionDate = &redeemed
	return nil
}

func (m *MemoryStore) RevokeToken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok || (token.Status != TokenValid && token.Status != TokenPending) {
		return ErrConflict
	}
	token.Status = TokenRevoked
	return nil
}

func (m *MemoryStore) ListTokensByAuthorization(_ context.Context, authorizationID uuid.UUID) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Token
	for _, token := range m.tokens {
		if token.AuthorizationID != nil && *token.AuthorizationID == authorizationID {
			t := *token
			result = append(result, &t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreationDate.Before(result[j].CreationDate)
	})
	return result, nil
}

func (m *MemoryStore) ActivateSigningKey(_ context.Context, key *SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[key.KeyID]; exists {
		return ErrDuplicate
	}
	for _, existing := range m.keys {
		if existing.IsActive && existing.Algorithm == key.Algorithm && existing.Usage == key.Usage {
			existing.IsActive = false
		}
	}
	k := *key
	k.IsActive = true
	if k.CreatedAt.IsZero() {
		k.CreatedAt = m.now()
	}
	m.keys[key.KeyID] = &k
	return nil
}

func (m *MemoryStore) ListSigningKeys(_ context.Context) ([]*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*SigningKey, 0, len(m.keys))
	for _, key := range m.keys {
		k := *key
		result = append(result, &k)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ActivationDate.Before(result[j].ActivationDate)
	})
	return result, nil
}

func (m *MemoryStore) RevokeSigningKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	key.IsRevoked = true
	key.IsActive = false
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *LoginSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.SessionID]; exists {
		return ErrDuplicate
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	s := *session
	m.sessions[session.SessionID] = &s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*LoginSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s := *session
	return &s, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || !session.IsLive(now) {
		return ErrConflict
	}
	session.LastActivityTime = now
	return nil
}

func (m *MemoryStore) DeactivateSession(_ context.Context, sessionID string, now time.Time) (*LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !session.IsActive {
		return nil, ErrConflict
	}
	session.IsActive = false
	ended := now
	session.EndedAt = &ended
	s := *session
	return &s, nil
}

func hasAuthorizationStatus(statuses []AuthorizationStatus, status AuthorizationStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
