package token

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/db"
	"token-engine/pkg/crypto"
)

type fixture struct {
	ctx      context.Context
	store    *db.MemoryStore
	authz    *authorization.StateMachine
	tokens   *StateMachine
	recorder *audit.Recorder
	now      time.Time
}

func newFixture(t *testing.T, random io.Reader) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		store:    db.NewMemoryStore(),
		recorder: &audit.Recorder{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.authz = authorization.New(f.store, f.store, authorization.WithClock(clock))
	f.tokens = New(f.store, f.authz, crypto.NewCredentialGenerator(random),
		WithClock(clock), WithAuditSink(f.recorder))
	return f
}

func (f *fixture) authorization(t *testing.T) *db.Authorization {
	t.Helper()
	client := &db.Client{
		ClientID:   "web-app",
		GrantTypes: []string{db.GrantPassword},
		Scopes:     []string{"offline_access"},
	}
	authz, err := f.authz.Create(f.ctx, client, "alice", db.AuthorizationPassword, nil)
	require.NoError(t, err)
	return authz
}

func (f *fixture) issue(t *testing.T, tokenType db.TokenType, authzID uuid.UUID) *db.Token {
	t.Helper()
	tok, err := f.tokens.Issue(f.ctx, IssueRequest{
		Type:            tokenType,
		AuthorizationID: &authzID,
		SubjectID:       "alice",
		ClientID:        "web-app",
		Scopes:          []string{"offline_access"},
	})
	require.NoError(t, err)
	return tok
}

func TestIssue_StatusAndLifetime(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	policy := DefaultTTLPolicy()

	tests := []struct {
		tokenType db.TokenType
		status    db.TokenStatus
		opaque    bool
	}{
		{db.TokenAuthorizationCode, db.TokenValid, true},
		{db.TokenAccess, db.TokenValid, false},
		{db.TokenRefresh, db.TokenValid, true},
		{db.TokenID, db.TokenValid, false},
		{db.TokenDeviceCode, db.TokenPending, true},
		{db.TokenUserCode, db.TokenPending, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.tokenType), func(t *testing.T) {
			tok := f.issue(t, tt.tokenType, authz.ID)
			assert.Equal(t, tt.status, tok.Status)
			assert.Equal(t, f.now.Add(policy.For(tt.tokenType)), tok.ExpirationDate)
			assert.Equal(t, tt.opaque, tok.ReferenceID != "")
		})
	}
}

func TestIssue_UserCodeFormat(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)

	tok := f.issue(t, db.TokenUserCode, authz.ID)
	assert.Regexp(t, `^[A-Z2-9]{4}-[A-Z2-9]{4}$`, tok.ReferenceID)
}

func TestIssue_RetriesReferenceCollision(t *testing.T) {
	first := bytes.Repeat([]byte{0x01}, crypto.DefaultSecretLength)
	second := bytes.Repeat([]byte{0x02}, crypto.DefaultSecretLength)
	random := bytes.NewReader(bytes.Join([][]byte{first, first, second}, nil))

	f := newFixture(t, random)
	authz := f.authorization(t)

	a := f.issue(t, db.TokenRefresh, authz.ID)
	b := f.issue(t, db.TokenRefresh, authz.ID)
	assert.NotEqual(t, a.ReferenceID, b.ReferenceID)
}

func TestIssue_GivesUpAfterRepeatedCollisions(t *testing.T) {
	block := bytes.Repeat([]byte{0x07}, crypto.DefaultSecretLength)
	random := bytes.NewReader(bytes.Repeat(block, 1+maxReferenceAttempts))

	f := newFixture(t, random)
	authz := f.authorization(t)
	f.issue(t, db.TokenRefresh, authz.ID)

	_, err := f.tokens.Issue(f.ctx, IssueRequest{Type: db.TokenRefresh, AuthorizationID: &authz.ID, ClientID: "web-app"})
	assert.ErrorIs(t, err, db.ErrDuplicate)
}

func TestRedeem_AtMostOnce(t *testing.T) {
	f := newFixture(t, rand.Reader)
	authz := f.authorization(t)

	for _, tokenType := range []db.TokenType{db.TokenAuthorizationCode, db.TokenDeviceCode} {
		t.Run(string(tokenType), func(t *testing.T) {
			issued := f.issue(t, tokenType, authz.ID)

			const redeemers = 50
			var winners, invalid int32
			var g errgroup.Group
			for i := 0; i < redeemers; i++ {
				g.Go(func() error {
					tok, err := f.tokens.Lookup(f.ctx, issued.ReferenceID, tokenType)
					if err != nil {
						return err
					}
					err = f.tokens.Redeem(f.ctx, tok)
					switch {
					case err == nil:
						atomic.AddInt32(&winners, 1)
					case errors.Is(err, ErrInvalidGrant):
						atomic.AddInt32(&invalid, 1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), winners)
			assert.Equal(t, int32(redeemers-1), invalid)

			stored, err := f.tokens.Get(f.ctx, issued.ID)
			require.NoError(t, err)
			assert.Equal(t, db.TokenRedeemed, stored.Status)
			require.NotNil(t, stored.RedemptionDate)
		})
	}
	assert.Equal(t, 2, f.recorder.Count(audit.EventTokenRedeemed))
}

func TestRedeem_ExpiredToken(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	code := f.issue(t, db.TokenAuthorizationCode, authz.ID)

	f.now = code.ExpirationDate
	tok, err := f.tokens.Lookup(f.ctx, code.ReferenceID, db.TokenAuthorizationCode)
	require.NoError(t, err)
	assert.Equal(t, db.TokenExpired, tok.Status)
	assert.ErrorIs(t, f.tokens.Redeem(f.ctx, tok), ErrInvalidGrant)

	// A stale in-memory copy still fails at the store.
	assert.ErrorIs(t, f.tokens.Redeem(f.ctx, code), ErrInvalidGrant)
}

func TestRotate(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	refresh := f.issue(t, db.TokenRefresh, authz.ID)

	result, err := f.tokens.Rotate(f.ctx, refresh.ReferenceID, "web-app")
	require.NoError(t, err)
	assert.Equal(t, db.TokenRedeemed, result.Previous.Status)
	assert.Equal(t, authz.ID, *result.Access.AuthorizationID)
	assert.Equal(t, authz.ID, *result.Refresh.AuthorizationID)
	assert.NotEqual(t, refresh.ReferenceID, result.Refresh.ReferenceID)
	assert.Equal(t, []string{"offline_access"}, result.Refresh.Scopes)

	_, err = f.tokens.Rotate(f.ctx, result.Refresh.ReferenceID, "other-client")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.tokens.Rotate(f.ctx, "unknown", "web-app")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRotate_ReplayRevokesAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	refresh := f.issue(t, db.TokenRefresh, authz.ID)

	rotated, err := f.tokens.Rotate(f.ctx, refresh.ReferenceID, "web-app")
	require.NoError(t, err)

	_, err = f.tokens.Rotate(f.ctx, refresh.ReferenceID, "web-app")
	assert.ErrorIs(t, err, ErrReplayDetected)

	stored, err := f.authz.Get(f.ctx, authz.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AuthorizationRevoked, stored.Status)

	for _, id := range []uuid.UUID{rotated.Access.ID, rotated.Refresh.ID} {
		tok, err := f.tokens.Get(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.TokenRevoked, tok.Status)
	}

	_, err = f.tokens.Rotate(f.ctx, rotated.Refresh.ReferenceID, "web-app")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	events := f.recorder.Events()
	var replay *audit.Event
	for i := range events {
		if events[i].Type == audit.EventRefreshReplay {
			replay = &events[i]
		}
	}
	require.NotNil(t, replay)
	assert.Equal(t, authz.ID.String(), replay.AuthorizationID)
	assert.Equal(t, int64(2), replay.Details["revoked_tokens"])
}

func TestRevoke_NoCascade(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	access := f.issue(t, db.TokenAccess, authz.ID)
	refresh := f.issue(t, db.TokenRefresh, authz.ID)

	require.NoError(t, f.tokens.Revoke(f.ctx, refresh))
	assert.ErrorIs(t, f.tokens.Revoke(f.ctx, refresh), ErrInvalidState)

	sibling, err := f.tokens.Get(f.ctx, access.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TokenValid, sibling.Status)

	stored, err := f.authz.Get(f.ctx, authz.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AuthorizationAuthorized, stored.Status)
	assert.Equal(t, 1, f.recorder.Count(audit.EventTokenRevoked))
}

func TestLookup_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.tokens.Lookup(f.ctx, "", db.TokenRefresh)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.tokens.Lookup(f.ctx, "missing", db.TokenRefresh)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.tokens.Get(f.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLPolicy_For(t *testing.T) {
	p := TTLPolicy{AuthorizationCode: 1, DeviceCode: 2, AccessToken: 3, RefreshToken: 4, IDToken: 5}
	assert.Equal(t, time.Duration(2), p.For(db.TokenUserCode))
	assert.Equal(t, time.Duration(5), p.For(db.TokenID))
	assert.Equal(t, time.Duration(0), p.For(db.TokenType("bogus")))
}

// revokingStore revokes the owning authorization the moment a redemption
// lands, before the caller gets to issue anything under it.
type revokingStore struct {
	*db.MemoryStore
	authz *authorization.StateMachine
}

func (s *revokingStore) RedeemToken(ctx context.Context, id uuid.UUID, expected db.TokenStatus, now time.Time) error {
	if err := s.MemoryStore.RedeemToken(ctx, id, expected, now); err != nil {
		return err
	}
	tok, err := s.MemoryStore.GetToken(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.authz.Revoke(ctx, *tok.AuthorizationID)
	return err
}

// fixedAuthorizations reports every authorization in one status and never
// revokes anything.
type fixedAuthorizations struct {
	status db.AuthorizationStatus
}

func (a fixedAuthorizations) Get(_ context.Context, id uuid.UUID) (*db.Authorization, error) {
	return &db.Authorization{ID: id, Status: a.status}, nil
}

func (a fixedAuthorizations) Revoke(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

func TestIssue_RefusedUnderInactiveAuthorization(t *testing.T) {
	f := newFixture(t, nil)

	revoked := f.authorization(t)
	_, err := f.authz.Revoke(f.ctx, revoked.ID)
	require.NoError(t, err)

	for _, tokenType := range []db.TokenType{db.TokenAccess, db.TokenRefresh, db.TokenID, db.TokenAuthorizationCode} {
		_, err := f.tokens.Issue(f.ctx, IssueRequest{Type: tokenType, AuthorizationID: &revoked.ID, ClientID: "web-app"})
		assert.ErrorIs(t, err, ErrInvalidGrant, tokenType)
	}

	client := &db.Client{ClientID: "web-app", GrantTypes: []string{db.GrantAuthorizationCode}}
	pending, err := f.authz.Create(f.ctx, client, "alice", db.AuthorizationCode, nil)
	require.NoError(t, err)
	require.Equal(t, db.AuthorizationPending, pending.Status)

	f.issue(t, db.TokenAuthorizationCode, pending.ID)
	_, err = f.tokens.Issue(f.ctx, IssueRequest{Type: db.TokenAccess, AuthorizationID: &pending.ID, ClientID: "web-app"})
	assert.ErrorIs(t, err, ErrInvalidGrant, "access tokens wait for consent")

	tokens, err := f.tokens.ListByAuthorization(f.ctx, revoked.ID)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRotate_AuthorizationRevokedAfterRedemption(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	refresh := f.issue(t, db.TokenRefresh, authz.ID)

	racing := New(&revokingStore{MemoryStore: f.store, authz: f.authz}, f.authz,
		crypto.NewCredentialGenerator(nil), WithClock(func() time.Time { return f.now }))

	_, err := racing.Rotate(f.ctx, refresh.ReferenceID, "web-app")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	stored, err := f.authz.Get(f.ctx, authz.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AuthorizationRevoked, stored.Status)

	tokens, err := f.tokens.ListByAuthorization(f.ctx, authz.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1, "nothing is issued after the revoke")
	assert.Equal(t, db.TokenRedeemed, tokens[0].Status)

	_, err = f.tokens.Rotate(f.ctx, refresh.ReferenceID, "web-app")
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestRotate_RequiresActiveAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	authz := f.authorization(t)
	refresh := f.issue(t, db.TokenRefresh, authz.ID)

	for _, status := range []db.AuthorizationStatus{db.AuthorizationRevoked, db.AuthorizationDenied, db.AuthorizationPending} {
		tokens := New(f.store, fixedAuthorizations{status: status}, crypto.NewCredentialGenerator(nil),
			WithClock(func() time.Time { return f.now }))
		_, err := tokens.Rotate(f.ctx, refresh.ReferenceID, "web-app")
		assert.ErrorIs(t, err, ErrInvalidGrant, status)
	}

	stored, err := f.tokens.Get(f.ctx, refresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TokenValid, stored.Status, "rejected before redemption")
}
