package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"token-engine/internal/db"
	"token-engine/pkg/jwks"
)

var (
	ErrNoActiveKey = errors.New("no active signing key")
	ErrUnknownKey  = errors.New("unknown or unpublished signing key")
	// ErrNotYetActive rejects a rotation to a key whose activation date is
	// still ahead, since the outgoing key is retired on the spot.
	ErrNotYetActive = errors.New("signing key activation date is in the future")
)

// Store is the slice of persistence the registry needs.
type Store interface {
	ActivateSigningKey(ctx context.Context, key *db.SigningKey) error
	ListSigningKeys(ctx context.Context) ([]*db.SigningKey, error)
	RevokeSigningKey(ctx context.Context, keyID string) error
}

// Sealer protects private key material at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Signer is an unsealed active key ready to sign.
type Signer struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
}

func (s *Signer) Method() jwt.SigningMethod {
	return jwt.GetSigningMethod(s.Algorithm)
}

type Registry struct {
	store  Store
	sealer Sealer
	now    func() time.Time

	// rotateMu serializes rotations within this process; the store
	// serializes across processes.
	rotateMu sync.Mutex

	cacheMu sync.RWMutex
	signers map[string]crypto.Signer
}

type Option func(*Registry)

// WithClock overrides the time source used to derive key states.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, sealer Sealer, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		sealer:  sealer,
		now:     time.Now,
		signers: make(map[string]crypto.Signer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate creates new sealed key material. A non-positive lifetime leaves
// the key without an expiration date.
func (r *Registry) Generate(alg string, activation time.Time, lifetime time.Duration) (*db.SigningKey, error) {
	pair, err := jwks.GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}

	sealed, err := r.sealer.Seal(pair.PrivatePKCS8)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	key := &db.SigningKey{
		KeyID:               pair.KeyID,
		Algorithm:           pair.Algorithm,
		KeyType:             pair.KeyType,
		PublicKey:           pair.PublicPEM,
		EncryptedPrivateKey: sealed,
		Usage:               jwks.UseSignature,
		ActivationDate:      activation,
	}
	if lifetime > 0 {
		expires := activation.Add(lifetime)
		key.ExpirationDate = &expires
	}

	r.cacheSigner(pair.KeyID, pair.Private)
	return key, nil
}

// Rotate makes key the active key for its algorithm. The previously active
// key is retired and stays published until it expires. The key must already
// be past its activation date.
func (r *Registry) Rotate(ctx context.Context, key *db.SigningKey) error {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	if now := r.now(); now.Before(key.ActivationDate) {
		return fmt.Errorf("%w: %s activates at %s", ErrNotYetActive, key.KeyID, key.ActivationDate.Format(time.RFC3339))
	}
	if key.Usage == "" {
		key.Usage = jwks.UseSignature
	}
	if err := r.store.ActivateSigningKey(ctx, key); err != nil {
		return fmt.Errorf("failed to activate signing key %s: %w", key.KeyID, err)
	}
	return nil
}

// Revoke withdraws a key from signing and from publication immediately.
func (r *Registry) Revoke(ctx context.Context, keyID string) error {
	if err := r.store.RevokeSigningKey(ctx, keyID); err != nil {
		return fmt.Errorf("failed to revoke signing key %s: %w", keyID, err)
	}

	r.cacheMu.Lock()
	delete(r.signers, keyID)
	r.cacheMu.Unlock()
	return nil
}

// SelectSigningKey returns the active key for alg.
func (r *Registry) SelectSigningKey(ctx context.Context, alg string) (*Signer, error) {
	keys, err := r.store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	now := r.now()
	var selected *db.SigningKey
	for _, key := range keys {
		if key.Algorithm != alg || key.Usage != jwks.UseSignature || StateOf(key, now) != StateActive {
			continue
		}
		if selected == nil || key.ActivationDate.After(selected.ActivationDate) {
			selected = key
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoActiveKey, alg)
	}

	private, err := r.unseal(selected)
	if err != nil {
		return nil, err
	}
	return &Signer{KeyID: selected.KeyID, Algorithm: selected.Algorithm, Key: private}, nil
}

// PublishedKeys lists every key a verifier may still need, oldest first.
func (r *Registry) PublishedKeys(ctx context.Context) ([]*db.SigningKey, error) {
	keys, err := r.store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	now := r.now()
	published := make([]*db.SigningKey, 0, len(keys))
	for _, key := range keys {
		if StateOf(key, now).isPublished() {
			published = append(published, key)
		}
	}
	sort.SliceStable(published, func(i, j int) bool {
		return published[i].ActivationDate.Before(published[j].ActivationDate)
	})
	return published, nil
}

// JWKS renders the published keys as a JSON Web Key Set.
func (r *Registry) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := r.PublishedKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		pub, err := jwks.ParsePublicKeyPEM(key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", key.KeyID, err)
		}
		set.Keys = append(set.Keys, jwks.PublicJWK(pub, key.KeyID, key.Algorithm))
	}
	return set, nil
}

// VerificationKey resolves a published public key by kid, checking it was
// issued for alg.
func (r *Registry) VerificationKey(ctx context.Context, keyID, alg string) (crypto.PublicKey, error) {
	keys, err := r.PublishedKeys(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if key.KeyID != keyID {
			continue
		}
		if key.Algorithm != alg {
			return nil, fmt.Errorf("signing key %s is %s, token claims %s", keyID, key.Algorithm, alg)
		}
		return jwks.ParsePublicKeyPEM(key.PublicKey)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

// Keyfunc adapts VerificationKey for jwt.Parse.
func (r *Registry) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		keyID, _ := token.Header["kid"].(string)
		if keyID == "" {
			return nil, errors.New("token missing kid header")
		}
		return r.VerificationKey(ctx, keyID, token.Method.Alg())
	}
}

func (r *Registry) unseal(key *db.SigningKey) (crypto.Signer, error) {
	r.cacheMu.RLock()
	signer, ok := r.signers[key.KeyID]
	r.cacheMu.RUnlock()
	if ok {
		return signer, nil
	}

	pkcs8, err := r.sealer.Open(key.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal signing key %s: %w", key.KeyID, err)
	}
	signer, err = jwks.ParsePrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", key.KeyID, err)
	}

	r.cacheSigner(key.KeyID, signer)
	return signer, nil
}

func (r *Registry) cacheSigner(keyID string, signer crypto.Signer) {
	r.cacheMu.Lock()
	r.signers[keyID] = signer
	r.cacheMu.Unlock()
}
