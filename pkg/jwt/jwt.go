package jwt

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are carried by self-contained access tokens.
type AccessClaims struct {
	ClientID        string `json:"client_id"`
	Scope           string `json:"scope,omitempty"`
	AuthorizationID string `json:"authz_id,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the space-delimited scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IDClaims are the OpenID Connect ID token claims this server emits.
type IDClaims struct {
	Nonce    string           `json:"nonce,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// SigningKey is private key material selected for a single signature.
type SigningKey struct {
	KeyID  string
	Method jwt.SigningMethod
	Key    crypto.Signer
}

// KeySource supplies the active signing key and resolves verification keys.
type KeySource interface {
	CurrentSigningKey(ctx context.Context) (*SigningKey, error)
	Keyfunc(ctx context.Context) jwt.Keyfunc
}

type AccessTokenParams struct {
	TokenID         string
	Subject         string
	ClientID        string
	Scopes          []string
	AuthorizationID string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

type IDTokenParams struct {
	TokenID   string
	Subject   string
	ClientID  string
	Nonce     string
	AuthTime  time.Time
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var ErrInvalidToken = errors.New("invalid token")

var validMethods = []string{jwt.SigningMethodES256.Alg(), jwt.SigningMethodRS256.Alg()}

type Manager struct {
	issuer string
	keys   KeySource
	now    func() time.Time
}

func NewManager(issuer string, keys KeySource) *Manager {
	return &Manager{issuer: issuer, keys: keys, now: time.Now}
}

// WithClock returns a copy of the manager validating against now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	clone := *m
	clone.now = now
	return &clone
}

func (m *Manager) Issuer() string {
	return m.issuer
}

func (m *Manager) SignAccessToken(ctx context.Context, p AccessTokenParams) (string, error) {
	claims := AccessClaims{
		ClientID:        p.ClientID,
		Scope:           strings.Join(p.Scopes, " "),
		AuthorizationID: p.AuthorizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			NotBefore: jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			ID:        p.TokenID,
		},
	}
	return m.sign(ctx, claims, "at+jwt")
}

func (m *Manager) SignIDToken(ctx context.Context, p IDTokenParams) (string, error) {
	claims := IDClaims{
		Nonce: p.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			ID:        p.TokenID,
		},
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(p.AuthTime)
	}
	return m.sign(ctx, claims, "JWT")
}

func (m *Manager) sign(ctx context.Context, claims jwt.Claims, typ string) (string, error) {
	key, err := m.keys.CurrentSigningKey(ctx)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["kid"] = key.KeyID
	token.Header["typ"] = typ

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies signature, issuer and lifetime.
func (m *Manager) ValidateAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keys.Keyfunc(ctx),
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
