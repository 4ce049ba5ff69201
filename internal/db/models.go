package db

import (
	"time"

	"github.com/google/uuid"
)

type ClientType string

const (
	ClientPublic       ClientType = "public"
	ClientConfidential ClientType = "confidential"
)

type ConsentType string

const (
	ConsentExplicit ConsentType = "explicit"
	ConsentImplicit ConsentType = "implicit"
)

// Grant type identifiers as they appear in client registrations and on the
// token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

type Client struct {
	ID                     uuid.UUID   `json:"id" db:"id"`
	ClientID               string      `json:"client_id" db:"client_id"`
	SecretHash             string      `json:"-" db:"secret_hash"`
	Name                   string      `json:"name" db:"name"`
	Type                   ClientType  `json:"type" db:"client_type"`
	RequirePKCE            bool        `json:"require_pkce" db:"require_pkce"`
	ConsentType            ConsentType `json:"consent_type" db:"consent_type"`
	RedirectURIs           []string    `json:"redirect_uris" db:"redirect_uris"`
	PostLogoutRedirectURIs []string    `json:"post_logout_redirect_uris" db:"post_logout_redirect_uris"`
	Scopes                 []string    `json:"scopes" db:"scopes"`
	GrantTypes             []string    `json:"grant_types" db:"grant_types"`
	CreatedAt              time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at" db:"updated_at"`
}

func (c *Client) IsPublic() bool {
	return c.Type == ClientPublic
}

func (c *Client) HasGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

func (c *Client) HasRedirectURI(uri string) bool {
	return contains(c.RedirectURIs, uri)
}

type Scope struct {
	Name        string   `json:"name" db:"name"`
	DisplayName string   `json:"display_name" db:"display_name"`
	Required    bool     `json:"required" db:"required"`
	Emphasize   bool     `json:"emphasize" db:"emphasize"`
	Claims      []string `json:"claims" db:"claims"`
	Resources   []string `json:"resources" db:"resources"`
}

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Authorization struct {
	ID             uuid.UUID           `json:"id" db:"id"`
	SubjectID      string              `json:"subject_id,omitempty" db:"subject_id"`
	ClientID       string              `json:"client_id" db:"client_id"`
	Type           AuthorizationType   `json:"type" db:"authorization_type"`
	Status         AuthorizationStatus `json:"status" db:"status"`
	Scopes         []string            `json:"scopes" db:"scopes"`
	CreationDate   time.Time           `json:"creation_date" db:"creation_date"`
	ExpirationDate *time.Time          `json:"expiration_date,omitempty" db:"expiration_date"`
}

type Token struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	AuthorizationID     *uuid.UUID  `json:"authorization_id,omitempty" db:"authorization_id"`
	ReferenceID         string      `json:"-" db:"reference_id"`
	Type                TokenType   `json:"type" db:"token_type"`
	Status              TokenStatus `json:"status" db:"status"`
	SubjectID           string      `json:"subject_id,omitempty" db:"subject_id"`
	ClientID            string      `json:"client_id" db:"client_id"`
	Scopes              []string    `json:"scopes" db:"scopes"`
	RedirectURI         string      `json:"redirect_uri,omitempty" db:"redirect_uri"`
	CodeChallenge       string      `json:"-" db:"code_challenge"`
	CodeChallengeMethod string      `json:"-" db:"code_challenge_method"`
	Nonce               string      `json:"-" db:"nonce"`
	CreationDate        time.Time   `json:"creation_date" db:"creation_date"`
	ExpirationDate      time.Time   `json:"expiration_date" db:"expiration_date"`
	RedemptionDate      *time.Time  `json:"redemption_date,omitempty" db:"redemption_date"`
}

// IsExpired reports whether the token's lifetime has passed at now.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpirationDate)
}

// EffectiveStatus folds the time-driven Expired state into the stored status.
// Redeemed and Revoked rows keep their status for audit.
func (t *Token) EffectiveStatus(now time.Time) TokenStatus {
	if (t.Status == TokenValid || t.Status == TokenPending) && t.IsExpired(now) {
		return TokenExpired
	}
	return t.Status
}

type SigningKey struct {
	KeyID               string     `json:"kid" db:"key_id"`
	Algorithm           string     `json:"alg" db:"algorithm"`
	KeyType             string     `json:"kty" db:"key_type"`
	PublicKey           []byte     `json:"-" db:"public_key"`
	EncryptedPrivateKey []byte     `json:"-" db:"encrypted_private_key"`
	Usage               string     `json:"use" db:"usage"`
	ActivationDate      time.Time  `json:"activation_date" db:"activation_date"`
	ExpirationDate      *time.Time `json:"expiration_date,omitempty" db:"expiration_date"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	IsRevoked           bool       `json:"is_revoked" db:"is_revoked"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

type LoginSession struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	SessionID        string     `json:"session_id" db:"session_id"`
	IPAddress        string     `json:"ip_address" db:"ip_address"`
	UserAgent        string     `json:"user_agent" db:"user_agent"`
	DeviceInfo       string     `json:"device_info" db:"device_info"`
	LoginTime        time.Time  `json:"login_time" db:"login_time"`
	LastActivityTime time.Time  `json:"last_activity_time" db:"last_activity_time"`
	ExpirationTime   *time.Time `json:"expiration_time,omitempty" db:"expiration_time"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	EndedAt          *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// IsLive reports whether the session is active and not past its expiration.
func (s *LoginSession) IsLive(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	return s.ExpirationTime == nil || now.Before(*s.ExpirationTime)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
