package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken   = errors.New("invalid CSRF token")
	ErrExpiredToken   = errors.New("CSRF token expired")
	ErrMalformedToken = errors.New("malformed CSRF token")
)

// CSRFManager issues form tokens bound to a login session and to the form
// they protect, so a consent token cannot be replayed on the device form.
type CSRFManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCSRFManager(secret []byte, ttl time.Duration) *CSRFManager {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &CSRFManager{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (m *CSRFManager) WithClock(now func() time.Time) *CSRFManager {
	m.now = now
	return m
}

// GenerateToken returns base64url(issued.random.signature).
func (m *CSRFManager) GenerateToken(sessionID, purpose string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	issued := strconv.FormatInt(m.now().Unix(), 10)
	nonce := base64.RawURLEncoding.EncodeToString(random)
	signature := m.sign(issued, nonce, sessionID, purpose)

	raw := issued + "." + nonce + "." + signature
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

func (m *CSRFManager) ValidateToken(token, sessionID, purpose string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrMalformedToken
	}
	parts := strings.Split(string(decoded), ".")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	issued, nonce, signature := parts[0], parts[1], parts[2]

	expected := m.sign(issued, nonce, sessionID, purpose)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidToken
	}

	unix, err := strconv.ParseInt(issued, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	if m.now().Sub(time.Unix(unix, 0)) > m.ttl {
		return ErrExpiredToken
	}
	return nil
}

func (m *CSRFManager) sign(issued, nonce, sessionID, purpose string) string {
	mac := hmac.New(sha256.New, m.secret)
	for _, part := range []string{issued, nonce, sessionID, purpose} {
		mac.Write([]byte(part))
		mac.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
