package security

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSecurityPolicy(t *testing.T) {
	tests := []struct {
		path  string
		cache string
		frame string
		form  bool
	}{
		{"/token", "no-store", "DENY", false},
		{"/introspect", "no-store", "DENY", false},
		{"/authorize", "no-store", "DENY", true},
		{"/consent", "no-store", "DENY", true},
		{"/device", "no-store", "DENY", true},
		{"/.well-known/jwks.json", "public, max-age=300", "SAMEORIGIN", false},
		{"/.well-known/openid-configuration", "public, max-age=300", "SAMEORIGIN", false},
		{"/health", "no-cache", "DENY", false},
		{"/unknown", "no-store", "DENY", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			policy := GetSecurityPolicy(tt.path)
			assert.Equal(t, tt.cache, policy.CacheControl)
			assert.Equal(t, tt.frame, policy.FrameOptions)
			assert.Equal(t, tt.form, strings.Contains(policy.CSP, "form-action"))
			assert.Contains(t, policy.CSP, "frame-ancestors 'none'")
		})
	}
}

func TestSecurityPolicy_Apply(t *testing.T) {
	h := http.Header{}
	GetSecurityPolicy("/token").Apply(h, false)

	if h.Get("Pragma") != "no-cache" {
		t.Errorf("Expected Pragma no-cache on no-store responses, got %q", h.Get("Pragma"))
	}
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff header")
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent over plain HTTP")
	}

	h = http.Header{}
	GetSecurityPolicy("/.well-known/jwks.json").Apply(h, true)
	assert.Empty(t, h.Get("Pragma"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
}

func TestGetPermissionsPolicy(t *testing.T) {
	policy := GetPermissionsPolicy()
	for _, feature := range []string{"geolocation=()", "camera=()", "microphone=()"} {
		if !strings.Contains(policy, feature) {
			t.Errorf("Permissions policy missing %s", feature)
		}
	}
}
