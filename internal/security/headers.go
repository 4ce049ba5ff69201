package security

import (
	"net/http"
	"strings"
)

// SecurityPolicy is the header set applied to responses of one endpoint.
type SecurityPolicy struct {
	CSP          string
	FrameOptions string
	CacheControl string
}

const (
	apiCSP  = "default-src 'none'; frame-ancestors 'none'"
	formCSP = "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; form-action 'self' https:; frame-ancestors 'none'"

	noStore = "no-store"
)

// DefaultPolicy is the strictest policy and the fallback for unknown paths.
var DefaultPolicy = SecurityPolicy{
	CSP:          apiCSP,
	FrameOptions: "DENY",
	CacheControl: noStore,
}

var apiPolicy = DefaultPolicy

// interactive endpoints redirect to client callbacks and accept form posts
var formPolicy = SecurityPolicy{
	CSP:          formCSP,
	FrameOptions: "DENY",
	CacheControl: noStore,
}

var metadataPolicy = SecurityPolicy{
	CSP:          apiCSP,
	FrameOptions: "SAMEORIGIN",
	CacheControl: "public, max-age=300",
}

// EndpointPolicies maps paths to policies. Entries ending in "/" match by
// prefix.
var EndpointPolicies = map[string]SecurityPolicy{
	"/authorize":            formPolicy,
	"/login":                formPolicy,
	"/logout":               formPolicy,
	"/consent":              formPolicy,
	"/device":               formPolicy,
	"/token":                apiPolicy,
	"/device_authorization": apiPolicy,
	"/introspect":           apiPolicy,
	"/revoke":               apiPolicy,
	"/.well-known/":         metadataPolicy,
	"/health":               {CSP: apiCSP, FrameOptions: "DENY", CacheControl: "no-cache"},
	"/metrics":              {CSP: apiCSP, FrameOptions: "DENY", CacheControl: "no-cache"},
}

func GetSecurityPolicy(path string) SecurityPolicy {
	if policy, ok := EndpointPolicies[path]; ok {
		return policy
	}

	longest := ""
	for pattern := range EndpointPolicies {
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) && len(pattern) > len(longest) {
			longest = pattern
		}
	}
	if longest != "" {
		return EndpointPolicies[longest]
	}
	return DefaultPolicy
}

// Apply writes the policy and the fixed hardening headers. Handlers may
// still override Cache-Control afterwards.
func (p SecurityPolicy) Apply(h http.Header, tls bool) {
	h.Set("Content-Security-Policy", p.CSP)
	h.Set("X-Frame-Options", p.FrameOptions)
	h.Set("Cache-Control", p.CacheControl)
	if p.CacheControl == noStore {
		h.Set("Pragma", "no-cache")
	}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", GetReferrerPolicy())
	h.Set("Permissions-Policy", GetPermissionsPolicy())
	if tls {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func GetPermissionsPolicy() string {
	return "geolocation=(), microphone=(), camera=(), payment=(), usb=()"
}

// GetReferrerPolicy keeps authorization codes in callback URLs out of
// Referer headers sent to third parties.
func GetReferrerPolicy() string {
	return "no-referrer"
}
