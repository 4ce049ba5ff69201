// Package oidc holds the OpenID Connect pieces that sit outside the token
// engine: discovery metadata, prompt handling and logout redirects.
package oidc

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"token-engine/internal/db"
)

var (
	ErrInvalidPostLogoutRedirect = errors.New("post_logout_redirect_uri is not registered for this client")
	ErrInvalidPrompt             = errors.New("prompt=none cannot be combined with other values")
)

// Discovery is the OpenID Provider metadata document.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
}

// NewDiscovery describes the endpoints served under baseURL. The issuer may
// differ from baseURL when the service sits behind a proxy.
func NewDiscovery(issuer, baseURL, signingAlg string) *Discovery {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Discovery{
		Issuer:                      issuer,
		AuthorizationEndpoint:       baseURL + "/authorize",
		TokenEndpoint:               baseURL + "/token",
		JWKSURI:                     baseURL + "/.well-known/jwks.json",
		DeviceAuthorizationEndpoint: baseURL + "/device_authorization",
		IntrospectionEndpoint:       baseURL + "/introspect",
		RevocationEndpoint:          baseURL + "/revoke",
		EndSessionEndpoint:          baseURL + "/logout",
		ScopesSupported:             []string{"openid", "profile", "offline_access"},
		ResponseTypesSupported:      []string{"code"},
		ResponseModesSupported:      []string{"query"},
		GrantTypesSupported: []string{
			db.GrantAuthorizationCode,
			db.GrantRefreshToken,
			db.GrantClientCredentials,
			db.GrantPassword,
			db.GrantDeviceCode,
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{signingAlg},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ClaimsSupported:                   []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		PromptValuesSupported:             []string{"none", "login"},
	}
}

// ParsePrompt splits the prompt parameter and drops unknown values.
func ParsePrompt(prompt string) ([]string, error) {
	var prompts []string
	for _, p := range strings.Fields(prompt) {
		switch p {
		case "none", "login":
			prompts = append(prompts, p)
		}
	}
	if len(prompts) > 1 && contains(prompts, "none") {
		return nil, ErrInvalidPrompt
	}
	return prompts, nil
}

// ParseMaxAge returns the max_age parameter, or -1 when absent or invalid.
func ParseMaxAge(value string) int {
	if value == "" {
		return -1
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ShouldPromptLogin reports whether the user must authenticate again before
// an authorization request may proceed. A negative maxAge means unset.
func ShouldPromptLogin(prompts []string, loginTime time.Time, maxAge int, now time.Time) bool {
	if contains(prompts, "login") {
		return true
	}
	return maxAge >= 0 && now.Sub(loginTime) > time.Duration(maxAge)*time.Second
}

// LogoutRedirect validates post_logout_redirect_uri against the client and
// returns the URL to send the browser to, or "" when none was requested.
func LogoutRedirect(client *db.Client, postLogoutRedirectURI, state string) (string, error) {
	if postLogoutRedirectURI == "" {
		return "", nil
	}
	if client == nil || !contains(client.PostLogoutRedirectURIs, postLogoutRedirectURI) {
		return "", ErrInvalidPostLogoutRedirect
	}

	u, err := url.Parse(postLogoutRedirectURI)
	if err != nil {
		return "", ErrInvalidPostLogoutRedirect
	}
	if state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
