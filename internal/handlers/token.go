package handlers

import (
	"net/http"

	"token-engine/internal/auth"
	"token-engine/internal/middleware"
)

// Token handles POST /token for every supported grant.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := h.auth.Token(r.Context(), &auth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        r.PostFormValue("scope"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		DeviceCode:   r.PostFormValue("device_code"),
		IPAddress:    middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeNoStore(w, http.StatusOK, resp)
}

// DeviceAuthorization handles POST /device_authorization (RFC 8628).
func (h *Handler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := h.auth.DeviceAuthorize(r.Context(), &auth.DeviceAuthorizationRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        r.PostFormValue("scope"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeNoStore(w, http.StatusOK, resp)
}

// Introspect handles POST /introspect (RFC 7662).
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := h.auth.Introspect(r.Context(), &auth.IntrospectRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeNoStore(w, http.StatusOK, resp)
}
