package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"token-engine/internal/auth"
)

type revokeAuthorizationResponse struct {
	AuthorizationID string `json:"authorization_id"`
	RevokedTokens   int64  `json:"revoked_tokens"`
}

// Revoke handles POST /revoke. A client revokes a token it holds (RFC 7009);
// a signed-in user revokes one of their authorizations by authorization_id.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	if raw := r.PostFormValue("authorization_id"); raw != "" {
		h.revokeAuthorization(w, r, raw)
		return
	}

	clientID, clientSecret := clientCredentials(r)
	err := h.auth.Revoke(r.Context(), &auth.RevokeRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) revokeAuthorization(w http.ResponseWriter, r *http.Request, raw string) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if session == nil {
		h.writeNoStore(w, errLoginRequired.Status, errLoginRequired)
		return
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, invalidRequest("authorization_id is malformed"))
		return
	}

	revoked, err := h.auth.RevokeAuthorization(r.Context(), id, session.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeNoStore(w, http.StatusOK, revokeAuthorizationResponse{
		AuthorizationID: id.String(),
		RevokedTokens:   revoked,
	})
}
