package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"token-engine/internal/auth"
	"token-engine/internal/db"
	"token-engine/internal/middleware"
	"token-engine/internal/oidc"
	"token-engine/pkg/crypto"
)

type consentChallenge struct {
	AuthorizationID string   `json:"authorization_id"`
	ClientID        string   `json:"client_id"`
	Scopes          []string `json:"scopes"`
	State           string   `json:"state,omitempty"`
	CSRFToken       string   `json:"csrf_token"`
}

type loginResponse struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type logoutResponse struct {
	RevokedAuthorizations int   `json:"revoked_authorizations"`
	DeniedAuthorizations  int   `json:"denied_authorizations"`
	RevokedTokens         int64 `json:"revoked_tokens"`
}

type deviceChallenge struct {
	UserCode  string `json:"user_code,omitempty"`
	CSRFToken string `json:"csrf_token"`
}

type deviceDecision struct {
	Status string `json:"status"`
}

var errBadCSRF = &auth.Error{
	Code:        auth.ErrCodeInvalidRequest,
	Description: "missing or invalid csrf_token",
	Status:      http.StatusForbidden,
}

func invalidRequest(description string) *auth.Error {
	return &auth.Error{Code: auth.ErrCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// Authorize handles GET /authorize. Errors go back to the client only once
// its redirect URI is known to be registered.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if _, err := h.auth.ValidateRedirect(ctx, clientID, redirectURI); err != nil {
		h.writeError(w, r, err)
		return
	}
	redirectError := func(err error) {
		authErr := auth.AsError(err)
		target := auth.CreateErrorRedirectURL(redirectURI, authErr.Code, authErr.Description, state)
		http.Redirect(w, r, target, http.StatusFound)
	}

	prompts, err := oidc.ParsePrompt(q.Get("prompt"))
	if err != nil {
		redirectError(invalidRequest(err.Error()))
		return
	}

	session, err := h.sessionFromRequest(r)
	if err != nil {
		redirectError(err)
		return
	}
	if session == nil || oidc.ShouldPromptLogin(prompts, session.LoginTime, oidc.ParseMaxAge(q.Get("max_age")), h.now()) {
		for _, p := range prompts {
			if p == "none" {
				redirectError(errLoginRequired)
				return
			}
		}
		h.writeNoStore(w, errLoginRequired.Status, errLoginRequired)
		return
	}

	result, err := h.auth.Authorize(ctx, &auth.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		State:               state,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		SubjectID:           session.UserID,
	})
	if err != nil {
		redirectError(err)
		return
	}

	if result.ConsentRequired {
		csrfToken, err := h.csrf.GenerateToken(session.SessionID, csrfConsent)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeNoStore(w, http.StatusOK, consentChallenge{
			AuthorizationID: result.AuthorizationID.String(),
			ClientID:        clientID,
			Scopes:          result.Scopes,
			State:           result.State,
			CSRFToken:       csrfToken,
		})
		return
	}

	http.Redirect(w, r, auth.CreateRedirectURL(result.RedirectURI, result.Code, result.State), http.StatusFound)
}

// Consent handles POST /consent for explicit-consent clients.
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	session, ok := h.requireSession(w, r, csrfConsent)
	if !ok {
		return
	}

	authzID, err := uuid.Parse(r.PostFormValue("authorization_id"))
	if err != nil {
		h.writeError(w, r, invalidRequest("authorization_id is malformed"))
		return
	}
	granted, err := parseDecision(r.PostFormValue("decision"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.auth.Consent(r.Context(), &auth.ConsentRequest{
		AuthorizationID: authzID,
		SubjectID:       session.UserID,
		Granted:         granted,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	state := r.PostFormValue("state")
	if result.Denied {
		target := auth.CreateErrorRedirectURL(result.RedirectURI, auth.ErrCodeAccessDenied, "the user denied the request", state)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	http.Redirect(w, r, auth.CreateRedirectURL(result.RedirectURI, result.Code, state), http.StatusFound)
}

// Login handles POST /login and sets the session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.auth.Login(r.Context(), &auth.LoginRequest{
		Username:  r.PostFormValue("username"),
		Password:  r.PostFormValue("password"),
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, session)
	resp := loginResponse{Subject: session.UserID}
	if session.ExpirationTime != nil {
		resp.ExpiresAt = session.ExpirationTime.Unix()
	}
	h.writeNoStore(w, http.StatusOK, resp)
}

// Logout handles POST /logout. revoke_grants=true also withdraws every
// authorization made during the session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		h.writeNoStore(w, errLoginRequired.Status, errLoginRequired)
		return
	}

	var target string
	if uri := r.PostFormValue("post_logout_redirect_uri"); uri != "" {
		client, err := h.clients.GetClientByID(ctx, r.PostFormValue("client_id"))
		if err != nil {
			h.writeError(w, r, invalidRequest("client_id is required with post_logout_redirect_uri"))
			return
		}
		if target, err = oidc.LogoutRedirect(client, uri, r.PostFormValue("state")); err != nil {
			h.writeError(w, r, invalidRequest(err.Error()))
			return
		}
	}

	result, err := h.auth.Logout(ctx, cookie.Value, r.PostFormValue("revoke_grants") == "true")
	h.clearSessionCookie(w)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	h.writeNoStore(w, http.StatusOK, logoutResponse{
		RevokedAuthorizations: result.RevokedAuthorizations,
		DeniedAuthorizations:  result.DeniedAuthorizations,
		RevokedTokens:         result.RevokedTokens,
	})
}

// DeviceChallenge handles GET /device, the verification URI shown on the
// device. It hands the signed-in user a form token for the decision.
func (h *Handler) DeviceChallenge(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if session == nil {
		h.writeNoStore(w, errLoginRequired.Status, errLoginRequired)
		return
	}

	csrfToken, err := h.csrf.GenerateToken(session.SessionID, csrfDevice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeNoStore(w, http.StatusOK, deviceChallenge{
		UserCode:  crypto.NormalizeUserCode(r.URL.Query().Get("user_code")),
		CSRFToken: csrfToken,
	})
}

// DeviceVerify handles POST /device with the user's decision on a user code.
func (h *Handler) DeviceVerify(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	session, ok := h.requireSession(w, r, csrfDevice)
	if !ok {
		return
	}
	approve, err := parseDecision(r.PostFormValue("decision"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.auth.VerifyUserCode(r.Context(), &auth.VerifyUserCodeRequest{
		UserCode:  r.PostFormValue("user_code"),
		SubjectID: session.UserID,
		Approve:   approve,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := "approved"
	if !approve {
		status = "denied"
	}
	h.writeNoStore(w, http.StatusOK, deviceDecision{Status: status})
}

// requireSession resolves the session cookie and checks the form token
// bound to it. It writes the error response itself.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request, purpose string) (*db.LoginSession, bool) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if session == nil {
		h.writeNoStore(w, errLoginRequired.Status, errLoginRequired)
		return nil, false
	}
	if err := h.csrf.ValidateToken(r.PostFormValue("csrf_token"), session.SessionID, purpose); err != nil {
		h.writeError(w, r, errBadCSRF)
		return nil, false
	}
	return session, true
}

func parseDecision(decision string) (bool, error) {
	switch decision {
	case "allow":
		return true, nil
	case "deny":
		return false, nil
	default:
		return false, invalidRequest("decision must be allow or deny")
	}
}
