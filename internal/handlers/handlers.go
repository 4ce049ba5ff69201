package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"token-engine/internal/auth"
	"token-engine/internal/cache"
	"token-engine/internal/db"
	"token-engine/internal/keys"
	"token-engine/internal/logging"
	"token-engine/internal/monitoring"
	"token-engine/internal/oidc"
	"token-engine/internal/security"
)

const (
	SessionCookieName = "sid"

	csrfConsent = "consent"
	csrfDevice  = "device"
)

var errLoginRequired = &auth.Error{
	Code:        "login_required",
	Description: "sign in at /login before continuing",
	Status:      http.StatusUnauthorized,
}

type Dependencies struct {
	Auth      *auth.Service
	Clients   db.ClientStore
	Keys      *keys.Registry
	Health    *db.HealthChecker
	Cache     cache.Cache
	Metrics   *monitoring.Service
	CSRF      *security.CSRFManager
	Discovery *oidc.Discovery
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	Now           func() time.Time
}

type Handler struct {
	auth          *auth.Service
	clients       db.ClientStore
	keys          *keys.Registry
	health        *db.HealthChecker
	cache         cache.Cache
	metrics       *monitoring.Service
	csrf          *security.CSRFManager
	discovery     *oidc.Discovery
	secureCookies bool
	now           func() time.Time
}

func NewHandler(deps Dependencies) *Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		auth:          deps.Auth,
		clients:       deps.Clients,
		keys:          deps.Keys,
		health:        deps.Health,
		cache:         deps.Cache,
		metrics:       deps.Metrics,
		csrf:          deps.CSRF,
		discovery:     deps.Discovery,
		secureCookies: deps.SecureCookies,
		now:           now,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/authorize", h.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/consent", h.Consent).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	r.HandleFunc("/token", h.Token).Methods(http.MethodPost)
	r.HandleFunc("/device_authorization", h.DeviceAuthorization).Methods(http.MethodPost)
	r.HandleFunc("/device", h.DeviceChallenge).Methods(http.MethodGet)
	r.HandleFunc("/device", h.DeviceVerify).Methods(http.MethodPost)
	r.HandleFunc("/introspect", h.Introspect).Methods(http.MethodPost)
	r.HandleFunc("/revoke", h.Revoke).Methods(http.MethodPost)

	r.HandleFunc("/.well-known/jwks.json", h.JWKS).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/openid-configuration", h.OpenIDConfiguration).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	json.NewEncoder(w).Encode(body)
}

// writeNoStore is used for every response that carries a credential.
func (h *Handler) writeNoStore(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, status, body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	authErr := auth.AsError(err)
	if authErr.Status == http.StatusUnauthorized && authErr.Code == auth.ErrCodeInvalidClient {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="token-engine"`)
		}
	}
	if authErr.Status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorEvent().
			Str("path", r.URL.Path).
			Str("error", authErr.Code).
			Msg("request failed")
	}
	h.writeNoStore(w, authErr.Status, authErr)
}

// parseForm accepts only application/x-www-form-urlencoded bodies and rejects
// repeated parameters.
func (h *Handler) parseForm(r *http.Request) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return &auth.Error{Code: auth.ErrCodeInvalidRequest, Description: "body must be application/x-www-form-urlencoded", Status: http.StatusBadRequest}
	}
	if err := r.ParseForm(); err != nil {
		return &auth.Error{Code: auth.ErrCodeInvalidRequest, Description: "malformed request body", Status: http.StatusBadRequest}
	}
	for key, values := range r.PostForm {
		if len(values) > 1 {
			return &auth.Error{Code: auth.ErrCodeInvalidRequest, Description: key + " must not be repeated", Status: http.StatusBadRequest}
		}
	}
	return nil
}

// clientCredentials reads client_secret_basic, falling back to the form.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1 form-encodes both parts.
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func (h *Handler) sessionFromRequest(r *http.Request) (*db.LoginSession, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, nil
	}
	return h.auth.CurrentSession(r.Context(), cookie.Value)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *db.LoginSession) {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.SessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if session.ExpirationTime != nil {
		cookie.Expires = *session.ExpirationTime
	}
	http.SetCookie(w, cookie)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
