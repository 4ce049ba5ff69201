package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"token-engine/internal/logging"
	"token-engine/internal/monitoring"
	"token-engine/internal/ratelimit"
	"token-engine/internal/security"
)

const RequestIDHeader = "X-Request-ID"

type Middleware struct {
	logger  *logging.Logger
	metrics *monitoring.Service
	limiter ratelimit.RateLimiter
}

// NewMiddleware builds the HTTP middleware chain. A nil limiter disables
// rate limiting.
func NewMiddleware(logger *logging.Logger, metricsService *monitoring.Service, limiter ratelimit.RateLimiter) *Middleware {
	return &Middleware{
		logger:  logger.WithComponent("http"),
		metrics: metricsService,
		limiter: limiter,
	}
}

// RequestID attaches a request id and a request-scoped logger to the context.
// A well-formed incoming X-Request-ID is kept.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = logging.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := logging.WithRequestID(r.Context(), requestID)
		ctx = logging.WithLogger(ctx, m.logger.WithRequestID(requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !(c == '-' || c == '_' || c == '.' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// Logger records the access log line and request metrics. Metrics are keyed
// by the route template so unmatched paths share one series.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.metrics.IncrementActiveRequests()
		defer m.metrics.DecrementActiveRequests()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := routeName(r)
		m.metrics.RecordRequest(endpoint, r.Method, wrapped.statusCode)
		m.metrics.RecordResponseTime(endpoint, duration)

		event := logging.FromContext(r.Context()).InfoEvent()
		if wrapped.statusCode >= http.StatusInternalServerError {
			event = logging.FromContext(r.Context()).ErrorEvent()
		} else if wrapped.statusCode >= http.StatusBadRequest {
			event = logging.FromContext(r.Context()).WarnEvent()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("client_ip", getClientIP(r)).
			Str("user_agent", sanitizeUserAgent(r.UserAgent())).
			Msg("request completed")
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func sanitizeUserAgent(ua string) string {
	ua = strings.NewReplacer("\n", "", "\r", "").Replace(ua)
	if len(ua) > 200 {
		ua = ua[:200]
	}
	return ua
}

// RateLimit applies the per-client-IP request budget. Limiter failures let
// the request through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	if m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		result, err := m.limiter.Allow(r.Context(), "ip:"+clientIP)
		if err != nil {
			logging.FromContext(r.Context()).WarnEvent().
				Err(err).
				Str("client_ip", clientIP).
				Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

		if !result.Allowed {
			m.metrics.IncrementRateLimited()
			retry := time.Until(result.ResetTime).Round(time.Second)
			if retry < time.Second {
				retry = time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders applies the endpoint's header policy.
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isHTTPS := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
		security.GetSecurityPolicy(r.URL.Path).Apply(w.Header(), isHTTPS)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(r.Context()).ErrorEvent().
					Interface("panic", err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("client_ip", getClientIP(r)).
					Msg("panic recovered")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) RequestSizeLimit(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, "Request entity too large", http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) IPBlacklist(blockedIPs []string) func(http.Handler) http.Handler {
	blockedSet := make(map[string]bool, len(blockedIPs))
	for _, ip := range blockedIPs {
		blockedSet[ip] = true
	}

	return func(next http.Handler) http.Handler {
		if len(blockedSet) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			if blockedSet[clientIP] {
				logging.FromContext(r.Context()).WarnEvent().
					Str("client_ip", clientIP).
					Msg("blocked client ip")
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// ClientIP reports the address used for rate limiting and audit records.
func ClientIP(r *http.Request) string {
	return getClientIP(r)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" && net.ParseIP(realIP) != nil {
		return realIP
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
