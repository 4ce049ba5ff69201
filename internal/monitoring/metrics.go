package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_engine"

// Service owns the Prometheus collectors for the engine. Each Service has
// its own registry so tests can create as many as they like.
type Service struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	responseTime    *prometheus.HistogramVec
	tokensIssued    *prometheus.CounterVec
	tokensRevoked   prometheus.Counter
	grantErrors     *prometheus.CounterVec
	failedAuth      *prometheus.CounterVec
	refreshReplays  prometheus.Counter
	keyRotations    prometheus.Counter
	rateLimited     prometheus.Counter
	sessionsRevoked prometheus.Counter
}

func NewService() *Service {
	s := &Service{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"endpoint", "method", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Credentials issued by token type.",
		}, []string{"token_type"}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Tokens revoked directly or by cascade.",
		}),
		grantErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_errors_total",
			Help:      "Protocol errors returned by grant type and error code.",
		}, []string{"grant_type", "error"}),
		failedAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_authentications_total",
			Help:      "Failed client or user authentications.",
		}, []string{"kind"}),
		refreshReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_replays_total",
			Help:      "Reuse of an already redeemed refresh token.",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_rotations_total",
			Help:      "Signing keys activated.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Login sessions revoked administratively.",
		}),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.requests,
		s.activeRequests,
		s.responseTime,
		s.tokensIssued,
		s.tokensRevoked,
		s.grantErrors,
		s.failedAuth,
		s.refreshReplays,
		s.keyRotations,
		s.rateLimited,
		s.sessionsRevoked,
	)
	return s
}

func (s *Service) IncrementActiveRequests() { s.activeRequests.Inc() }

func (s *Service) DecrementActiveRequests() { s.activeRequests.Dec() }

func (s *Service) RecordRequest(endpoint, method string, status int) {
	s.requests.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
}

func (s *Service) RecordResponseTime(endpoint string, duration time.Duration) {
	s.responseTime.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (s *Service) IncrementTokensIssued(tokenType string) {
	s.tokensIssued.WithLabelValues(tokenType).Inc()
}

func (s *Service) AddTokensRevoked(n int64) {
	if n > 0 {
		s.tokensRevoked.Add(float64(n))
	}
}

func (s *Service) RecordGrantError(grantType, code string) {
	s.grantErrors.WithLabelValues(grantType, code).Inc()
}

func (s *Service) IncrementFailedAuthentications(kind string) {
	s.failedAuth.WithLabelValues(kind).Inc()
}

func (s *Service) IncrementRefreshReplays() { s.refreshReplays.Inc() }

func (s *Service) IncrementKeyRotations() { s.keyRotations.Inc() }

func (s *Service) IncrementRateLimited() { s.rateLimited.Inc() }

func (s *Service) IncrementSessionsRevoked() { s.sessionsRevoked.Inc() }

// Handler exposes the registry in the Prometheus text format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}
