package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, s *Service) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestService_Counters(t *testing.T) {
	s := NewService()

	s.RecordRequest("/token", "POST", 200)
	s.RecordRequest("/token", "POST", 200)
	s.RecordRequest("/token", "POST", 400)
	s.IncrementTokensIssued("access_token")
	s.AddTokensRevoked(3)
	s.AddTokensRevoked(0)
	s.RecordGrantError("authorization_code", "invalid_grant")
	s.IncrementRefreshReplays()
	s.IncrementKeyRotations()
	s.RecordResponseTime("/token", 15*time.Millisecond)

	body := scrape(t, s)
	for _, want := range []string{
		`token_engine_http_requests_total{endpoint="/token",method="POST",status="200"} 2`,
		`token_engine_http_requests_total{endpoint="/token",method="POST",status="400"} 1`,
		`token_engine_tokens_issued_total{token_type="access_token"} 1`,
		`token_engine_tokens_revoked_total 3`,
		`token_engine_grant_errors_total{error="invalid_grant",grant_type="authorization_code"} 1`,
		`token_engine_refresh_token_replays_total 1`,
		`token_engine_signing_key_rotations_total 1`,
		`token_engine_http_request_duration_seconds_count{endpoint="/token"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestService_ActiveRequests(t *testing.T) {
	s := NewService()
	s.IncrementActiveRequests()
	s.IncrementActiveRequests()
	s.DecrementActiveRequests()

	if body := scrape(t, s); !strings.Contains(body, "token_engine_http_active_requests 1") {
		t.Error("expected one active request")
	}
}

func TestService_IndependentRegistries(t *testing.T) {
	a, b := NewService(), NewService()
	a.IncrementRateLimited()

	if strings.Contains(scrape(t, b), "token_engine_rate_limited_requests_total 1") {
		t.Error("services must not share collectors")
	}
}
