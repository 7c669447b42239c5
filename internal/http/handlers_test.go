package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/networking"
)

type stubReadiness struct {
	clients int
	pending int
	uptime  time.Duration
	err     error
}

func (s *stubReadiness) SnapshotClientCounts() (int, int) { return s.clients, s.pending }
func (s *stubReadiness) StartupError() error              { return s.err }
func (s *stubReadiness) Uptime() time.Duration            { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubCatalog struct {
	names []string
}

func (s *stubCatalog) Names() []string { return s.names }

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{clients: 3, pending: 1, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status         string  `json:"status"`
		Message        string  `json:"message"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Clients != 3 || payload.PendingClients != 1 {
		t.Fatalf("unexpected client counts: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	readiness := &stubReadiness{clients: 2, pending: 1, uptime: 90 * time.Second}
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	bandwidth := networking.NewBandwidthRegulator(100, clock)
	if !bandwidth.Allow("client-1", 100) {
		t.Fatalf("initial bandwidth allowance failed")
	}
	if bandwidth.Allow("client-1", 10) {
		t.Fatalf("expected bandwidth request to be throttled")
	}
	current = current.Add(time.Second)

	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		DispatchStats: func() DispatchStats {
			return DispatchStats{Dispatched: 5, Succeeded: 4, Failed: 1}
		},
		Subscriptions: func() (int, int) { return 3, 2 },
		Bandwidth:     bandwidth,
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"broker_clients 2",
		"broker_pending_clients 1",
		"broker_uptime_seconds 90",
		"broker_commands_dispatched_total 5",
		"broker_commands_succeeded_total 4",
		"broker_commands_failed_total 1",
		"broker_stream_subscriptions 3",
		"broker_pending_commands 2",
		"broker_bandwidth_bytes_per_second{client=\"client-1\"} 100.00",
		"broker_bandwidth_denied_total{client=\"client-1\"} 1",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestCommandCatalogHandlerListsNames(t *testing.T) {
	catalog := &stubCatalog{names: []string{"CreateUser", "DeactivateUser"}}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Catalog: catalog})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/commands", nil)
	handlers.CommandCatalogHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Commands []string `json:"commands"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Commands) != 2 || payload.Commands[0] != "CreateUser" {
		t.Fatalf("unexpected commands: %+v", payload.Commands)
	}
}

func TestCommandCatalogHandlerRequiresAuthWhenTokenConfigured(t *testing.T) {
	catalog := &stubCatalog{names: []string{"CreateUser"}}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Catalog:     catalog,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/commands", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.CommandCatalogHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest("topsecret"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}
	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}
