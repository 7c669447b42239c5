// Package httpapi exposes the broker's operational HTTP surface: liveness
// and readiness probes, Prometheus metrics, the command catalog endpoint,
// and admin-authenticated operations.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/networking"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// DispatchStats reports cumulative command registry dispatch outcomes.
type DispatchStats struct {
	Dispatched int
	Succeeded  int
	Failed     int
}

// DispatchStatsFunc returns the current cumulative dispatch stats.
type DispatchStatsFunc func() DispatchStats

// SubscriptionStatsFunc returns the number of active stream subscriptions
// and the number of commands queued for dispatch.
type SubscriptionStatsFunc func() (subscriptions, pendingCommands int)

// CommandCatalog exposes the registered command names for the catalog
// endpoint.
type CommandCatalog interface {
	Names() []string
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	DispatchStats DispatchStatsFunc
	Subscriptions SubscriptionStatsFunc
	Bandwidth     *networking.BandwidthRegulator
	Catalog       CommandCatalog
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger        *logging.Logger
	readiness     ReadinessProvider
	dispatchStats DispatchStatsFunc
	subscriptions SubscriptionStatsFunc
	bandwidth     *networking.BandwidthRegulator
	catalog       CommandCatalog
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:        logger,
		readiness:     opts.Readiness,
		dispatchStats: opts.DispatchStats,
		subscriptions: opts.Subscriptions,
		bandwidth:     opts.Bandwidth,
		catalog:       opts.Catalog,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		rateLimiter:   opts.RateLimiter,
		now:           now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	if h.catalog != nil {
		mux.HandleFunc("/api/commands", h.CommandCatalogHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// CommandCatalogHandler lists every registered command name. When an admin
// token is configured, the same bearer/admin-token scheme used elsewhere in
// the broker gates access and a rate limiter guards against abuse.
func (h *HandlerSet) CommandCatalogHandler() http.HandlerFunc {
	type response struct {
		Commands []string `json:"commands"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(logging.String("handler", "command_catalog"))
		if h.adminToken != "" {
			if !h.authorise(r) {
				logger.Warn("command catalog denied: unauthorized request")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if h.rateLimiter != nil && !h.rateLimiter.Allow() {
				logger.Warn("command catalog denied: rate limit exceeded")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		writeJSON(w, http.StatusOK, response{Commands: h.catalog.Names()})
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, pending, uptime := h.readinessStats()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP broker_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE broker_uptime_seconds gauge\n")
		fmt.Fprintf(w, "broker_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP broker_clients Current connected transport clients.\n")
		fmt.Fprintf(w, "# TYPE broker_clients gauge\n")
		fmt.Fprintf(w, "broker_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP broker_pending_clients Pending handshakes awaiting connection.\n")
		fmt.Fprintf(w, "# TYPE broker_pending_clients gauge\n")
		fmt.Fprintf(w, "broker_pending_clients %d\n", pending)

		if h.dispatchStats != nil {
			stats := h.dispatchStats()
			fmt.Fprintf(w, "# HELP broker_commands_dispatched_total Commands dispatched through the registry.\n")
			fmt.Fprintf(w, "# TYPE broker_commands_dispatched_total counter\n")
			fmt.Fprintf(w, "broker_commands_dispatched_total %d\n", stats.Dispatched)

			fmt.Fprintf(w, "# HELP broker_commands_succeeded_total Commands that produced a successful result.\n")
			fmt.Fprintf(w, "# TYPE broker_commands_succeeded_total counter\n")
			fmt.Fprintf(w, "broker_commands_succeeded_total %d\n", stats.Succeeded)

			fmt.Fprintf(w, "# HELP broker_commands_failed_total Commands that produced a failure result.\n")
			fmt.Fprintf(w, "# TYPE broker_commands_failed_total counter\n")
			fmt.Fprintf(w, "broker_commands_failed_total %d\n", stats.Failed)
		}

		if h.subscriptions != nil {
			subs, pendingCommands := h.subscriptions()
			fmt.Fprintf(w, "# HELP broker_stream_subscriptions Active stream subscriptions.\n")
			fmt.Fprintf(w, "# TYPE broker_stream_subscriptions gauge\n")
			fmt.Fprintf(w, "broker_stream_subscriptions %d\n", subs)

			fmt.Fprintf(w, "# HELP broker_pending_commands Commands queued for dispatch.\n")
			fmt.Fprintf(w, "# TYPE broker_pending_commands gauge\n")
			fmt.Fprintf(w, "broker_pending_commands %d\n", pendingCommands)
		}

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP broker_bandwidth_bytes_per_second Observed outbound bandwidth per client in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_bytes_per_second gauge\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_bytes_per_second{client=%q} %.2f\n", clientID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP broker_bandwidth_available_bytes Remaining bandwidth tokens per client.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_available_bytes gauge\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_available_bytes{client=%q} %.2f\n", clientID, sample.AvailableBytes)
				}
				fmt.Fprintf(w, "# HELP broker_bandwidth_denied_total Total throttled deliveries per client.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_denied_total counter\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_denied_total{client=%q} %d\n", clientID, sample.DeniedDeliveries)
				}
			}
		}
	}
}

func (h *HandlerSet) readinessStats() (clients, pending int, uptimeSeconds float64) {
	if h.readiness == nil {
		return 0, 0, 0
	}
	clients, pending = h.readiness.SnapshotClientCounts()
	return clients, pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
