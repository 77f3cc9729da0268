// Package metrics defines Prometheus instrumentation for the dashboard
// and a small HTTP server exposing /metrics and /healthz.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dashboard services.
type Metrics struct {
	// Stream (connection manager)
	StreamReconnects  prometheus.Counter
	StreamGiveUps     prometheus.Counter
	StreamEventsTotal *prometheus.CounterVec // labels: kind
	HandlerPanics     prometheus.Counter

	// Snapshot fetcher
	SnapshotFetches *prometheus.CounterVec // labels: result=ok|offline|error
	SnapshotDur     prometheus.Histogram

	// Reconciliation store
	StoreApplies    *prometheus.CounterVec // labels: input
	StaleApplyDrops prometheus.Counter

	// Admin commands
	AdminCommands *prometheus.CounterVec // labels: command, result

	// Instance registry
	RegistryPolls  prometheus.Counter
	InstanceHealth *prometheus.GaugeVec // labels: instance; 1=ok 0=down

	// Dashboard WS fan-out
	WSClients prometheus.Gauge

	// Runs cache
	RunsCacheOps *prometheus.CounterVec // labels: op=hit|miss|store
}

// New registers and returns all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_stream_reconnects_total",
			Help: "Total engine stream reconnection attempts",
		}),
		StreamGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_stream_giveups_total",
			Help: "Times the stream hit the reconnect attempt cap",
		}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_stream_events_total",
			Help: "Stream events received (by kind)",
		}, []string{"kind"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_handler_panics_total",
			Help: "Subscriber handler panics recovered by the stream manager",
		}),

		SnapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_snapshot_fetches_total",
			Help: "Snapshot fetches (by result)",
		}, []string{"result"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashboard_snapshot_duration_seconds",
			Help:    "Snapshot fetch latency (all four calls settled)",
			Buckets: prometheus.DefBuckets,
		}),

		StoreApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_store_applies_total",
			Help: "Reconciliation store mutations (by input kind)",
		}, []string{"input"}),
		StaleApplyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_store_stale_drops_total",
			Help: "Async results discarded because the instance changed",
		}),

		AdminCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_admin_commands_total",
			Help: "Admin commands issued (by command and result)",
		}, []string{"command", "result"}),

		RegistryPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_registry_polls_total",
			Help: "Instance registry health poll cycles",
		}),
		InstanceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashboard_instance_up",
			Help: "Instance health (1=ok, 0=offline/unhealthy)",
		}, []string{"instance"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		}),

		RunsCacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_runs_cache_ops_total",
			Help: "Run summary cache operations (by op)",
		}, []string{"op"}),
	}

	prometheus.MustRegister(
		m.StreamReconnects,
		m.StreamGiveUps,
		m.StreamEventsTotal,
		m.HandlerPanics,
		m.SnapshotFetches,
		m.SnapshotDur,
		m.StoreApplies,
		m.StaleApplyDrops,
		m.AdminCommands,
		m.RegistryPolls,
		m.InstanceHealth,
		m.WSClients,
		m.RunsCacheOps,
	)

	return m
}

// HealthStatus represents dashboard process health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool      `json:"stream_connected"`
	RedisConnected  bool      `json:"redis_connected"`
	JournalOK       bool      `json:"journal_ok"`
	LastEventTime   time.Time `json:"last_event_time"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetJournalOK(v bool) {
	h.mu.Lock()
	h.JournalOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	snapshot := struct {
		StreamConnected bool      `json:"stream_connected"`
		RedisConnected  bool      `json:"redis_connected"`
		JournalOK       bool      `json:"journal_ok"`
		LastEventTime   time.Time `json:"last_event_time"`
		StartedAt       time.Time `json:"started_at"`
		UptimeSeconds   float64   `json:"uptime_seconds"`
	}{
		StreamConnected: h.StreamConnected,
		RedisConnected:  h.RedisConnected,
		JournalOK:       h.JournalOK,
		LastEventTime:   h.LastEventTime,
		StartedAt:       h.StartedAt,
		UptimeSeconds:   time.Since(h.StartedAt).Seconds(),
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
