// Package api is the dashboard's HTTP surface: run-history queries, the
// instance registry, admin command forwarding, and the live-view WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trading-dashboard/internal/auth"
	"trading-dashboard/internal/engine"
	"trading-dashboard/internal/journal"
	"trading-dashboard/internal/logger"
	"trading-dashboard/internal/markethours"
	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/monitor"
	"trading-dashboard/internal/notification"
	"trading-dashboard/internal/registry"
	"trading-dashboard/internal/runs"
	"trading-dashboard/internal/store"
)

// Config wires the server's collaborators. Journal and Alerts may be nil.
type Config struct {
	Addr     string
	Runs     runs.Reader
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Store    *store.Store
	Client   *engine.Client
	Journal  *journal.Journal
	Auth     auth.TokenProvider
	Alerts   *notification.History
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Server serves the dashboard REST API and WebSocket.
type Server struct {
	cfg Config
	log *slog.Logger
	hub *Hub
	srv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		hub: NewHub(cfg.Store, cfg.Logger, cfg.Metrics),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Hub exposes the WebSocket hub, mainly for tests.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /ws", s.hub.HandleWS)

	// Run history
	mux.HandleFunc("GET /api/config-types", s.handleConfigTypes)
	mux.HandleFunc("GET /api/runs/{configType}", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{configType}/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/files", s.handleRunFiles)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/summary", s.handleRunSummary)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/analytics", s.handleRunAnalytics)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/positions", s.handleRunPositions)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/trades", s.handleRunTrades)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/trades/{tradeID}", s.handleTradeDetail)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/logs/agent", s.handleAgentLog)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/logs/trade", s.handleTradeLog)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/analysis/setups", s.handleSetupAnalysis)
	mux.HandleFunc("GET /api/runs/{configType}/{runID}/analysis/regimes", s.handleRegimeAnalysis)
	for _, stage := range runs.StageNames {
		stage := stage
		mux.HandleFunc("GET /api/runs/{configType}/{runID}/"+stage,
			func(w http.ResponseWriter, r *http.Request) { s.handleStageLog(w, r, stage) })
	}

	// Live instances
	mux.HandleFunc("GET /api/instances", s.handleInstances)
	mux.HandleFunc("POST /api/instances/{instance}/select", s.handleSelect)
	mux.HandleFunc("GET /api/instances/{instance}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/instances/{instance}/status", s.handleInstanceStatus)
	mux.HandleFunc("GET /api/instances/{instance}/positions", s.handleInstancePositions)
	mux.HandleFunc("GET /api/instances/{instance}/funds", s.handleInstanceFunds)
	mux.HandleFunc("GET /api/instances/{instance}/health", s.handleInstanceHealth)
	mux.HandleFunc("GET /api/view", s.handleView)
	mux.HandleFunc("GET /api/journal/{instance}", s.handleJournal)

	// Admin commands, forwarded to the selected engine
	for _, cmd := range []engine.AdminCommand{
		engine.AdminCapital, engine.AdminMIS, engine.AdminExit,
		engine.AdminExitAll, engine.AdminPause, engine.AdminResume,
	} {
		cmd := cmd
		mux.HandleFunc("POST /api/instances/{instance}/admin/"+string(cmd),
			func(w http.ResponseWriter, r *http.Request) { s.handleAdmin(w, r, cmd) })
	}

	return s.withRequestLog(mux)
}

// withRequestLog tags each request with an ID and logs it on completion.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		reqID := logger.GenerateRequestID(r.URL.Path, time.Now())
		ctx := logger.WithRequestID(r.Context(), reqID)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", reqID, "dur", time.Since(start))
	})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+engine.AdminTokenHeader)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("api server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "dashboard",
		"ws_clients": s.hub.ClientCount(),
		"market":     markethours.StatusAt(time.Now()),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	entries := []notification.HistoryEntry{}
	if s.cfg.Alerts != nil {
		entries = s.cfg.Alerts.Recent()
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": entries})
}

func (s *Server) handleConfigTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.cfg.Runs.ConfigTypes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config_types": types})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	configType := r.PathValue("configType")
	limit := queryInt(r, "limit", 50)
	list, err := s.cfg.Runs.ListRuns(r.Context(), configType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_type": configType,
		"runs":        list,
		"count":       len(list),
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	configType := r.PathValue("configType")
	agg, err := runs.Aggregate(r.Context(), s.cfg.Runs, configType,
		r.URL.Query().Get("date_from"), r.URL.Query().Get("date_to"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	configType, runID := r.PathValue("configType"), r.PathValue("runID")
	perf, err := s.cfg.Runs.Performance(r.Context(), configType, runID)
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	if perf != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":      runID,
			"config_type": configType,
			"performance": perf,
		})
		return
	}

	// No performance file; fall back to the listing entry.
	list, err := s.cfg.Runs.ListRuns(r.Context(), configType, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, run := range list {
		if run.RunID == runID {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
}

func (s *Server) handleRunFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.cfg.Runs.Files(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Runs.Summary(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Runs.Events(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleRunAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.cfg.Runs.Analytics(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analytics": analytics, "count": len(analytics)})
}

func (s *Server) handleRunTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.cfg.Runs.Trades(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (s *Server) handleRunPositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.cfg.Runs.OpenPositions(r.Context(), r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": open, "count": len(open)})
}

func (s *Server) handleTradeDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.cfg.Runs.TradeDetail(r.Context(),
		r.PathValue("configType"), r.PathValue("runID"), r.PathValue("tradeID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	content, err := s.cfg.Runs.AgentLog(r.Context(),
		r.PathValue("configType"), r.PathValue("runID"), queryInt(r, "lines", 100))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s *Server) handleTradeLog(w http.ResponseWriter, r *http.Request) {
	content, err := s.cfg.Runs.TradeLog(r.Context(),
		r.PathValue("configType"), r.PathValue("runID"), queryInt(r, "lines", 100))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s *Server) handleStageLog(w http.ResponseWriter, r *http.Request, stage string) {
	records, err := s.cfg.Runs.StageLog(r.Context(),
		r.PathValue("configType"), r.PathValue("runID"), stage)
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{stage: records, "count": len(records)})
}

func (s *Server) handleSetupAnalysis(w http.ResponseWriter, r *http.Request) {
	rows, err := runs.SetupAnalysis(r.Context(), s.cfg.Runs,
		r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"setups": rows})
}

func (s *Server) handleRegimeAnalysis(w http.ResponseWriter, r *http.Request) {
	rows, err := runs.RegimeAnalysis(r.Context(), s.cfg.Runs,
		r.PathValue("configType"), r.PathValue("runID"))
	if err != nil {
		s.writeRunsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regimes": rows})
}

func (s *Server) writeRunsError(w http.ResponseWriter, err error) {
	if errors.Is(err, runs.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	selected := ""
	if cur, ok := s.cfg.Monitor.Current(); ok {
		selected = cur.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": s.cfg.Registry.List(),
		"selected":  selected,
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("instance")
	if err := s.cfg.Monitor.Select(r.Context(), name); err != nil {
		if errors.Is(err, monitor.ErrUnknownInstance) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "selected": name})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Store.View())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	snap, err := s.cfg.Client.FetchSnapshot(r.Context(), inst)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	st, err := s.cfg.Client.Status(r.Context(), inst)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInstancePositions(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	positions, err := s.cfg.Client.Positions(r.Context(), inst)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleInstanceFunds(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	funds, err := s.cfg.Client.Funds(r.Context(), inst)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func (s *Server) handleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	health, state, err := s.cfg.Client.Health(r.Context(), inst)
	if err != nil {
		s.log.Debug("health probe failed", "instance", inst.Name, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": health, "state": state})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	entries, err := s.cfg.Journal.Recent(r.Context(), r.PathValue("instance"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleAdmin verifies the caller's admin token, then forwards the command
// to the engine with the dashboard's own credential. Commands are never
// retried; the caller decides whether to repeat a failed one.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, cmd engine.AdminCommand) {
	inst, ok := s.cfg.Registry.Get(r.PathValue("instance"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}

	if !s.cfg.Auth.Verify(r.Header.Get(engine.AdminTokenHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	token, err := s.cfg.Auth.Token()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, err := decodeAdminBody(r, cmd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.cfg.Client.Admin(r.Context(), inst, cmd, body, token)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.cfg.Monitor.Refresh(inst.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"command":  string(cmd),
		"instance": inst.Name,
		"engine":   resp,
	})
}

// decodeAdminBody validates the per-command request payload.
func decodeAdminBody(r *http.Request, cmd engine.AdminCommand) (any, error) {
	switch cmd {
	case engine.AdminCapital:
		var req engine.CapitalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid capital request: %w", err)
		}
		if req.Capital <= 0 {
			return nil, errors.New("capital must be positive")
		}
		return req, nil
	case engine.AdminMIS:
		var req engine.MISRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid mis request: %w", err)
		}
		return req, nil
	case engine.AdminExit:
		var req engine.ExitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid exit request: %w", err)
		}
		if req.Symbol == "" {
			return nil, errors.New("symbol is required")
		}
		return req, nil
	case engine.AdminExitAll, engine.AdminPause, engine.AdminResume:
		var req engine.ReasonRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, fmt.Errorf("invalid request: %w", err)
			}
		}
		return req, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}

// writeEngineError maps engine client failures onto dashboard statuses:
// an unreachable engine is 503, a rejected credential is 401, an engine
// rejection keeps its original status, anything else is a bad gateway.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var cmdErr *engine.AdminCommandError
	switch {
	case engine.IsOffline(err):
		writeError(w, http.StatusServiceUnavailable, "instance offline")
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "engine rejected admin token")
	case errors.As(err, &cmdErr):
		writeError(w, cmdErr.StatusCode, cmdErr.Body)
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
