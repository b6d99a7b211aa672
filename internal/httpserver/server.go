package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gputune/internal/api"
	"github.com/skobkin/gputune/internal/config"
	"github.com/skobkin/gputune/internal/monitor"
	"github.com/skobkin/gputune/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	maxBodyBytes      = 64 << 10
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	monitor    *monitor.Monitor

	applyTotal  *prometheus.CounterVec
	fieldWrites *prometheus.CounterVec

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, mon *monitor.Monitor) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "httpserver"),
		monitor: mon,
		applyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tuning",
			Name:      "apply_total",
			Help:      "Tuning apply requests by aggregate result.",
		}, []string{"device_id", "result"}),
		fieldWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tuning",
			Name:      "field_writes_total",
			Help:      "Tuning field writes by field and status.",
		}, []string{"field", "status"}),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api", s.handleAPIIndex)
	mux.HandleFunc("GET /api/{$}", s.handleAPIIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/devices/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /api/devices/{id}/metrics", s.handleDeviceMetrics)
	mux.HandleFunc("GET /api/devices/{id}/history", s.handleDeviceHistory)
	mux.HandleFunc("GET /api/devices/{id}/target", s.handleGetTarget)
	mux.HandleFunc("PUT /api/devices/{id}/target", s.handlePutTarget)
	mux.HandleFunc("POST /api/devices/{id}/apply", s.handleApply)
	mux.HandleFunc("POST /api/devices/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(s.withRecovery(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) readiness() readyResponse {
	status := s.monitor.Status()
	resp := readyResponse{
		Backend: status.Backend,
		Devices: status.Devices,
	}

	switch {
	case status.Degraded:
		resp.Status = "degraded"
		resp.Reason = "backend_unavailable"
	case status.Ready:
		resp.Status = "ok"
	default:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	}
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Devices int    `json:"devices"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, api.ErrorResponse{Error: msg})
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// originPatterns maps APP_ALLOWED_ORIGINS to websocket origin patterns. A
// bare "*" matches any host.
func originPatterns(origins []string) []string {
	dst := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		if origin != "" {
			dst = append(dst, origin)
		}
	}
	return dst
}
