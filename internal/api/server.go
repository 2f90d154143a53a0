// Package api serves migration progress over HTTP: status and event
// queries as JSON, a live websocket event stream, and prometheus
// metrics. It is an observation surface; runs are started from the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/tmig/internal/db"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/metrics"
	"github.com/randalmurphal/tmig/internal/orchestrator"
	"github.com/randalmurphal/tmig/internal/report"
)

// Config configures the API server.
type Config struct {
	Addr string
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Server exposes migration state over HTTP.
type Server struct {
	cfg     Config
	store   *db.DB
	pub     events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	ws      *WSHandler
	mux     *http.ServeMux

	// addr holds the bound listen address once Start ran, for tests
	// that listen on port 0.
	addr string
}

// New builds a Server. Publisher may be nil when no live run shares
// the process; the websocket endpoint then serves no events but still
// accepts connections. Metrics may be nil, which disables /metrics.
func New(cfg Config, store *db.DB, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		pub:     pub,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
	s.ws = NewWSHandler(pub, s.logger)
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/projects", s.handleProjects)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.Handle("GET /api/events/ws", s.ws)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Handler returns the route mux, for tests via httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the bound address after StartContext listened.
func (s *Server) Addr() string { return s.addr }

// StartContext serves until ctx is cancelled, then shuts down
// gracefully, closing websocket clients first.
func (s *Server) StartContext(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("api server listening", "addr", s.addr)

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.ws.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"projects": projects})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := s.projectKey(w, r)
	if !ok {
		return
	}
	snap, err := orchestrator.Snapshot(s.store, key)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := s.projectKey(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.jsonErrorStatus(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := orchestrator.RecentEvents(s.store, key, limit)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"events": rows})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	key, ok := s.projectKey(w, r)
	if !ok {
		return
	}
	format := report.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		f, err := report.ParseFormat(raw)
		if err != nil {
			s.jsonErrorStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	rep, err := report.Build(s.store, key, report.Options{})
	if err != nil {
		s.jsonError(w, err)
		return
	}
	body, err := rep.Render(format)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	switch format {
	case report.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case report.FormatMarkdown:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	_, _ = w.Write(body)
}

// projectKey extracts the required project query parameter.
func (s *Server) projectKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("project")
	if key == "" {
		s.jsonErrorStatus(w, http.StatusBadRequest, "project query parameter is required")
		return "", false
	}
	return key, true
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// jsonError maps structured migration errors onto HTTP statuses;
// anything else is a 500.
func (s *Server) jsonError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	if me := migerrors.AsMigError(err); me != nil {
		status = me.HTTPStatus()
		message = me.UserMessage()
	}
	s.jsonErrorStatus(w, status, message)
}

func (s *Server) jsonErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
