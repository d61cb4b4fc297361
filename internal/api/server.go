package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtgz/chai/internal/api/middleware"
	"github.com/xtgz/chai/internal/scheduler"
)

type (
	// HealthChecker reports whether the database is reachable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// LoadTrigger runs and schedules loads. *scheduler.Scheduler satisfies it.
	LoadTrigger interface {
		RunNow(ctx context.Context, name string) error
		Names() []string
		Next(name string) time.Time
	}

	// Dependencies are the collaborators the server reports on.
	Dependencies struct {
		Store    HealthChecker
		Loads    LoadTrigger
		Status   *StatusBoard
		Gatherer prometheus.Gatherer
		Version  string
	}

	// Server is the status HTTP server of serve mode.
	Server struct {
		config  *ServerConfig
		deps    Dependencies
		logger  *slog.Logger
		handler http.Handler

		mu       sync.Mutex
		baseCtx  context.Context //nolint:containedctx // parent of triggered loads, set by Run
		inflight sync.WaitGroup
	}
)

// NewServer wires the routes and middleware of the status server.
func NewServer(cfg *ServerConfig, deps Dependencies, logger *slog.Logger) *Server {
	if deps.Status == nil {
		deps.Status = NewStatusBoard()
	}

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  logger,
		baseCtx: context.Background(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/loads", func(r chi.Router) {
		r.Get("/", s.handleListLoads)
		r.Get("/{packageManager}", s.handleGetLoad)
		r.Post("/{packageManager}", s.handleTriggerLoad)
	})

	s.handler = r

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully and waits for
// loads triggered over HTTP to return.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	httpServer := &http.Server{
		Addr:         s.config.Address(),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting chai status server",
			slog.String("address", s.config.Address()),
			slog.String("version", s.deps.Version),
		)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}

		close(serverErrors)
	}()

	select {
	case err, ok := <-serverErrors:
		if ok {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.inflight.Wait()

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("no database configured"))

		return
	}

	if err := s.deps.Store.HealthCheck(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("database is unreachable"))

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListLoads(w http.ResponseWriter, _ *http.Request) {
	names := s.names()
	out := make([]LoadStatus, 0, len(names))

	for _, name := range names {
		out = append(out, s.status(name))
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	pm := chi.URLParam(r, "packageManager")
	if !slices.Contains(s.names(), pm) {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("package manager %q is not scheduled", pm)))

		return
	}

	writeJSON(w, http.StatusOK, s.status(pm))
}

// handleTriggerLoad starts a load in the background and answers 202. The
// load outlives the request and is bound to the server's run context.
func (s *Server) handleTriggerLoad(w http.ResponseWriter, r *http.Request) {
	pm := chi.URLParam(r, "packageManager")
	if !slices.Contains(s.names(), pm) {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("package manager %q is not scheduled", pm)))

		return
	}

	if s.deps.Status.Running(pm) {
		WriteErrorResponse(w, r, s.logger, Conflict(fmt.Sprintf("a load of %s is already running", pm)))

		return
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	requestID := middleware.GetRequestID(r.Context())

	s.inflight.Add(1)

	go func() {
		defer s.inflight.Done()

		if err := s.deps.Loads.RunNow(ctx, pm); err != nil && !errors.Is(err, scheduler.ErrJobRunning) {
			s.logger.Error("Triggered load failed",
				slog.String("package_manager", pm),
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("Load triggered",
		slog.String("package_manager", pm),
		slog.String("request_id", requestID))

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "package_manager": pm})
}

func (s *Server) names() []string {
	if s.deps.Loads == nil {
		return nil
	}

	names := s.deps.Loads.Names()
	slices.Sort(names)

	return names
}

func (s *Server) status(pm string) LoadStatus {
	st, _ := s.deps.Status.Get(pm)

	if next := s.deps.Loads.Next(pm); !next.IsZero() {
		next = next.UTC()
		st.NextRun = &next
	}

	return st
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
