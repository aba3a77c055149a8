// Package api exposes the recommendation flow to a presentation layer over HTTP.
//
// Each session owns one flow controller. Clients start runs, answer or skip clarification
// questions and poll the session snapshot, optionally long-polling for the next change.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/PillPipe/internal/flow"
	"github.com/BTreeMap/PillPipe/internal/store"
)

// Default configuration values for the API server.
const (
	DefaultAddr            = ":8080"
	DefaultSessionTTL      = 30 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultPollWait        = 20 * time.Second
	MaxPollWait            = 30 * time.Second
	healthCheckTimeout     = 3 * time.Second
	shutdownTimeout        = 10 * time.Second
)

// HealthChecker reports whether the analysis backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Store           store.Store
	Health          HealthChecker
	SessionTTL      time.Duration
	JanitorInterval time.Duration
	Timeouts        *flow.Timeouts
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStore enables run history recording and the /api/runs endpoints.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithHealthChecker makes /healthz probe the analysis backend.
func WithHealthChecker(h HealthChecker) Option {
	return func(o *Opts) { o.Health = h }
}

// WithSessionTTL sets how long an idle session is kept. Zero keeps sessions until deleted.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

func WithJanitorInterval(d time.Duration) Option {
	return func(o *Opts) { o.JanitorInterval = d }
}

// WithTimeouts sets the per-operation deadlines of every session's controller.
func WithTimeouts(t flow.Timeouts) Option {
	return func(o *Opts) { o.Timeouts = &t }
}

// Server is the session API.
type Server struct {
	addr            string
	store           store.Store
	health          HealthChecker
	sessions        *sessionManager
	janitorInterval time.Duration
}

// NewServer creates a Server whose sessions call gw.
func NewServer(gw flow.Gateway, opts ...Option) (*Server, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway must be provided")
	}
	cfg := Opts{
		Addr:            DefaultAddr,
		SessionTTL:      DefaultSessionTTL,
		JanitorInterval: DefaultJanitorInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctrlOpts := []flow.Option{}
	if cfg.Store != nil {
		ctrlOpts = append(ctrlOpts, flow.WithRecorder(cfg.Store))
	}
	if cfg.Timeouts != nil {
		ctrlOpts = append(ctrlOpts, flow.WithTimeouts(*cfg.Timeouts))
	}
	newController := func() *flow.Controller {
		return flow.NewController(gw, ctrlOpts...)
	}

	slog.Debug("Server.NewServer: configured", "addr", cfg.Addr, "session_ttl", cfg.SessionTTL,
		"store_set", cfg.Store != nil, "health_set", cfg.Health != nil)

	return &Server{
		addr:            cfg.Addr,
		store:           cfg.Store,
		health:          cfg.Health,
		sessions:        newSessionManager(newController, cfg.SessionTTL),
		janitorInterval: cfg.JanitorInterval,
	}, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.healthHandler)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSessionHandler)
			r.Get("/{sessionID}", s.getSessionHandler)
			r.Delete("/{sessionID}", s.deleteSessionHandler)
			r.Post("/{sessionID}/start", s.startHandler)
			r.Post("/{sessionID}/answers", s.answersHandler)
			r.Post("/{sessionID}/skip", s.skipHandler)
			r.Post("/{sessionID}/restart", s.restartHandler)
			r.Post("/{sessionID}/retry", s.retryHandler)
		})
		r.Get("/runs", s.listRunsHandler)
		r.Get("/runs/{runID}", s.getRunHandler)
	})
	return router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and closes every session.
func (s *Server) Run(ctx context.Context) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.sessions.runJanitor(janitorCtx, s.janitorInterval)

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
	case err, ok := <-serverErr:
		if ok {
			slog.Error("Server.Run: server failed", "error", err)
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
	}
	s.Close()
	return runErr
}

// Close closes every session and waits for their outstanding calls.
func (s *Server) Close() {
	s.sessions.closeAll()
}
