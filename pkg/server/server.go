// Package server exposes the supervisor over HTTP and WebSocket: a
// small REST surface for driving agents, a Prometheus endpoint, and a
// /ws stream that relays the event bus to connected UIs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homerhq/homer"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/supervisor"
)

// Control is the supervisor surface the HTTP layer drives.
// *supervisor.Supervisor satisfies it; tests substitute fakes.
type Control interface {
	Snapshot() supervisor.StateSnapshot
	SpawnNext() (string, error)
	SpawnIssue(number int) (string, error)
	SpawnInteractive() (string, error)
	Input(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	Kill(id string) error
	Output(id string) (string, error)
	SetTool(id string) error
	ResumeSession(accept bool) error
}

// Server is the homer control server.
type Server struct {
	addr    string
	control Control
	bus     *bus.Bus

	server          *http.Server
	metricsHandler  http.Handler
	shutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithMetricsHandler overrides the /metrics handler. The default serves
// the process-global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for in-flight
// requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a control server listening on addr.
func New(addr string, control Control, b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		control:         control,
		bus:             b,
		metricsHandler:  promhttp.Handler(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metricsHandler.ServeHTTP)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/tool", s.handleTool)
		r.Post("/session/resume", s.handleSessionResume)

		r.Post("/agent/spawn", s.handleSpawn)
		r.Route("/agent/{id}", func(r chi.Router) {
			r.Post("/input", s.handleInput)
			r.Post("/resize", s.handleResize)
			r.Post("/kill", s.handleKill)
			r.Get("/output", s.handleOutput)
		})
	})

	return r
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /ws connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("control server starting", "address", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	slog.Info("control server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, struct {
		Status string     `json:"status"`
		Build  homer.Info `json:"build"`
	}{Status: "ok", Build: homer.BuildInfo()})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// loggingMiddleware logs requests without wrapping the ResponseWriter,
// which would hide http.Hijacker from the WebSocket upgrade.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware allows browser UIs served from other origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
