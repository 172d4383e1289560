package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arsac/h1relay/internal/metrics"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	checkTimeout      = 5 * time.Second
)

// CheckFunc checks a component's health, returning nil when healthy.
type CheckFunc func(ctx context.Context) error

// Server provides HTTP health endpoints for Kubernetes probes and serves
// Prometheus metrics.
type Server struct {
	addr   string
	logger *slog.Logger
	server *http.Server

	ready   atomic.Bool
	checks  map[string]CheckFunc
	checkMu sync.RWMutex
}

// Config configures the health server.
type Config struct {
	Addr string // Listen address (e.g., ":8080")
}

// NewServer creates a new health server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		addr:   cfg.Addr,
		logger: logger,
		checks: make(map[string]CheckFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /livez", s.handleLivez)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// RegisterCheck adds a named health check.
func (s *Server) RegisterCheck(name string, check CheckFunc) {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	s.checks[name] = check
}

// SetReady marks the relay as ready to carry traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "starting health server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WarnContext(ctx, "health server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Response is the JSON response for health endpoints.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealthz answers as long as the process can serve HTTP.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// handleLivez runs every registered check; a wedged worker fails it.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	s.respondWithChecks(w, r, "unhealthy")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, Response{Status: "not ready"})
		return
	}
	s.respondWithChecks(w, r, "not ready")
}

func (s *Server) respondWithChecks(w http.ResponseWriter, r *http.Request, failStatus string) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results, healthy := s.runChecks(ctx)
	if !healthy {
		s.writeJSON(w, http.StatusServiceUnavailable, Response{Status: failStatus, Checks: results})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: "ok", Checks: results})
}

// runChecks executes all registered checks, returning each one's status and
// whether all passed.
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	s.checkMu.RLock()
	checks := maps.Clone(s.checks)
	s.checkMu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

// CachedCheck wraps a CheckFunc with time-based caching. Repeated calls within
// the TTL return the cached result without invoking the underlying check.
func CachedCheck(check CheckFunc, ttl time.Duration) CheckFunc {
	var (
		mu         sync.Mutex
		lastCheck  time.Time
		lastResult error
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastCheck) < ttl {
			metrics.HealthCheckCacheTotal.WithLabelValues(metrics.ResultHit).Inc()
			return lastResult
		}
		metrics.HealthCheckCacheTotal.WithLabelValues(metrics.ResultMiss).Inc()
		lastResult = check(ctx)
		lastCheck = time.Now()
		return lastResult
	}
}

// Pinger reports whether a set of workers is draining its task queues.
// *engine.Group satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkersCheck returns a check that round-trips a no-op task through every
// worker.
func WorkersCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		return nil
	}
}
