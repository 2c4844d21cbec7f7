// Package server runs Causeway as a long-lived daemon: the two hooks, a
// read-only management API and Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"causeway/internal/hook"
	"causeway/internal/learning"
	"causeway/internal/manage"
	"causeway/internal/metrics"
	"causeway/internal/session"
	"causeway/internal/store"
)

const (
	maxBodyBytes = 8 << 20
	// DefaultMaxConns bounds concurrent connections when Config.MaxConns is zero.
	DefaultMaxConns = 64
)

// Learner queues a learning pass for a finished session.
type Learner interface {
	Submit(sessionID string) (*learning.Task, error)
}

// TraceReader lists traces.
type TraceReader interface {
	QueryTraces(ctx context.Context, f store.TraceFilter) ([]store.Trace, error)
}

// Config wires the server. Learner may be nil, which disables learning on
// stop; Gatherer may be nil, which disables /metrics.
type Config struct {
	Enforcer   hook.Enforcer
	Sessions   session.Store
	Manage     *manage.Service
	Traces     TraceReader
	Learner    Learner
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	FailClosed bool
	MaxConns   int
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.route("healthz", s.handleHealth))

	// Hooks
	mux.HandleFunc("POST /v1/hooks/pre-tool-use", s.route("pre-tool-use", s.handlePreToolUse))
	mux.HandleFunc("POST /v1/hooks/stop", s.route("stop", s.handleStop))

	// Management
	mux.HandleFunc("GET /v1/rules", s.route("rules", s.handleRules))
	mux.HandleFunc("GET /v1/rules/search", s.route("rules.search", s.handleSearch))
	mux.HandleFunc("GET /v1/rules/{id}", s.route("rules.get", s.handleRule))
	mux.HandleFunc("GET /v1/traces", s.route("traces", s.handleTraces))
	mux.HandleFunc("GET /v1/stats", s.route("stats", s.handleStats))

	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s.loggingMiddleware(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within the grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, grace)
}

// Serve is ListenAndServe on an existing listener. At most MaxConns
// connections are accepted at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// route counts the request under name once it has been handled.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		s.cfg.Metrics.ObserveHTTP(name, rec.code)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code),
			zap.Duration("elapsed", time.Since(start)))
	})
}
