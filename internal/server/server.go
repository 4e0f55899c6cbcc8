// Package server exposes the conversation store over HTTP and runs one
// sync engine per websocket session.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/engine"
	"github.com/opensesame/sesame/internal/store"
)

// Config holds server settings. Zero values are replaced by defaults.
type Config struct {
	MaxMessageBytes int64
	ShutdownTimeout time.Duration
	DefaultLanguage string
	DispatchTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	backend  store.Backend
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *engine.Metrics
	handler  http.Handler

	mu       sync.Mutex
	sessions map[*engine.Engine]context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry sets the registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// New builds a server over backend.
func New(backend store.Backend, cfg Config, opts ...Option) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = content.DefaultLanguage
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = engine.DefaultDispatchTimeout
	}

	s := &Server{
		backend:  backend,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: make(map[*engine.Engine]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = engine.NewMetrics(s.registry)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthzHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PATCH /v1/conversations/{id}", s.handleUpdateConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/context", s.handleContextSync)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	s.handler = s.logRequests(mux)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then shuts down: listeners
// stop, and open sync sessions are drained within ShutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down http server")
	shutdownErr := srv.Shutdown(shutdownCtx)
	drainErr := s.drainSessions(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return errors.Join(shutdownErr, drainErr)
}

func (s *Server) trackSession(e *engine.Engine, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[e] = cancel
	s.wg.Add(1)
}

func (s *Server) untrackSession(e *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[e]; ok {
		delete(s.sessions, e)
		s.wg.Done()
	}
}

// drainSessions ends every live sync session. Each session closes its own
// engine, which drains the queue to the backend before the handler returns.
func (s *Server) drainSessions(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.sessions {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sync sessions: %w", ctx.Err())
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
