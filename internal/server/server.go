// Package server is the candidate-facing surface of Cadenza. It bridges one
// interview session per WebSocket connection, turning inbound control
// messages from the interview page into session commands and session events
// into outbound JSON frames. The same mux serves the operational endpoints:
// liveness and readiness probes and the Prometheus scrape target.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evrhire/cadenza/internal/config"
	"github.com/evrhire/cadenza/internal/health"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/observe"
)

const (
	// defaultRateLimit and defaultRateWindow bound inbound messages per
	// connection. Control messages are human-initiated; anything past this
	// rate is a runaway client.
	defaultRateLimit  = 20
	defaultRateWindow = 10 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// shutdownGrace is how long Run waits for in-flight interviews to write
	// their closing records after its context is cancelled.
	shutdownGrace = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Session is the per-connection control surface the bridge drives. It is
// implemented by [*interview.Session].
type Session interface {
	Start(ctx context.Context) error
	SubmitAnswer()
	Hangup()
	SetMuted(muted bool)
	VisibilityChanged(hidden bool)
	Events() <-chan interview.Event
	Done() <-chan struct{}
	Wait()
}

// SessionManager creates interview sessions for connecting candidates. Open
// is called once per connection with the application id from the start
// message; Release once that connection's session has fully torn down.
type SessionManager interface {
	Open(ctx context.Context, applicationID string) (Session, error)
	Release(applicationID string)
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics instruments the HTTP middleware records to.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth sets the probe handler, normally assembled with the gateway
// and store checkers. Defaults to a handler with no checkers, which reports
// ready unconditionally.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithRateLimit overrides the per-connection message budget: max messages
// within the sliding window.
func WithRateLimit(max int, window time.Duration) Option {
	return func(s *Server) {
		s.rlMax = max
		s.rlWindow = window
	}
}

// Server owns the HTTP listener and the set of live interview sockets.
type Server struct {
	cfg     config.ServerConfig
	manager SessionManager
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler

	rlMax    int
	rlWindow time.Duration

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Server. manager must not be nil.
func New(cfg config.ServerConfig, manager SessionManager, opts ...Option) (*Server, error) {
	if manager == nil {
		return nil, errors.New("server: session manager must not be nil")
	}
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		health:   health.New(),
		rlMax:    defaultRateLimit,
		rlWindow: defaultRateWindow,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler assembles the HTTP surface: the interview WebSocket, the health
// probes, and the Prometheus scrape endpoint. Every route runs behind the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSocket)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(mux)
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down: the live interview sockets are told the server is going
// away, in-flight sessions get shutdownGrace to finish their closing
// records, and the listener closes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)
		if s.cfg.TLS != nil {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.closeConns()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-shctx.Done():
		s.logger.Warn("shutdown grace expired with interviews still closing")
	}

	if err := srv.Shutdown(shctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// closeConns tells every live interview socket the server is going away.
// Each connection's read loop then fails, which cancels its session.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
