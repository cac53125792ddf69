// Package api provides the HTTP REST facade of the Ease gateway.
//
// Endpoints:
//
//	POST   /api/conversation        →  run one turn, JSON in/out
//	POST   /api/conversation/stream →  run one turn, SSE out
//	GET    /api/threads             →  list conversations
//	DELETE /api/threads/{id}        →  drop a conversation
//	GET    /health                  →  liveness probe
//	GET    /ready                   →  readiness probe
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: Health check endpoints (/health, /ready)
//   - conversation.go: Turn endpoints (sync + SSE)
//   - threads.go: Conversation listing and deletion
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8800"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	// This prevents Slowloris attacks (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Generous because a turn may run several tool rounds.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the maximum time to wait for the next request on keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the gateway's REST API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	// Handlers
	health       *HealthHandler
	conversation *ConversationHandler
	threads      *ThreadHandler
}

// NewServer creates a new HTTP server with all routes registered.
// tools reports tool gateway degradation for the readiness probe; it and
// pinger may be nil.
func NewServer(runner TurnRunner, store *convo.Store, pinger Pinger, tools Degrader, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:          mux,
		logger:       logger,
		health:       NewHealthHandler(pinger, tools, logger),
		conversation: NewConversationHandler(runner, logger),
		threads:      NewThreadHandler(store, logger),
	}

	s.health.RegisterRoutes(mux)
	s.conversation.RegisterRoutes(mux)
	s.threads.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
