// Package api exposes the conversation core over HTTP.
//
// Endpoints:
//
//	POST /api/chat                       - synchronous turn (JSON request/response)
//	POST /api/chat/stream                - streaming turn (Server-Sent Events)
//	POST /api/session/open               - open or resume a stateful session
//	GET  /api/session/{id}/messages      - session message snapshot
//	POST /api/session/{id}/send          - run a turn on a session (SSE)
//	POST /api/session/{id}/subject       - update the in-view product
//	POST /api/session/{id}/react         - thumbs rating on a message
//	POST /api/session/{id}/close         - close a session
//	GET  /healthz                        - liveness probe
//
// The turn endpoints are stateless: the client supplies the rolling history
// and page context with each request, and receives display deltas plus any
// extracted command payloads. The session endpoints hold history, identity
// reconciliation and the open/resume decision server-side.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wakeside/skipper/internal/log"
)

const (
	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout must cover a full SSE stream.
	WriteTimeout = 2 * time.Minute

	// IdleTimeout for keep-alive connections.
	IdleTimeout = 2 * time.Minute
)

// Server is the HTTP server for the conversation API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer creates a server with all routes registered. sessions may be
// nil when only the stateless turn endpoints are wanted.
func NewServer(chat *ChatHandler, sessions *SessionHandler, logger log.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{mux: mux, logger: logger}

	chat.RegisterRoutes(mux)
	if sessions != nil {
		sessions.RegisterRoutes(mux)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s
}

// Handler returns the handler with middleware applied.
// Order: recovery → logging → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
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
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
