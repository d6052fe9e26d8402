// Package api serves the REST interface over states, services and scenes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/ledger"
)

// States is the state machine as seen by the API
type States interface {
	Get(entityID string) (*core.State, bool)
	Set(entityID, state string, attrs map[string]any) (*core.State, error)
	All() []*core.State
}

// Services is the service bus as seen by the API
type Services interface {
	Services() map[string][]string
	Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// Reproducer replays desired states
type Reproducer interface {
	Reproduce(ctx context.Context, desired []core.State, blocking bool) error
}

// Ledger exposes recent service call history
type Ledger interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

// Deps groups everything the handlers need. Ledger and Ready may be nil.
type Deps struct {
	States     States
	Services   Services
	Reproducer Reproducer
	Ledger     Ledger
	Ready      func() bool
}

// Server is the HTTP API server
type Server struct {
	addr       string
	deps       Deps
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new API server listening on addr
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		addr: addr,
		deps: deps,
	}
	s.handler = s.buildRouter()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
