// Package api serves the local HTTP surface: health probes, connection
// status, the entity mirror, and slider controls.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/entity"
	"github.com/dokzlo13/panelsync/internal/hass"
	"github.com/dokzlo13/panelsync/internal/ledger"
	"github.com/dokzlo13/panelsync/internal/optimistic"
	"github.com/dokzlo13/panelsync/internal/session"
)

// Session is the connection manager as seen by the API.
type Session interface {
	Status() session.Status
	Resume()
}

// Historian fetches numeric entity history from the hub.
type Historian interface {
	History(ctx context.Context, entityID string, window time.Duration) ([]hass.HistoryPoint, error)
}

// CommandLog reads recorded command outcomes and connection changes.
type CommandLog interface {
	GetByEntity(entityID string, limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
	Recent(limit int) ([]*ledger.Entry, error)
}

// EventStats reports event bus health.
type EventStats interface {
	Dropped() uint64
}

// Deps are the components the API reads from. History and Ledger are
// optional; their endpoints answer 404 when unset.
type Deps struct {
	Store       entity.Reader
	Session     Session
	Coordinator *optimistic.Coordinator
	History     Historian
	Ledger      CommandLog
	Events      EventStats
}

// Server is the local HTTP API.
type Server struct {
	deps            Deps
	addr            string
	shutdownTimeout time.Duration
	handler         http.Handler
}

// New creates a server listening on addr once Run is called.
func New(addr string, shutdownTimeout time.Duration, deps Deps) *Server {
	s := &Server{
		deps:            deps,
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
	}
	s.handler = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
