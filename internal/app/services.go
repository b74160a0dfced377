package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/api"
	"github.com/dokzlo13/panelsync/internal/config"
	"github.com/dokzlo13/panelsync/internal/db"
	"github.com/dokzlo13/panelsync/internal/ledger"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure (nil when the ledger is disabled)
	DB     *db.DB
	Ledger *ledger.Ledger

	Hub       *HubService
	LedgerSvc *LedgerService
	API       *api.Server
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Ledger.IsEnabled() {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.LedgerSvc = NewLedgerService(s.Ledger, cfg.Ledger.RetentionPeriod.Duration(), cfg.Ledger.RetentionInterval.Duration())
	}

	hub, err := NewHubService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Hub = hub

	if cfg.API.Enabled {
		deps := api.Deps{
			Store:       hub.Store,
			Session:     hub.Manager,
			Coordinator: hub.Coordinator,
			History:     hub.Client,
			Events:      hub.Bus,
		}
		if s.Ledger != nil {
			deps.Ledger = s.Ledger
		}
		s.API = api.New(cfg.API.Addr(), cfg.GetShutdownTimeout(), deps)
	}

	return s, nil
}

// Start starts all services in the correct order.
// onFatalError is called when the hub session stops retrying on its own.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if s.LedgerSvc != nil {
		s.LedgerSvc.Subscribe(s.Hub.Bus)
		s.LedgerSvc.Start(ctx)
	}

	s.Hub.StartBackground(ctx, onFatalError)

	if s.API != nil {
		go func() {
			if err := s.API.Run(ctx); err != nil {
				log.Error().Err(err).Msg("API server error")
			}
		}()
	} else {
		log.Debug().Msg("API server disabled")
	}

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
