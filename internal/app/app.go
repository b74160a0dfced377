package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/config"
)

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg        *config.Config
	configPath string
	services   *Services
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new App instance with all services initialized but not started.
// configPath is re-read on SIGHUP to pick up a new hub token.
func New(cfg *config.Config, configPath string) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		configPath: configPath,
		services:   services,
	}, nil
}

// Start initializes and starts all services.
// The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// The panel keeps serving status after the hub gives up; the user
	// recovers through Resume or a token change.
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Hub session stopped")
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	go a.watchSignals(a.ctx)

	log.Info().Str("hub", a.cfg.Hub.URL).Msg("panelsync started")
	return nil
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Resume asks the hub session to reconnect now if it is not live.
func (a *App) Resume() {
	a.services.Hub.Manager.Resume()
}

// ReloadToken re-reads the config file and switches to its hub token if
// it changed.
func (a *App) ReloadToken() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cfg.Hub.Token == a.cfg.Hub.Token {
		log.Info().Msg("Hub token unchanged")
		return nil
	}
	a.cfg.Hub.Token = cfg.Hub.Token
	a.services.Hub.SetToken(cfg.Hub.Token)
	log.Info().Msg("Hub token updated")
	return nil
}

// watchSignals maps SIGUSR1 to Resume (the host returned to the
// foreground) and SIGHUP to a token reload.
func (a *App) watchSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				log.Info().Msg("Received SIGUSR1, resuming hub session")
				a.Resume()
			case syscall.SIGHUP:
				log.Info().Msg("Received SIGHUP, reloading hub token")
				if err := a.ReloadToken(); err != nil {
					log.Error().Err(err).Msg("Failed to reload configuration")
				}
			}
		}
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
