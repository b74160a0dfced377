package app

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/config"
	"github.com/dokzlo13/panelsync/internal/entity"
	"github.com/dokzlo13/panelsync/internal/eventbus"
	"github.com/dokzlo13/panelsync/internal/hass"
	"github.com/dokzlo13/panelsync/internal/optimistic"
	"github.com/dokzlo13/panelsync/internal/session"
)

// HubService wraps everything that talks to the hub: the entity mirror,
// the streaming session, the command client and the optimistic
// coordinator.
type HubService struct {
	cfg *config.Config

	Store       *entity.Store
	Client      *hass.Client
	Manager     *session.Manager
	Coordinator *optimistic.Coordinator
	Bus         *eventbus.Bus
}

// NewHubService creates all hub components without connecting.
func NewHubService(cfg *config.Config) (*HubService, error) {
	dialer, err := hass.NewWebSocketDialer(cfg.Hub.URL, cfg.Hub.HandshakeTimeout.Duration(), cfg.Hub.Insecure)
	if err != nil {
		return nil, err
	}

	store := entity.NewStore()

	client := hass.NewClient(hass.ClientConfig{
		BaseURL:      cfg.Hub.URL,
		Token:        cfg.Hub.Token,
		Timeout:      cfg.Dispatcher.Timeout.Duration(),
		RateLimitRPS: cfg.Dispatcher.RateLimitRPS,
		Insecure:     cfg.Hub.Insecure,
	})

	backoff := session.Backoff{
		Base:        cfg.Reconnect.BaseDelay.Duration(),
		Max:         cfg.Reconnect.MaxDelay.Duration(),
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxAttempts: cfg.Reconnect.GetMaxAttempts(),
	}
	manager := session.NewManager(session.Config{Token: cfg.Hub.Token, Backoff: backoff}, dialer, store, clockwork.NewRealClock())

	coordinator := optimistic.NewCoordinator(store, client, clockwork.NewRealClock(), optimistic.Config{
		Tolerance: cfg.Optimistic.Tolerance,
		Window:    cfg.Optimistic.Window.Duration(),
	})

	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	log.Debug().Str("url", dialer.URL()).Msg("Hub stream endpoint")

	return &HubService{
		cfg:         cfg,
		Store:       store,
		Client:      client,
		Manager:     manager,
		Coordinator: coordinator,
		Bus:         bus,
	}, nil
}

// StartBackground publishes connection and command events on the bus
// and runs the connection manager.
func (s *HubService) StartBackground(ctx context.Context, onFatalError func(error)) {
	s.Manager.OnStatus(func(st session.Status) {
		s.Bus.Publish(connectionEvent(st))
	})
	s.Client.OnOutcome(func(o hass.Outcome) {
		s.Bus.Publish(commandEvent(o))
	})
	s.Manager.OnFatal(func(err error) {
		switch {
		case errors.Is(err, session.ErrAuthInvalid):
			log.Error().Msg("Hub access token rejected; update hub.token and send SIGHUP")
		case errors.Is(err, session.ErrReconnectExhausted):
			log.Error().Msg("Hub unreachable; send SIGUSR1 or POST /api/resume to retry")
		}
		if onFatalError != nil {
			onFatalError(err)
		}
	})

	go func() {
		if err := s.Manager.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Connection manager error")
		}
	}()
}

// SetToken switches both the stream and the command client to token.
func (s *HubService) SetToken(token string) {
	s.Client.SetToken(token)
	s.Manager.SetToken(token)
}

// Close releases all resources.
func (s *HubService) Close() {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.Client != nil {
		s.Client.Close()
	}
}

func connectionEvent(st session.Status) eventbus.Event {
	data := map[string]any{
		"state":   st.State.String(),
		"attempt": st.Attempt,
	}
	if st.Fault != session.FaultNone {
		data["fault"] = st.Fault.String()
	}
	if st.LastError != "" {
		data["last_error"] = st.LastError
	}
	if !st.NextRetry.IsZero() {
		data["next_retry"] = st.NextRetry
	}
	return eventbus.Event{Type: eventbus.EventTypeConnection, Data: data}
}

func commandEvent(o hass.Outcome) eventbus.Event {
	data := map[string]any{
		"request_id":  o.RequestID,
		"service":     o.Service,
		"entity_id":   o.EntityID,
		"status":      o.Status,
		"duration_ms": o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		data["error"] = o.Err.Error()
	}
	return eventbus.Event{Type: eventbus.EventTypeCommand, Data: data}
}
