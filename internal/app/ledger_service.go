package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/eventbus"
	"github.com/dokzlo13/panelsync/internal/ledger"
)

// LedgerService records bus events in the ledger and prunes old entries.
type LedgerService struct {
	ledger    *ledger.Ledger
	retention time.Duration
	interval  time.Duration
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(l *ledger.Ledger, retention, interval time.Duration) *LedgerService {
	return &LedgerService{
		ledger:    l,
		retention: retention,
		interval:  interval,
	}
}

// Subscribe registers the ledger's bus handlers.
func (s *LedgerService) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeCommand, s.recordCommand)
	bus.Subscribe(eventbus.EventTypeConnection, s.recordConnection)
}

// Start begins periodic cleanup.
func (s *LedgerService) Start(ctx context.Context) {
	go s.runCleanup(ctx)
}

func (s *LedgerService) recordCommand(event eventbus.Event) {
	requestID, _ := event.Data["request_id"].(string)
	entityID, _ := event.Data["entity_id"].(string)
	if s.ledger.HasOutcome(requestID) {
		log.Debug().Str("request_id", requestID).Msg("Command outcome already recorded")
		return
	}

	eventType := ledger.EventCommandSent
	if _, failed := event.Data["error"]; failed {
		eventType = ledger.EventCommandFailed
	}

	if err := s.ledger.AppendWithSource(eventType, requestID, "dispatcher", entityID, event.Data); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to record command")
	}
}

func (s *LedgerService) recordConnection(event eventbus.Event) {
	if err := s.ledger.AppendWithSource(ledger.EventConnectionChanged, "", "session", "", event.Data); err != nil {
		log.Error().Err(err).Msg("Failed to record connection change")
	}
}

func (s *LedgerService) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.ledger.DeleteOlderThan(s.retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", s.retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
