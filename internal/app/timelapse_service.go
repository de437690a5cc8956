package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/config"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/storage"
	"github.com/softboxd/softboxd/internal/timelapse"
)

// TimelapseService wraps the timelapse runner and related periodic tasks.
type TimelapseService struct {
	cfg    *config.Config
	Runner *timelapse.Runner
	ledger *ledger.Ledger
}

// NewTimelapseService creates a new TimelapseService.
func NewTimelapseService(
	cfg *config.Config,
	flow *capture.Flow,
	led *ledger.Ledger,
	bus *eventbus.Bus,
	store *storage.TypedStore[timelapse.Schedule],
) *TimelapseService {
	return &TimelapseService{
		cfg:    cfg,
		Runner: timelapse.New(flow, led, bus, store, cfg.Timelapse.Interval.Duration()),
		ledger: led,
	}
}

// Start begins the timelapse runner and the ledger retention task.
func (s *TimelapseService) Start(ctx context.Context) {
	go func() {
		if err := s.Runner.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Timelapse runner error")
		}
	}()

	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *TimelapseService) runLedgerCleanup(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
