package sync

import (
	"context"
	"log/slog"
	"time"
)

// Syncer syncs every known account
type Syncer interface {
	SyncAll(ctx context.Context) ([]Result, error)
}

// Scheduler periodically re-runs SyncAll so accounts catch up without an
// external trigger.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. An interval of zero disables it.
func NewScheduler(syncer Syncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger.With("component", "sync_scheduler"),
	}
}

// Run does an initial pass and then one pass per interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		return nil
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	results, err := s.syncer.SyncAll(ctx)
	var ok, partial, failed int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSucceeded:
			ok++
		case OutcomeIncomplete:
			partial++
		default:
			failed++
		}
	}
	if err != nil {
		s.logger.Warn("scheduled sync finished with errors",
			"synced", ok, "partial", partial, "failed", failed, "error", err)
		return
	}
	s.logger.Info("scheduled sync finished", "synced", ok, "partial", partial, "failed", failed)
}
