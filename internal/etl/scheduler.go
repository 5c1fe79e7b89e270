package etl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	logpkg "github.com/kasparro/coinetl/internal/log"
)

// Scheduler drives the runner: one pass at startup, then one per interval.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler over a runner.
func NewScheduler(runner *Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logpkg.Component("scheduler"),
	}
}

// Start blocks until the context ends, running all sources immediately and
// again on every tick. Overlap is possible when a pass outlasts the
// interval; run rows and checkpoints stay consistent because every write
// is keyed by run or source.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("ETL scheduler started")

	s.runner.RunAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("ETL scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runner.RunAll(ctx)
		}
	}
}
