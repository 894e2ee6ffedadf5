package token

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is used when NewSweeper is given a non-positive interval.
const DefaultSweepInterval = 10 * time.Minute

type sweepFunc interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs Sweep on an interval. A failed sweep is logged and retried next cycle.
type Sweeper struct {
	target   sweepFunc
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(target sweepFunc, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{target: target, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.target.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("refresh record sweep failed, retrying next cycle")
		return
	}
	if n > 0 {
		s.logger.Info().Int("removed", n).Msg("swept expired refresh records")
	}
}
