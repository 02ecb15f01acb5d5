package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Expirer moves notifications past their ExpiresAt to EXPIRED.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type SweeperConfig struct {
	Interval time.Duration
	Batch    int
}

// Sweeper periodically reconciles stored statuses with the expiry predicate.
type Sweeper struct {
	cfg     SweeperConfig
	expirer Expirer
	logger  zerolog.Logger
}

func NewSweeper(expirer Expirer, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{
		cfg:     cfg,
		expirer: expirer,
		logger:  logger.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start sweeps every Interval until ctx is done. A zero Interval disables it.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info().Msg("expiry sweeper disabled")
		return nil
	}

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("expiry sweeper started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				// keep ticking; the next sweep retries
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// Sweep expires batches until a short batch shows the backlog is drained.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.expirer.ExpireDue(ctx, s.cfg.Batch)
		total += n
		if err != nil {
			return total, errors.Wrapf(err, "expire batch after %d notifications", total)
		}
		if n < s.cfg.Batch || ctx.Err() != nil {
			return total, nil
		}
	}
}
