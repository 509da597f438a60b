package keypool

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ResetSpec is the cron expression for the daily quota reset (UTC midnight).
const ResetSpec = "0 0 * * *"

// ResetScheduler resets expired slots at UTC midnight. The pool also resets
// lazily on access, so the scheduler only keeps idle slots and persisted
// counters current.
type ResetScheduler struct {
	pool   *Pool
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewResetScheduler registers the reset job on a UTC cron.
func NewResetScheduler(pool *Pool, logger zerolog.Logger) (*ResetScheduler, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	s := &ResetScheduler{
		pool:   pool,
		cron:   c,
		logger: logger.With().Str("component", "keyResetScheduler").Logger(),
	}
	if _, err := c.AddFunc(ResetSpec, s.run); err != nil {
		return nil, fmt.Errorf("failed to schedule key reset: %w", err)
	}
	return s, nil
}

// Start runs the scheduler until ctx is cancelled.
func (s *ResetScheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info().Str("spec", ResetSpec).Msg("Key reset scheduler started")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info().Msg("Key reset scheduler stopped")
	}()
}

// Next returns the next scheduled run.
func (s *ResetScheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return NextReset(s.pool.now())
	}
	if next := entries[0].Next; !next.IsZero() {
		return next
	}
	// not started yet
	return NextReset(s.pool.now())
}

func (s *ResetScheduler) run() {
	n := s.pool.ResetExpired()
	s.logger.Debug().Int("reset", n).Msg("Scheduled key reset ran")
}
