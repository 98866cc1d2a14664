package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/dosug/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Retention periodically deletes messages older than a fixed age.
type Retention struct {
	store  *Store
	maxAge time.Duration
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time
}

// NewRetention schedules pruning of messages older than days on the given
// cron spec (standard five fields or a descriptor such as @daily).
func NewRetention(store *Store, days int, schedule string, logger zerolog.Logger) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}

	r := &Retention{
		store:  store,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r.cron = cron.New(cron.WithParser(parser))
	if _, err := r.cron.AddFunc(schedule, r.runOnce); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return r, nil
}

// Start begins the schedule in its own goroutine.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info().Dur("max_age", r.maxAge).Msg("Message retention scheduled")
}

// Stop stops the schedule and waits for a running prune to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Prune deletes expired messages now.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.PruneMessages(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.RecordMessagesPruned(n)
	return n, nil
}

func (r *Retention) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := r.Prune(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Message retention failed")
		return
	}
	r.logger.Info().Int64("deleted", n).Msg("Message retention completed")
}
