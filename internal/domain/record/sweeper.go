package record

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medaccess/internal/platform/apperr"
)

const sweepBatch = 200

// Sweeper physically removes share grants that expired longer than
// purgeAfter ago. Reads already treat expired grants as absent, so the sweep
// only bounds storage growth.
type Sweeper struct {
	store      Store
	purgeAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time
	onPurge    func(n int)
}

func NewSweeper(store Store, purgeAfter time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		purgeAfter: purgeAfter,
		logger:     logger.With().Str("component", "grant_sweeper").Logger(),
		now:        time.Now,
	}
}

// OnPurge registers fn to receive the number of grants removed by every
// pass that removed any.
func (s *Sweeper) OnPurge(fn func(n int)) { s.onPurge = fn }

// SweepOnce purges one pass over the store and returns the number of grants
// removed. Fragments modified concurrently are skipped until the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.purgeAfter)
	fragments, err := s.store.ListExpiredGrants(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, f := range fragments {
		expected := f.Version
		n := PurgeExpired(f, cutoff)
		if n == 0 {
			continue
		}
		if err := s.store.Save(ctx, f, expected); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.logger.Debug().Str("record_id", f.RecordID.String()).Msg("record changed during sweep, skipping")
				continue
			}
			return total, err
		}
		total += n
	}
	if total > 0 {
		if s.onPurge != nil {
			s.onPurge(total)
		}
		s.logger.Info().Int("purged", total).Time("cutoff", cutoff).Msg("purged expired share grants")
	}
	return total, nil
}

// SweepAll repeats SweepOnce until a pass removes nothing and returns the
// total removed.
func (s *Sweeper) SweepAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.SweepOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
