package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/lock"
)

// SweepLockWait bounds how long a tick waits for the sweep lock before
// leaving the round to the instance that holds it.
const SweepLockWait = 500 * time.Millisecond

// Sweeper expires overdue sessions in batches.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// ExpirySweeper periodically moves overdue in-progress sessions to EXPIRED
// so stored statuses stay current for sessions nobody touches.
type ExpirySweeper struct {
	sweeper  Sweeper
	locker   lock.Locker
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewExpirySweeper creates an ExpirySweeper that runs every interval and
// expires at most batch sessions per store query.
func NewExpirySweeper(sweeper Sweeper, locker lock.Locker, interval time.Duration, batch int, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		batch:    batch,
		log:      log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop
// ----------------------------------------------------------------

// Start runs a sweep on every tick until ctx is cancelled.
func (w *ExpirySweeper) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Int("batch", w.batch).Msg("ExpirySweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpirySweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep round. Rounds that hit a full batch continue
// immediately until the backlog is drained.
func (w *ExpirySweeper) RunOnce(ctx context.Context) int {
	lockCtx, cancel := context.WithTimeout(ctx, SweepLockWait)
	unlock, err := w.locker.Lock(lockCtx, config.CacheKey.ExpirySweepLockKey())
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			w.log.Debug().Msg("Sweep lock held elsewhere, skipping round")
		} else {
			w.log.Error().Err(err).Msg("Failed to take sweep lock")
		}
		return 0
	}
	defer unlock()

	total := 0
	for {
		n, err := w.sweeper.SweepExpired(ctx, w.batch)
		total += n
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Expiry sweep failed")
			}
			break
		}
		if w.batch <= 0 || n < w.batch {
			break
		}
	}

	if total > 0 {
		w.log.Info().Int("expired", total).Msg("Overdue sessions expired")
	}
	return total
}
