package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
)

// Reaper permanently deletes trash entries older than each user's
// retention period.
type Reaper struct {
	engine   *Engine
	interval time.Duration
}

// NewReaper creates a reaper that sweeps at the given interval.
func NewReaper(e *Engine, interval time.Duration) *Reaper {
	return &Reaper{engine: e, interval: interval}
}

// Run sweeps periodically until ctx is cancelled. Call in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				logging.Error("trash sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over all users, returning the number of nodes
// deleted. Per-user failures are logged and skipped so one bad tenant
// cannot stall the rest.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()

	users, err := r.engine.ledger.Users(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, userID := range users {
		n, err := r.sweepUser(ctx, userID)
		if err != nil {
			logging.Error("trash sweep: user failed",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		deleted += n
	}

	metrics.RecordReaperSweep(time.Since(start), deleted)
	if deleted > 0 {
		logging.Info("trash sweep complete",
			zap.Int64("deleted", deleted),
			zap.Duration("elapsed", time.Since(start)))
	}
	return deleted, nil
}

func (r *Reaper) sweepUser(ctx context.Context, userID string) (int64, error) {
	days, err := r.engine.ledger.RetentionDays(ctx, userID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	roots, err := r.engine.tree.TrashedRootsBefore(ctx, userID, cutoff)
	if err != nil {
		return 0, err
	}
	if len(roots) == 0 {
		return 0, nil
	}

	ids := make([]string, len(roots))
	for i, n := range roots {
		ids[i] = n.ID
	}
	return r.engine.PermanentDelete(ctx, userID, ids)
}
