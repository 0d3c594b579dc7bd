// Package quota provides per-user storage accounting and request rate
// limiting.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
)

// Defaults are applied when a user's quota row is first created.
type Defaults struct {
	LimitBytes    int64
	RetentionDays int
}

// Ledger tracks per-user bytes-used against bytes-limit.
//
// Enforcement is strict: Commit performs a single conditional increment
// (storage_used += n WHERE storage_used + n <= storage_limit), so two
// concurrent uploads can both pass the Reserve pre-check but cannot both
// commit past the limit. Reserve remains useful as a cheap early rejection
// before any bytes are streamed.
type Ledger struct {
	db       *sql.DB
	defaults Defaults
}

// NewLedger creates a quota ledger.
func NewLedger(db *sql.DB, defaults Defaults) *Ledger {
	return &Ledger{db: db, defaults: defaults}
}

// Ensure creates the user's quota row with defaults if it does not exist.
func (l *Ledger) Ensure(ctx context.Context, userID string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_ensure", time.Since(start)) }()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, storage_used, storage_limit, trash_retention_days, updated_at)
		 VALUES ($1, 0, $2, $3, NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, l.defaults.LimitBytes, l.defaults.RetentionDays)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}
	return nil
}

// Usage returns the user's current accounting snapshot.
func (l *Ledger) Usage(ctx context.Context, userID string) (model.Usage, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_usage", time.Since(start)) }()

	var u model.Usage
	err := l.db.QueryRowContext(ctx,
		`SELECT storage_used, storage_limit FROM user_quotas WHERE user_id = $1`,
		userID).Scan(&u.Used, &u.Limit)
	if err == sql.ErrNoRows {
		return model.Usage{Limit: l.defaults.LimitBytes}, nil
	}
	if err != nil {
		return model.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	if u.Limit > 0 {
		u.Percent = float64(u.Used) / float64(u.Limit) * 100
	}
	return u, nil
}

// Reserve is a best-effort pre-check performed before an expensive upload
// begins. It never mutates the ledger; Commit is the enforcement point.
func (l *Ledger) Reserve(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return err
	}
	if u.Used+bytes > u.Limit {
		metrics.RecordQuotaExceeded()
		return model.ErrQuotaExceeded
	}
	return nil
}

// Commit atomically adds bytes to the user's usage, failing with
// ErrQuotaExceeded if the addition would pass the limit. Call only after
// the blob write and the metadata node creation both succeeded.
func (l *Ledger) Commit(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_commit", time.Since(start)) }()

	res, err := l.db.ExecContext(ctx,
		`UPDATE user_quotas
		 SET storage_used = storage_used + $2, updated_at = NOW()
		 WHERE user_id = $1 AND storage_used + $2 <= storage_limit`,
		userID, bytes)
	if err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	if n == 0 {
		metrics.RecordQuotaExceeded()
		return model.ErrQuotaExceeded
	}
	return nil
}

// Release atomically subtracts bytes from the user's usage, flooring at
// zero. Invoked on permanent deletion and as compensation when a commit
// must be undone.
func (l *Ledger) Release(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_release", time.Since(start)) }()

	_, err := l.db.ExecContext(ctx,
		`UPDATE user_quotas
		 SET storage_used = GREATEST(storage_used - $2, 0), updated_at = NOW()
		 WHERE user_id = $1`,
		userID, bytes)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// RetentionDays returns the user's trash retention period.
func (l *Ledger) RetentionDays(ctx context.Context, userID string) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_retention", time.Since(start)) }()

	var days int
	err := l.db.QueryRowContext(ctx,
		`SELECT trash_retention_days FROM user_quotas WHERE user_id = $1`,
		userID).Scan(&days)
	if err == sql.ErrNoRows {
		return l.defaults.RetentionDays, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get retention: %w", err)
	}
	return days, nil
}

// Users returns every user id with a quota row, for the reaper sweep.
func (l *Ledger) Users(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("quota_users", time.Since(start)) }()

	rows, err := l.db.QueryContext(ctx, `SELECT user_id FROM user_quotas ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
