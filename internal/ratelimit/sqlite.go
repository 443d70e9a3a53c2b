package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"
)

// SQLiteWindow is a sliding-window counter in the rate_limit_hits table.
// Expiry, the count check and the insert run in one transaction whose
// first statement writes, so SQLite serializes concurrent callers.
// Expired hits of other keys are swept at most once per window, so keys
// that never come back do not accumulate.
type SQLiteWindow struct {
	db        *sql.DB
	limit     int
	window    time.Duration
	now       func() time.Time
	lastSweep atomic.Int64 // unix nanos
}

// NewSQLiteWindow allows limit requests per key in any window-long span.
// The rate_limit_hits table must exist (created via storage migrations).
func NewSQLiteWindow(db *sql.DB, limit int, window time.Duration) *SQLiteWindow {
	return &SQLiteWindow{db: db, limit: limit, window: window, now: time.Now}
}

func (w *SQLiteWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := w.now()
	d := Decision{Limit: w.limit}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return d, fmt.Errorf("%w: begin: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-w.window).UnixNano()
	sweep := now.UnixNano()-w.lastSweep.Load() >= int64(w.window)
	expire := `DELETE FROM rate_limit_hits WHERE key = ? AND hit_at <= ?`
	args := []any{key, cutoff}
	if sweep {
		expire = `DELETE FROM rate_limit_hits WHERE hit_at <= ?`
		args = args[1:]
	}
	if _, err := tx.ExecContext(ctx, expire, args...); err != nil {
		return d, fmt.Errorf("%w: expire hits: %w", ErrStoreUnavailable, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_hits (key, hit_at)
		SELECT ?, ? WHERE (SELECT COUNT(*) FROM rate_limit_hits WHERE key = ?) < ?`,
		key, now.UnixNano(), key, w.limit)
	if err != nil {
		return d, fmt.Errorf("%w: record hit: %w", ErrStoreUnavailable, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return d, fmt.Errorf("%w: record hit: %w", ErrStoreUnavailable, err)
	}

	var count int
	var oldest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), MIN(hit_at) FROM rate_limit_hits WHERE key = ?`, key).
		Scan(&count, &oldest); err != nil {
		return d, fmt.Errorf("%w: count hits: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return d, fmt.Errorf("%w: commit: %w", ErrStoreUnavailable, err)
	}
	if sweep {
		w.lastSweep.Store(now.UnixNano())
	}

	d.Allowed = inserted == 1
	d.Remaining = max(w.limit-count, 0)
	if !d.Allowed && oldest.Valid {
		d.RetryAfter = time.Unix(0, oldest.Int64).Add(w.window).Sub(now)
	}
	return d, nil
}
