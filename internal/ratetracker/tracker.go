// Package ratetracker derives pihole_request_rate from successive passes.
package ratetracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tternquist/pihole-sqlite-exporter/internal/ftldb"
)

const (
	ModeCursor = "cursor"
	ModeWindow = "window"
)

// Tracker keeps the baseline between calls. It lives for the whole process.
type Tracker struct {
	mode   string
	window time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	cursor      *ftldb.Outcome[string]
	initialized bool
	lastAt      time.Time
	lastTotal   int64
	lastMax     sql.NullInt64
}

// New builds a tracker. Unknown modes fall back to cursor.
func New(mode string, window time.Duration, logger *slog.Logger) *Tracker {
	if mode != ModeWindow {
		mode = ModeCursor
	}
	if window < time.Second {
		window = time.Minute
	}
	return &Tracker{mode: mode, window: window, logger: logger}
}

// Reset drops the baseline so the next Observe reports 0 again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
	t.lastAt = time.Time{}
	t.lastTotal = 0
	t.lastMax = sql.NullInt64{}
	t.cursor = nil
}

// Baseline is the state a pass leaves for the next one once committed.
type Baseline struct {
	at     time.Time
	total  int64
	cursor sql.NullInt64
	valid  bool
}

// Observe returns requests per second since the previous call and commits the
// new baseline at once. The first call returns 0.
func (t *Tracker) Observe(ctx context.Context, q ftldb.Querier, now time.Time, total int64) (float64, error) {
	rate, next, err := t.Measure(ctx, q, now, total)
	if err != nil {
		return 0, err
	}
	t.Commit(next)
	return rate, nil
}

// Measure computes the rate like Observe but leaves the stored baseline alone
// until Commit is called, so a pass that later fails does not consume the
// interval. total is the lifetime query counter read in the same pass.
func (t *Tracker) Measure(ctx context.Context, q ftldb.Querier, now time.Time, total int64) (float64, Baseline, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == ModeWindow {
		return t.measureWindow(ctx, q, now, total)
	}
	return t.measureCursor(ctx, q, now, total)
}

// Commit makes next the baseline for the following Measure.
func (t *Tracker) Commit(next Baseline) {
	if !next.valid {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	t.lastAt = next.at
	t.lastTotal = next.total
	if next.cursor.Valid {
		t.lastMax = next.cursor
	}
}

func (t *Tracker) measureWindow(ctx context.Context, q ftldb.Querier, now time.Time, total int64) (float64, Baseline, error) {
	since := now.Add(-t.window).Unix()
	count, err := ftldb.Scalar[int64](ctx, q, "request rate window", sqlRateWindow, since)
	if err != nil {
		return 0, Baseline{}, err
	}
	next := Baseline{at: now, total: total, valid: true}
	if !t.initialized {
		t.debug("request rate initialized", "mode", t.mode)
		return 0, next, nil
	}
	rate := float64(count) / t.window.Seconds()
	t.debug("request rate", "mode", t.mode, "queries", count, "window", t.window, "rate", rate)
	return rate, next, nil
}

func (t *Tracker) measureCursor(ctx context.Context, q ftldb.Querier, now time.Time, total int64) (float64, Baseline, error) {
	col, err := t.detectCursor(ctx, q)
	if err != nil {
		return 0, Baseline{}, err
	}

	var current sql.NullInt64
	if col != "" {
		if err := q.QueryRowContext(ctx, "SELECT MAX("+col+") FROM queries").Scan(&current); err != nil {
			return 0, Baseline{}, fmt.Errorf("request rate cursor: %w", err)
		}
	}
	next := Baseline{at: now, total: total, cursor: current, valid: true}

	if !t.initialized {
		t.debug("request rate initialized", "mode", t.mode, "cursor", col)
		return 0, next, nil
	}

	dt := now.Sub(t.lastAt).Seconds()
	if dt < 1 {
		dt = 1
	}

	var delta int64
	switch {
	case col == "":
		if total > t.lastTotal {
			delta = total - t.lastTotal
		} else if total < t.lastTotal && t.logger != nil {
			t.logger.Info("lifetime counter decreased; treating as new baseline", "previous", t.lastTotal, "current", total)
		}
	case current.Valid && current.Int64 > t.lastMax.Int64:
		// an empty table leaves lastMax at zero, so every row counts
		delta, err = ftldb.Scalar[int64](ctx, q, "request rate delta",
			"SELECT COUNT(*) FROM queries WHERE "+col+" > ?", t.lastMax.Int64)
		if err != nil {
			return 0, Baseline{}, err
		}
	}

	rate := float64(delta) / dt
	t.debug("request rate", "mode", t.mode, "queries_delta", delta, "time_delta", dt, "rate", rate)
	return rate, next, nil
}

// detectCursor resolves the monotonically increasing column once per
// process: rowid, then an "id" column, else none.
func (t *Tracker) detectCursor(ctx context.Context, q ftldb.Querier) (string, error) {
	if t.cursor != nil {
		return t.cursor.Or(""), nil
	}

	var probe sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT MAX(rowid) FROM queries").Scan(&probe)
	if err == nil {
		t.setCursor(ftldb.Available("rowid"))
		return "rowid", nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	hasID, err := hasIDColumn(ctx, q)
	if err != nil {
		return "", err
	}
	if hasID {
		t.setCursor(ftldb.Available("id"))
		return "id", nil
	}

	t.setCursor(ftldb.Unavailable[string](errors.New("queries has neither rowid nor id")))
	if t.logger != nil {
		t.logger.Warn("no usable row cursor on queries; request rate falls back to lifetime counter delta", "err", t.cursor.Reason())
	}
	return "", nil
}

func (t *Tracker) setCursor(o ftldb.Outcome[string]) {
	t.cursor = &o
}

func hasIDColumn(ctx context.Context, q ftldb.Querier) (bool, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info(queries)")
	if err != nil {
		return false, fmt.Errorf("request rate table_info: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return false, err
	}
	found := false
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return false, fmt.Errorf("request rate table_info: %w", err)
		}
		// cid, name, type, notnull, dflt_value, pk
		if len(vals) > 1 {
			switch name := vals[1].(type) {
			case string:
				found = found || name == "id"
			case []byte:
				found = found || string(name) == "id"
			}
		}
	}
	return found, rows.Err()
}

func (t *Tracker) debug(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Debug(msg, args...)
	}
}

const sqlRateWindow = `SELECT COUNT(*) FROM queries WHERE timestamp >= ?`
