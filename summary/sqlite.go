package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS scalars (
	run_id    TEXT NOT NULL,
	tag       TEXT NOT NULL,
	step      INTEGER NOT NULL,
	value     REAL NOT NULL,
	wall_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scalars_run_tag ON scalars(run_id, tag, step);
`

// SQLite stores scalars for one run in a SQLite database.
type SQLite struct {
	db     *sql.DB
	path   string
	runID  string
	logger *slog.Logger

	mu       sync.Mutex
	firstErr error
	dropped  int
}

// OpenSQLite opens (or creates) the database at path and registers runID.
func OpenSQLite(ctx context.Context, path, runID, label string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &SQLite{db: db, path: path, runID: runID, logger: logger}
	if _, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO runs (run_id, started_at, label) VALUES (?, ?, ?)`,
		runID, time.Now().Unix(), label); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return s, nil
}

// RunID identifies the run this writer records.
func (s *SQLite) RunID() string { return s.runID }

// AddScalar inserts one row. Failures are logged once and kept for Err.
func (s *SQLite) AddScalar(tag string, value float64, step int) {
	_, err := s.execWithRetry(context.Background(),
		`INSERT INTO scalars (run_id, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`,
		s.runID, tag, step, value, time.Now().UnixMilli())
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
	if s.firstErr == nil {
		s.firstErr = err
		s.logger.Warn("scalar write failed", slog.String("tag", tag), slog.Int("step", step), slog.Any("error", err))
	}
}

// Err returns the first write failure, if any.
func (s *SQLite) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Dropped is the number of scalars that could not be written.
func (s *SQLite) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Series reads back the scalars of tag for this run ordered by step.
func (s *SQLite) Series(ctx context.Context, tag string) ([]Scalar, error) {
	return querySeries(ctx, s.db, s.runID, tag)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunSummary is the latest value of every tag of a run.
type RunSummary struct {
	RunID     string
	Label     string
	StartedAt time.Time
	Latest    []Scalar
}

// ReadRuns opens the database at path read-only style and summarizes every
// recorded run, newest first.
func ReadRuns(ctx context.Context, path string) ([]RunSummary, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT run_id, label, started_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var started int64
		if err := rows.Scan(&r.RunID, &r.Label, &started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		latest, err := queryLatest(ctx, db, runs[i].RunID)
		if err != nil {
			return nil, err
		}
		runs[i].Latest = latest
	}
	return runs, nil
}

func querySeries(ctx context.Context, db *sql.DB, runID, tag string) ([]Scalar, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tag, step, value FROM scalars WHERE run_id = ? AND tag = ? ORDER BY step, rowid`, runID, tag)
	if err != nil {
		return nil, fmt.Errorf("query series %q: %w", tag, err)
	}
	defer rows.Close()
	return scanScalars(rows)
}

func queryLatest(ctx context.Context, db *sql.DB, runID string) ([]Scalar, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.tag, s.step, s.value FROM scalars s
		JOIN (SELECT tag, MAX(step) AS step FROM scalars WHERE run_id = ? GROUP BY tag) m
		  ON s.tag = m.tag AND s.step = m.step
		WHERE s.run_id = ?
		ORDER BY s.tag`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query latest scalars: %w", err)
	}
	defer rows.Close()
	return scanScalars(rows)
}

func scanScalars(rows *sql.Rows) ([]Scalar, error) {
	var out []Scalar
	for rows.Next() {
		var sc Scalar
		if err := rows.Scan(&sc.Tag, &sc.Step, &sc.Value); err != nil {
			return nil, fmt.Errorf("scan scalar: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLite) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadSeries reads the series of every tag for one run of the database at
// path. Tags with no scalars map to an empty slice.
func ReadSeries(ctx context.Context, path, runID string, tags ...string) (map[string][]Scalar, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	out := make(map[string][]Scalar, len(tags))
	for _, tag := range tags {
		s, err := querySeries(ctx, db, runID, tag)
		if err != nil {
			return nil, err
		}
		out[tag] = s
	}
	return out, nil
}
