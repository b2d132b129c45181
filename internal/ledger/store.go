package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrAmbiguousRun = errors.New("run id prefix matches more than one run")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    task TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input TEXT NOT NULL,
    output TEXT NOT NULL,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    repaired INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    options_json TEXT
);

CREATE TABLE IF NOT EXISTS record_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    record_index INTEGER NOT NULL,
    label TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    repaired INTEGER NOT NULL DEFAULT 0,
    message TEXT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS usage_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_record_events_run_id ON record_events(run_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_run_id ON usage_log(run_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_timestamp ON usage_log(timestamp);
`

type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Parallel stages write events from several goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns ~/.agrivqa/runs.db
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agrivqa", "runs.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, task, provider, model, input, output, started_at, status, options_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Stage, nullString(run.Task), run.Provider, run.Model, run.Input, run.Output,
		run.StartedAt, run.Status, run.Options.ToJSON())
	return err
}

func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, total = ?, processed = ?, repaired = ?, failed = ?, status = ?
		 WHERE id = ?`,
		run.FinishedAt, run.Counts.Total, run.Counts.Processed, run.Counts.Repaired, run.Counts.Failed,
		run.Status, run.ID)
	return err
}

const runColumns = `id, stage, task, provider, model, input, output, started_at, finished_at,
	total, processed, repaired, failed, status, options_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var task, optionsJSON sql.NullString
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Stage, &task, &run.Provider, &run.Model, &run.Input, &run.Output,
		&run.StartedAt, &finished, &run.Counts.Total, &run.Counts.Processed, &run.Counts.Repaired,
		&run.Counts.Failed, &run.Status, &optionsJSON)
	if err != nil {
		return nil, err
	}
	run.Task = task.String
	run.FinishedAt = finished.Time
	run.Options = ParseRunOptions(optionsJSON.String)
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// FindRun resolves a full run id or a unique prefix of one.
func (s *Store) FindRun(ctx context.Context, prefix string) (*Run, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRunNotFound)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE substr(id, 1, ?) = ? LIMIT 2`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	case 1:
		return runs[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAmbiguousRun, prefix)
}

// ListRuns returns the most recent runs first. A limit of 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

func (s *Store) LogEvent(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_events (run_id, record_index, label, status, attempts, repaired, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Index, nullString(ev.Label), ev.Status, ev.Attempts, ev.Repaired,
		nullString(ev.Message), ev.Timestamp)
	return err
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, record_index, label, status, attempts, repaired, message, timestamp
		 FROM record_events WHERE run_id = ? ORDER BY record_index ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var label, message sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Index, &label, &ev.Status, &ev.Attempts, &ev.Repaired,
			&message, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Label = label.String
		ev.Message = message.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) LogUsage(ctx context.Context, entry *UsageEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (run_id, model, input_tokens, output_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Model, entry.InputTokens, entry.OutputTokens, entry.Cost, entry.Timestamp)
	return err
}

func (s *Store) GetRunUsage(ctx context.Context, runID string) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_log WHERE run_id = ?`, runID)
	return scanUsage(row)
}

func (s *Store) GetUsageByDateRange(ctx context.Context, start, end time.Time) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_log WHERE timestamp >= ? AND timestamp < ?`,
		start, end)
	return scanUsage(row)
}

func (s *Store) GetTotalUsage(ctx context.Context) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_log`)
	return scanUsage(row)
}

func scanUsage(row scanner) (*UsageSummary, error) {
	var summary UsageSummary
	if err := row.Scan(&summary.InputTokens, &summary.OutputTokens, &summary.Cost, &summary.EntryCount); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) GetUsageByModel(ctx context.Context) ([]ModelUsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM usage_log GROUP BY model ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ModelUsageSummary
	for rows.Next() {
		var ms ModelUsageSummary
		if err := rows.Scan(&ms.Model, &ms.InputTokens, &ms.OutputTokens, &ms.Cost); err != nil {
			return nil, err
		}
		summaries = append(summaries, ms)
	}
	return summaries, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
