/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the accumulated history that becomes each run's existing
  snapshot, and the record of monthly runs.

INTERFACES IMPLEMENTED:
  bnf.HistoryStore: Accumulated (code, description) rows
  bnf.RunStore:     Monthly run bookkeeping

KEY TABLES:
  history: One row per (code, description), stamped with the period it
           was first merged. seq keeps merge order.
  merges:  One row per merged period, with whether it carried substances.
  runs:    Monthly comparison runs.

INDEXES:
  - history UNIQUE(code, description): makes Merge idempotent
  - idx_history_first_seen: Existing(before) range scan (hot path)
  - idx_runs_period: period completion checks from the scheduler

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, as SQLite allows a single writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so report reads via the
  API don't block a scheduled merge.

USAGE:
  store, err := sqlite.New("./data/bnfwatch.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  existing, err := store.Existing(ctx, bnf.MustParsePeriod("202401"))

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - bnf/store.go: Interface definitions
  - bnf/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openprescribing/bnfwatch/bnf"
)

// timeLayout is fixed width so stored timestamps sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ bnf.HistoryStore = (*Store)(nil)
	_ bnf.RunStore     = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accumulated history (append-only)
	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL,
		description TEXT NOT NULL,
		substance TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		UNIQUE(code, description)
	);

	CREATE INDEX IF NOT EXISTS idx_history_first_seen
		ON history(first_seen);

	-- Merged periods
	CREATE TABLE IF NOT EXISTS merges (
		period TEXT PRIMARY KEY,
		has_substance BOOLEAN NOT NULL,
		record_count INTEGER NOT NULL,
		added INTEGER NOT NULL,
		merged_at TEXT NOT NULL
	);

	-- Monthly runs
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		summary_json TEXT,
		triggered_json TEXT,
		report_path TEXT,
		test_report_path TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_period
		ON runs(period, status);
	CREATE INDEX IF NOT EXISTS idx_runs_started
		ON runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HISTORY STORE (bnf.HistoryStore interface)
// =============================================================================

// Existing returns history rows first seen before the given period.
func (s *Store) Existing(ctx context.Context, before bnf.Period) (bnf.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var merged int
	var allSubstance sql.NullBool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(has_substance) FROM merges WHERE period < ?",
		before.String(),
	).Scan(&merged, &allSubstance)
	if err != nil {
		return bnf.Snapshot{}, fmt.Errorf("failed to query merges: %w", err)
	}
	if merged == 0 {
		return bnf.Snapshot{}, bnf.ErrNoHistory
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, description, substance
		FROM history
		WHERE first_seen < ?
		ORDER BY seq ASC
	`, before.String())
	if err != nil {
		return bnf.Snapshot{}, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []bnf.Record
	for rows.Next() {
		var r bnf.Record
		if err := rows.Scan(&r.Code, &r.Description, &r.Substance); err != nil {
			return bnf.Snapshot{}, fmt.Errorf("failed to scan history: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return bnf.Snapshot{}, err
	}

	fields := []bnf.Field{bnf.FieldCode, bnf.FieldDescription}
	if allSubstance.Valid && allSubstance.Bool {
		fields = append(fields, bnf.FieldSubstance)
	}
	return bnf.Snapshot{Period: before.Prev(), Fields: fields, Records: records}, nil
}

// Merge adds unseen (code, description) rows atomically.
func (s *Store) Merge(ctx context.Context, snap bnf.Snapshot) (int, error) {
	if snap.Period.IsZero() {
		return 0, fmt.Errorf("merge: %w: snapshot has no period", bnf.ErrInvalidPeriod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO history (code, description, substance, first_seen)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	period := snap.Period.String()
	added := 0
	for _, r := range snap.Records {
		res, err := stmt.ExecContext(ctx, r.Code, r.Description, r.Substance, period)
		if err != nil {
			return 0, fmt.Errorf("failed to insert history row %s: %w", r.Code, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO merges (period, has_substance, record_count, added, merged_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET
			has_substance = merges.has_substance AND excluded.has_substance,
			record_count = excluded.record_count,
			added = merges.added + excluded.added,
			merged_at = excluded.merged_at
	`, period, snap.Has(bnf.FieldSubstance), snap.Len(), added, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to record merge: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Periods lists merged periods, oldest first.
func (s *Store) Periods(ctx context.Context) ([]bnf.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT period FROM merges ORDER BY period ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []bnf.Period
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := bnf.ParsePeriod(raw)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// =============================================================================
// RUN STORE (bnf.RunStore interface)
// =============================================================================

// SaveRun inserts or updates a run.
func (s *Store) SaveRun(ctx context.Context, r bnf.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaryJSON, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	triggeredJSON, err := json.Marshal(r.Triggered)
	if err != nil {
		return fmt.Errorf("failed to encode triggered measures: %w", err)
	}

	var completedAt *string
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC().Format(timeLayout)
		completedAt = &c
	}

	query := `
		INSERT INTO runs (id, period, status, error, summary_json, triggered_json,
			report_path, test_report_path, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			summary_json = excluded.summary_json,
			triggered_json = excluded.triggered_json,
			report_path = excluded.report_path,
			test_report_path = excluded.test_report_path,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Period.String(), r.Status, nullString(r.Error),
		string(summaryJSON), string(triggeredJSON),
		nullString(r.ReportPath), nullString(r.TestReportPath),
		r.StartedAt.UTC().Format(timeLayout), completedAt,
	)
	return err
}

const runColumns = `id, period, status, error, summary_json, triggered_json,
	report_path, test_report_path, started_at, completed_at`

// GetRun returns the run or bnf.ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*bnf.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bnf.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]bnf.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []bnf.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// IsPeriodCompleted checks if a run for the period has already completed.
func (s *Store) IsPeriodCompleted(ctx context.Context, p bnf.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE period = ? AND status = ?",
		p.String(), bnf.RunCompleted,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (bnf.Run, error) {
	var (
		r              bnf.Run
		period         string
		status         string
		errText        sql.NullString
		summaryJSON    sql.NullString
		triggeredJSON  sql.NullString
		reportPath     sql.NullString
		testReportPath sql.NullString
		startedAt      string
		completedAt    sql.NullString
	)
	err := row.Scan(&r.ID, &period, &status, &errText, &summaryJSON, &triggeredJSON,
		&reportPath, &testReportPath, &startedAt, &completedAt)
	if err != nil {
		return r, err
	}

	r.Period, err = bnf.ParsePeriod(period)
	if err != nil {
		return r, fmt.Errorf("run %s: %w", r.ID, err)
	}
	r.Status = bnf.RunStatus(status)
	r.Error = errText.String
	r.ReportPath = reportPath.String
	r.TestReportPath = testReportPath.String
	r.StartedAt, _ = time.Parse(timeLayout, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(timeLayout, completedAt.String)
		r.CompletedAt = &t
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &r.Summary); err != nil {
			return r, fmt.Errorf("run %s: failed to decode summary: %w", r.ID, err)
		}
	}
	if triggeredJSON.Valid && triggeredJSON.String != "" {
		if err := json.Unmarshal([]byte(triggeredJSON.String), &r.Triggered); err != nil {
			return r, fmt.Errorf("run %s: failed to decode triggered measures: %w", r.ID, err)
		}
	}
	return r, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
