/*
store.go - Persistence interfaces for history and runs

PURPOSE:
  The comparison itself is pure. Between runs two things must survive:
  the accumulated history that becomes the next run's existing snapshot,
  and a record of each monthly run for the API and report index.

KEY INTERFACES:
  HistoryStore: Accumulated (code, description) rows with first-seen period
  RunStore:     Monthly run bookkeeping

MERGE CONTRACT:
  Merge adds the latest snapshot's rows to history, one row per
  (code, description) pair. Rows already present keep their original
  first-seen period, so merging the same month twice is a no-op and
  Existing(before) is stable under re-runs of a month.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - bnf/store/memory.go: In-memory for testing

SEE ALSO:
  - monitor/monitor.go: Uses both interfaces
*/
package bnf

import (
	"context"
	"time"
)

// =============================================================================
// HISTORY STORE
// =============================================================================

// HistoryStore accumulates every row ever seen.
type HistoryStore interface {
	// Existing returns history rows first seen strictly before the period.
	// Returns ErrNoHistory when nothing earlier has been merged.
	Existing(ctx context.Context, before Period) (Snapshot, error)

	// Merge records the snapshot's rows under its period and returns how
	// many (code, description) pairs were new to history.
	Merge(ctx context.Context, s Snapshot) (int, error)

	// Periods lists merged periods, oldest first.
	Periods(ctx context.Context) ([]Period, error)
}

// =============================================================================
// RUN STORE
// =============================================================================

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run records one monthly comparison.
type Run struct {
	ID             string
	Period         Period
	Status         RunStatus
	Error          string
	Summary        Summary
	Triggered      []string // measure names
	ReportPath     string
	TestReportPath string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// RunStore persists runs. SaveRun upserts by ID.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// IsPeriodCompleted reports whether a completed run exists for the period.
	IsPeriodCompleted(ctx context.Context, p Period) (bool, error)
}
