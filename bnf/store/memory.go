// Package store provides in-memory implementations of the bnf store interfaces.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/openprescribing/bnfwatch/bnf"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	rows    []historyRow
	seen    map[key]struct{}
	periods map[bnf.Period]bool // period -> carried substance
	runs    map[string]bnf.Run
}

type key struct {
	Code        string
	Description string
}

type historyRow struct {
	record    bnf.Record
	firstSeen bnf.Period
}

func NewMemory() *Memory {
	return &Memory{
		seen:    make(map[key]struct{}),
		periods: make(map[bnf.Period]bool),
		runs:    make(map[string]bnf.Run),
	}
}

// Existing returns rows first seen before the given period, in merge order.
func (m *Memory) Existing(_ context.Context, before bnf.Period) (bnf.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	withSubstance := true
	found := false
	for p, hasSubstance := range m.periods {
		if p.Before(before) {
			found = true
			withSubstance = withSubstance && hasSubstance
		}
	}
	if !found {
		return bnf.Snapshot{}, bnf.ErrNoHistory
	}

	var records []bnf.Record
	for _, row := range m.rows {
		if row.firstSeen.Before(before) {
			records = append(records, row.record)
		}
	}

	fields := slices.Clone(bnf.RequiredFields)
	if withSubstance {
		fields = append(fields, bnf.FieldSubstance)
	}
	return bnf.Snapshot{Period: before.Prev(), Fields: fields, Records: records}, nil
}

// Merge appends unseen (code, description) pairs stamped with s.Period.
func (m *Memory) Merge(_ context.Context, s bnf.Snapshot) (int, error) {
	if s.Period.IsZero() {
		return 0, bnf.ErrInvalidPeriod
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, r := range s.Records {
		k := key{Code: r.Code, Description: r.Description}
		if _, ok := m.seen[k]; ok {
			continue
		}
		m.seen[k] = struct{}{}
		m.rows = append(m.rows, historyRow{
			record:    bnf.Record{Code: r.Code, Description: r.Description, Substance: r.Substance},
			firstSeen: s.Period,
		})
		added++
	}
	if prev, ok := m.periods[s.Period]; ok {
		m.periods[s.Period] = prev && s.Has(bnf.FieldSubstance)
	} else {
		m.periods[s.Period] = s.Has(bnf.FieldSubstance)
	}
	return added, nil
}

func (m *Memory) Periods(_ context.Context) ([]bnf.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	periods := make([]bnf.Period, 0, len(m.periods))
	for p := range m.periods {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })
	return periods, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run bnf.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Triggered = slices.Clone(run.Triggered)
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*bnf.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, bnf.ErrRunNotFound
	}
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 means no limit.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]bnf.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]bnf.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) IsPeriodCompleted(_ context.Context, p bnf.Period) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.Period == p && r.Status == bnf.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}
