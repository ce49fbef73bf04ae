/*
Package monitor runs the monthly comparison end to end.

PURPOSE:
  One Run turns a newly published month into reports and history:

    1. Fetch the month's snapshot (latest)
    2. Load history first seen before the month (existing)
    3. Compare with the configured exclusions
    4. Test the new codes against every testing measure
    5. Write the HTML/CSV reports and refresh the report index
    6. Merge latest into history
    7. Persist the run

BOOTSTRAP:
  With empty history there is nothing to compare against. The first run
  seeds history from latest and completes with no new rows and no reports.

RE-RUNS:
  Existing(before) excludes the month's own merge, so running a month
  twice yields the same result and leaves history unchanged.

FAILURE:
  Any step failing marks the run failed with the error text. History is
  merged only after reports are written, so a failed run can be retried.

SEE ALSO:
  - api/scheduler.go: Runs NextPeriod on a ticker
  - cmd/bnfwatch/run.go: Runs one month from the command line
*/
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/factory"
	"github.com/openprescribing/bnfwatch/report"
)

// Fetcher supplies monthly snapshots.
type Fetcher interface {
	FetchPeriod(ctx context.Context, p bnf.Period) (bnf.Snapshot, error)

	// Periods lists published months, oldest first.
	Periods(ctx context.Context) ([]bnf.Period, error)
}

// MeasureSource loads the testing measures. Implemented by
// factory.DirSource and factory.GitHubSource.
type MeasureSource interface {
	Load(ctx context.Context) (factory.LoadResult, error)
}

// Config holds the run settings.
type Config struct {
	ExcludeChapters []string
	ReportsDir      string // empty disables report files
}

// Monitor orchestrates runs. Measures and Renderer may be nil.
type Monitor struct {
	History  bnf.HistoryStore
	Runs     bnf.RunStore
	Fetcher  Fetcher
	Measures MeasureSource
	Renderer *report.Renderer
	Config   Config
	Logger   *zap.Logger

	now func() time.Time
}

// New creates a monitor. A nil logger discards output.
func New(history bnf.HistoryStore, runs bnf.RunStore, fetcher Fetcher, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		History: history,
		Runs:    runs,
		Fetcher: fetcher,
		Config:  cfg,
		Logger:  logger,
		now:     time.Now,
	}
}

// Outcome is a finished run with its in-memory results.
type Outcome struct {
	Run       bnf.Run
	Result    bnf.ComparisonResult
	Triggered []bnf.TestResult
	Passed    []bnf.TestResult
	Seeded    bool // history was empty; nothing compared
}

// Run processes one month. Once the run is recorded the outcome is returned
// with it, even when err is non-nil.
func (m *Monitor) Run(ctx context.Context, period bnf.Period) (*Outcome, error) {
	if period.IsZero() {
		return nil, fmt.Errorf("run: %w: no period", bnf.ErrInvalidPeriod)
	}
	exclusions, err := bnf.ParseExclusions(m.Config.ExcludeChapters)
	if err != nil {
		return nil, err
	}
	for _, entry := range exclusions.Inert {
		m.Logger.Warn("except entry has no effect", zap.String("entry", entry))
	}

	run := bnf.Run{
		ID:        uuid.NewString(),
		Period:    period,
		Status:    bnf.RunRunning,
		StartedAt: m.clock(),
	}
	if err := m.Runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run record: %w", err)
	}

	log := m.Logger.With(zap.String("run_id", run.ID), zap.String("period", period.String()))
	log.Info("run started")

	out, err := m.process(ctx, log, &run)
	if err != nil {
		run.Status = bnf.RunFailed
		run.Error = err.Error()
		log.Error("run failed", zap.Error(err))
	} else {
		run.Status = bnf.RunCompleted
	}
	completed := m.clock()
	run.CompletedAt = &completed

	if saveErr := m.Runs.SaveRun(ctx, run); saveErr != nil {
		log.Error("failed to update run record", zap.Error(saveErr))
		if err == nil {
			err = fmt.Errorf("failed to update run record: %w", saveErr)
		}
	}
	out.Run = run
	return out, err
}

func (m *Monitor) process(ctx context.Context, log *zap.Logger, run *bnf.Run) (*Outcome, error) {
	out := &Outcome{}

	latest, err := m.Fetcher.FetchPeriod(ctx, run.Period)
	if err != nil {
		return out, fmt.Errorf("fetch latest: %w", err)
	}
	if latest.Period.IsZero() {
		latest.Period = run.Period
	}

	existing, err := m.History.Existing(ctx, run.Period)
	if errors.Is(err, bnf.ErrNoHistory) {
		added, err := m.History.Merge(ctx, latest)
		if err != nil {
			return out, fmt.Errorf("seed history: %w", err)
		}
		log.Info("history seeded", zap.Int("records", latest.Len()), zap.Int("added", added))
		run.Summary = bnf.Summary{LatestRecords: latest.Len()}
		out.Seeded = true
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load history: %w", err)
	}

	result, err := bnf.Compare(existing, latest, m.Config.ExcludeChapters)
	if err != nil {
		return out, fmt.Errorf("compare: %w", err)
	}
	if !result.SubstancesCompared() {
		log.Warn("substance comparison skipped",
			zap.Bool("existing_has_substance", existing.Has(bnf.FieldSubstance)),
			zap.Bool("latest_has_substance", latest.Has(bnf.FieldSubstance)))
	}
	out.Result = result
	run.Summary = result.Summary()

	measures, err := m.loadMeasures(ctx, log)
	if err != nil {
		return out, err
	}
	newCodes := bnf.NewSnapshot(run.Period, result.NewCodes(), latest.Fields...)
	out.Triggered, out.Passed = bnf.EvaluateAll(measures, newCodes)
	for _, t := range out.Triggered {
		run.Triggered = append(run.Triggered, t.Measure)
	}

	if m.Renderer != nil && m.Config.ReportsDir != "" {
		paths, err := m.Renderer.WriteAll(m.Config.ReportsDir, result, out.Triggered)
		if err != nil {
			return out, fmt.Errorf("write reports: %w", err)
		}
		run.ReportPath = paths.Comparison
		run.TestReportPath = paths.Testing
	}

	added, err := m.History.Merge(ctx, latest)
	if err != nil {
		return out, fmt.Errorf("merge history: %w", err)
	}

	log.Info("run completed",
		zap.Int("new_codes", run.Summary.NewCodes),
		zap.Int("new_descriptions", run.Summary.NewDescriptions),
		zap.Int("new_substances", run.Summary.NewSubstances),
		zap.Int("description_changed_only", run.Summary.DescriptionChangedOnly),
		zap.Int("measures_triggered", len(out.Triggered)),
		zap.Int("history_added", added))
	return out, nil
}

func (m *Monitor) loadMeasures(ctx context.Context, log *zap.Logger) ([]bnf.Measure, error) {
	if m.Measures == nil {
		return nil, nil
	}
	res, err := m.Measures.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load measures: %w", err)
	}
	log.Info("measures loaded",
		zap.Int("measures", len(res.Measures)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("skipped", res.Skipped))
	return res.Measures, nil
}

// NextPeriod returns the month the next run should process: the oldest
// published month after the newest merged one, or the newest published
// month when history is empty. ok is false when there is nothing to do.
func (m *Monitor) NextPeriod(ctx context.Context) (p bnf.Period, ok bool, err error) {
	published, err := m.Fetcher.Periods(ctx)
	if err != nil {
		return bnf.Period{}, false, fmt.Errorf("list published periods: %w", err)
	}
	if len(published) == 0 {
		return bnf.Period{}, false, nil
	}
	merged, err := m.History.Periods(ctx)
	if err != nil {
		return bnf.Period{}, false, fmt.Errorf("list merged periods: %w", err)
	}
	if len(merged) == 0 {
		return published[len(published)-1], true, nil
	}
	last := merged[len(merged)-1]
	for _, candidate := range published {
		if candidate.After(last) {
			return candidate, true, nil
		}
	}
	return bnf.Period{}, false, nil
}

func (m *Monitor) clock() time.Time {
	if m.now == nil {
		return time.Now().UTC()
	}
	return m.now().UTC()
}
