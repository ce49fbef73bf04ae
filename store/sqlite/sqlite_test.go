package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func month(s string) bnf.Period { return bnf.MustParsePeriod(s) }

var withSubstance = []bnf.Field{bnf.FieldCode, bnf.FieldDescription, bnf.FieldSubstance}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_MergeAndExisting(t *testing.T) {
	// GIVEN: Two months merged, January adds one row
	ctx := context.Background()
	s := newStore(t)

	dec := bnf.NewSnapshot(month("202312"), []bnf.Record{
		{Code: "0101010A0", Description: "a", Substance: "x"},
	}, withSubstance...)
	jan := bnf.NewSnapshot(month("202401"), []bnf.Record{
		{Code: "0101010A0", Description: "a", Substance: "x"},
		{Code: "0101010B0", Description: "b", Substance: "y"},
	}, withSubstance...)

	added, err := s.Merge(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	added, err = s.Merge(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	// WHEN: Reading history before January
	existing, err := s.Existing(ctx, month("202401"))
	require.NoError(t, err)

	// THEN: Only December's row, substance carried
	require.Len(t, existing.Records, 1)
	assert.Equal(t, "0101010A0", existing.Records[0].Code)
	assert.Equal(t, "x", existing.Records[0].Substance)
	assert.True(t, existing.Has(bnf.FieldSubstance))
	assert.Equal(t, month("202312"), existing.Period)

	existing, err = s.Existing(ctx, month("202402"))
	require.NoError(t, err)
	assert.Equal(t, []string{"0101010A0", "0101010B0"}, []string{existing.Records[0].Code, existing.Records[1].Code})
}

func TestHistory_MergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	snap := bnf.NewSnapshot(month("202401"), []bnf.Record{{Code: "0101010A0", Description: "a"}})

	first, err := s.Merge(ctx, snap)
	require.NoError(t, err)
	second, err := s.Merge(ctx, snap)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)

	periods, err := s.Periods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bnf.Period{month("202401")}, periods)
}

func TestHistory_SubstanceDroppedWhenAnyMergeLacksIt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Merge(ctx, bnf.NewSnapshot(month("202311"), []bnf.Record{{Code: "0101010A0", Description: "a", Substance: "x"}}, withSubstance...))
	require.NoError(t, err)
	_, err = s.Merge(ctx, bnf.NewSnapshot(month("202312"), []bnf.Record{{Code: "0101010B0", Description: "b"}}))
	require.NoError(t, err)

	existing, err := s.Existing(ctx, month("202401"))
	require.NoError(t, err)
	assert.False(t, existing.Has(bnf.FieldSubstance))
}

func TestHistory_NoHistory(t *testing.T) {
	_, err := newStore(t).Existing(context.Background(), month("202401"))
	assert.ErrorIs(t, err, bnf.ErrNoHistory)
}

func TestHistory_MergeRejectsZeroPeriod(t *testing.T) {
	_, err := newStore(t).Merge(context.Background(), bnf.Snapshot{})
	assert.ErrorIs(t, err, bnf.ErrInvalidPeriod)
}

// =============================================================================
// RUNS
// =============================================================================

func TestRuns_SaveUpdateAndList(t *testing.T) {
	// GIVEN: A run saved while running
	ctx := context.Background()
	s := newStore(t)
	started := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)

	run := bnf.Run{ID: "r1", Period: month("202401"), Status: bnf.RunRunning, StartedAt: started}
	require.NoError(t, s.SaveRun(ctx, run))

	// WHEN: It completes
	done := started.Add(time.Minute)
	run.Status = bnf.RunCompleted
	run.CompletedAt = &done
	run.Triggered = []string{"statins"}
	run.ReportPath = "reports/202401.html"
	run.Summary = bnf.Summary{NewCodes: 2, NewCodeCost: decimal.RequireFromString("10.50"), SubstancesCompared: true}
	require.NoError(t, s.SaveRun(ctx, run))

	// THEN: The stored run reflects the update
	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, bnf.RunCompleted, got.Status)
	assert.Equal(t, []string{"statins"}, got.Triggered)
	assert.Equal(t, "reports/202401.html", got.ReportPath)
	assert.Equal(t, 2, got.Summary.NewCodes)
	assert.True(t, got.Summary.NewCodeCost.Equal(decimal.RequireFromString("10.5")))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))

	completed, err := s.IsPeriodCompleted(ctx, month("202401"))
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestRuns_ListNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveRun(ctx, bnf.Run{
			ID: id, Period: month("202401"), Status: bnf.RunFailed, Error: "boom",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Equal(t, "boom", runs[0].Error)

	completed, err := s.IsPeriodCompleted(ctx, month("202401"))
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestRuns_ListOrdersSubSecondStarts(t *testing.T) {
	// GIVEN: Two runs started within the same second, the earlier on a whole second
	ctx := context.Background()
	s := newStore(t)
	whole := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	later := whole.Add(500 * time.Millisecond)

	require.NoError(t, s.SaveRun(ctx, bnf.Run{ID: "whole", Period: month("202401"), Status: bnf.RunRunning, StartedAt: whole}))
	require.NoError(t, s.SaveRun(ctx, bnf.Run{ID: "later", Period: month("202401"), Status: bnf.RunRunning, StartedAt: later}))

	// WHEN: Runs are listed
	runs, err := s.ListRuns(ctx, 0)

	// THEN: The later start comes first and start times survive the round trip
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "later", runs[0].ID)
	assert.Equal(t, "whole", runs[1].ID)

	got, err := s.GetRun(ctx, "later")
	require.NoError(t, err)
	assert.True(t, got.StartedAt.Equal(later))
}

func TestRuns_GetMissing(t *testing.T) {
	_, err := newStore(t).GetRun(context.Background(), "nope")
	assert.True(t, bnf.IsNotFound(err))
}
