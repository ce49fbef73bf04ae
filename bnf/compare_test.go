package bnf_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprescribing/bnfwatch/bnf"
)

var jan2024 = bnf.MustParsePeriod("202401")

func snapshot(records ...bnf.Record) bnf.Snapshot {
	return bnf.NewSnapshot(jan2024, records)
}

func substanceSnapshot(records ...bnf.Record) bnf.Snapshot {
	return bnf.NewSnapshot(jan2024, records, bnf.FieldCode, bnf.FieldDescription, bnf.FieldSubstance)
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestCompare_NewCodeAppearsInCodesAndDescriptions(t *testing.T) {
	// GIVEN: Aspirin already seen, paracetamol new this month
	existing := snapshot(rec("0101010A0", "Aspirin 75mg"))
	latest := snapshot(rec("0101010A0", "Aspirin 75mg"), rec("0101010B0", "Paracetamol 500mg"))

	// WHEN: Comparing
	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	// THEN: Paracetamol is new by code and by description, nothing changed-only
	want := []bnf.Record{rec("0101010B0", "Paracetamol 500mg")}
	if diff := cmp.Diff(want, result.NewCodes(), recordCmp); diff != "" {
		t.Errorf("NewCodes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, result.NewDescriptions(), recordCmp); diff != "" {
		t.Errorf("NewDescriptions (-want +got):\n%s", diff)
	}
	assert.Empty(t, result.DescriptionChangedOnly())
	assert.False(t, result.SubstancesCompared())
	assert.Empty(t, result.NewSubstances())
}

func TestCompare_RenamedCodeIsDescriptionChangedOnly(t *testing.T) {
	// GIVEN: Same code, new wording
	existing := snapshot(rec("0101010A0", "Aspirin 75mg"))
	latest := snapshot(rec("0101010A0", "Aspirin 75mg dispersible"))

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	assert.Empty(t, result.NewCodes())
	assert.Equal(t, []string{"0101010A0"}, codesOf(result.NewDescriptions()))
	assert.Equal(t, []string{"0101010A0"}, codesOf(result.DescriptionChangedOnly()))
}

func TestCompare_NewCodeWithKnownDescriptionIsInSymmetricDifference(t *testing.T) {
	// GIVEN: A product moved to a new code, keeping its description verbatim
	existing := snapshot(rec("0101010A0", "Aspirin 75mg"))
	latest := snapshot(rec("0101020A0", "Aspirin 75mg"))

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"0101020A0"}, codesOf(result.NewCodes()))
	assert.Empty(t, result.NewDescriptions())
	assert.Equal(t, []string{"0101020A0"}, codesOf(result.DescriptionChangedOnly()))
}

func TestCompare_ResultsAreSorted(t *testing.T) {
	existing := snapshot(rec("0101010A0", "Known"))
	latest := snapshot(
		rec("1305020C0", "Zinc paste"),
		rec("0407010F0", "Codeine"),
		rec("0101010A0", "Known"),
		rec("0212000B0", "Atorvastatin"),
	)

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"0212000B0", "0407010F0", "1305020C0"}, codesOf(result.NewCodes()))
	assert.Equal(t, []string{"0212000B0", "0407010F0", "1305020C0"}, codesOf(result.NewDescriptions()))
}

// =============================================================================
// SET LAWS
// =============================================================================

func TestCompare_IdenticalSnapshotsYieldNothing(t *testing.T) {
	records := []bnf.Record{rec("0101010A0", "a"), rec("0202010B0", "b")}

	result, err := bnf.Compare(snapshot(records...), snapshot(records...), nil)
	require.NoError(t, err)

	assert.True(t, result.IsEmpty())
}

func TestCompare_NewCodesSubsetOfLatest(t *testing.T) {
	latest := snapshot(rec("0101010A0", "a"), rec("0101010B0", "b"), rec("0202010A0", "c"))
	existing := snapshot(rec("0101010A0", "a"))

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	for _, r := range result.NewCodes() {
		assert.Contains(t, latest.Records, r)
	}
}

func TestCompare_DuplicateExistingRowsDoNotChangeResult(t *testing.T) {
	latest := snapshot(rec("0101010A0", "a"), rec("0101010B0", "b"))
	plain := snapshot(rec("0101010A0", "a"))
	duplicated := snapshot(rec("0101010A0", "a"), rec("0101010A0", "a"), rec("0101010A0", "a"))

	r1, err := bnf.Compare(plain, latest, nil)
	require.NoError(t, err)
	r2, err := bnf.Compare(duplicated, latest, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(r1.NewCodes(), r2.NewCodes(), recordCmp); diff != "" {
		t.Errorf("duplicates changed NewCodes (-plain +dup):\n%s", diff)
	}
	if diff := cmp.Diff(r1.DescriptionChangedOnly(), r2.DescriptionChangedOnly(), recordCmp); diff != "" {
		t.Errorf("duplicates changed DescriptionChangedOnly (-plain +dup):\n%s", diff)
	}
}

func TestCompare_LatestNotDeduplicated(t *testing.T) {
	latest := snapshot(rec("0101010B0", "b"), rec("0101010B0", "b"))

	result, err := bnf.Compare(snapshot(), latest, nil)
	require.NoError(t, err)

	assert.Len(t, result.NewCodes(), 2)
}

func TestCompare_DescriptionChangedOnlyIsASetOfRows(t *testing.T) {
	// GIVEN: The same moved row twice in latest
	existing := snapshot(rec("0101010A0", "X"))
	latest := snapshot(rec("0101010B0", "X"), rec("0101010B0", "X"))

	// WHEN: Comparing
	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	// THEN: New codes keep both rows, the symmetric difference holds one
	assert.Len(t, result.NewCodes(), 2)
	assert.Equal(t, []string{"0101010B0"}, codesOf(result.DescriptionChangedOnly()))
	assert.Equal(t, 1, result.Summary().DescriptionChangedOnly)
}

func TestCompare_EmptyLatest(t *testing.T) {
	result, err := bnf.Compare(snapshot(rec("0101010A0", "a")), snapshot(), nil)
	require.NoError(t, err)

	assert.True(t, result.IsEmpty())
	assert.Equal(t, 0, result.Summary().LatestRecords)
}

func TestCompare_EmptyExistingMakesEverythingNew(t *testing.T) {
	latest := snapshot(rec("0101010A0", "a"), rec("0101010B0", "b"))

	result, err := bnf.Compare(snapshot(), latest, nil)
	require.NoError(t, err)

	assert.Len(t, result.NewCodes(), 2)
	assert.Len(t, result.NewDescriptions(), 2)
	assert.Empty(t, result.DescriptionChangedOnly())
}

func TestCompare_DoesNotMutateInputs(t *testing.T) {
	existing := snapshot(rec("0101010A0", "a"), rec("0101010A0", "a"))
	latest := snapshot(rec("0201010A0", "c"), rec("0101010B0", "b"))
	existingBefore := append([]bnf.Record(nil), existing.Records...)
	latestBefore := append([]bnf.Record(nil), latest.Records...)

	result, err := bnf.Compare(existing, latest, []string{"02"})
	require.NoError(t, err)

	assert.Equal(t, existingBefore, existing.Records)
	assert.Equal(t, latestBefore, latest.Records)

	// Accessors hand out copies
	codes := result.NewCodes()
	codes[0].Code = "tampered"
	assert.NotEqual(t, "tampered", result.NewCodes()[0].Code)
}

// =============================================================================
// SUBSTANCES
// =============================================================================

func TestCompare_NewSubstances(t *testing.T) {
	existing := substanceSnapshot(withSubstance("0101010A0", "Aspirin 75mg", "Aspirin"))
	latest := substanceSnapshot(
		withSubstance("0101010A0", "Aspirin 300mg", "Aspirin"),
		withSubstance("0101010B0", "Paracetamol 500mg", "Paracetamol"),
	)

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	assert.True(t, result.SubstancesCompared())
	assert.Equal(t, []string{"0101010B0"}, codesOf(result.NewSubstances()))
}

func TestCompare_SubstanceSkippedWhenEitherSideLacksField(t *testing.T) {
	existing := snapshot(rec("0101010A0", "Aspirin 75mg"))
	latest := substanceSnapshot(withSubstance("0101010B0", "Paracetamol 500mg", "Paracetamol"))

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	assert.False(t, result.SubstancesCompared())
	assert.Empty(t, result.NewSubstances())
	assert.Len(t, result.NewCodes(), 1)
}

// =============================================================================
// EXCLUSIONS
// =============================================================================

func TestCompare_ExclusionsApplyToBothSides(t *testing.T) {
	// GIVEN: Chapter 02 excluded, except section 0201
	existing := snapshot(rec("0205010A0", "old in excluded chapter"))
	latest := snapshot(
		rec("0101010A0", "new ch01"),
		rec("0205010A0", "renamed in excluded chapter"),
		rec("0201010A0", "new in kept section"),
	)

	result, err := bnf.Compare(existing, latest, []string{"02", "~0201"})
	require.NoError(t, err)

	assert.Equal(t, []string{"0101010A0", "0201010A0"}, codesOf(result.NewCodes()))
	assert.Empty(t, result.DescriptionChangedOnly())
}

func TestCompare_ExclusionHidesExistingToo(t *testing.T) {
	// An excluded existing row cannot mask a kept latest row with the same
	// description.
	existing := snapshot(rec("0201010A0", "Shared"))
	latest := snapshot(rec("0101010A0", "Shared"))

	result, err := bnf.Compare(existing, latest, []string{"02"})
	require.NoError(t, err)

	assert.Equal(t, []string{"0101010A0"}, codesOf(result.NewDescriptions()))
}

// =============================================================================
// USAGE ERRORS
// =============================================================================

func TestCompare_MissingFieldFailsFast(t *testing.T) {
	existing := bnf.Snapshot{Fields: []bnf.Field{bnf.FieldCode}}
	latest := snapshot(rec("0101010A0", "a"))

	_, err := bnf.Compare(existing, latest, nil)

	require.Error(t, err)
	var mf *bnf.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "existing", mf.Snapshot)
	assert.Equal(t, bnf.FieldDescription, mf.Field)
	assert.True(t, bnf.IsUsageError(err))
}

func TestCompare_ShortCodeFailsFast(t *testing.T) {
	latest := snapshot(rec("0101", "short"))

	_, err := bnf.Compare(snapshot(), latest, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, bnf.ErrShortCode))
	var invalid *bnf.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, invalid.Index)
}

func TestCompare_MalformedExclusionFailsFast(t *testing.T) {
	_, err := bnf.Compare(snapshot(), snapshot(), []string{"020"})
	assert.True(t, errors.Is(err, bnf.ErrInvalidExclusion))
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestCompare_SummaryTotalsNewCodeCost(t *testing.T) {
	latest := bnf.NewSnapshot(jan2024, []bnf.Record{
		{Code: "0101010A0", Description: "known", Items: 100, Cost: decimal.RequireFromString("10.50")},
		{Code: "0101010B0", Description: "new b", Items: 3, Cost: decimal.RequireFromString("1.10")},
		{Code: "0101010C0", Description: "new c", Items: 2, Cost: decimal.RequireFromString("0.20")},
	}, bnf.FieldCode, bnf.FieldDescription, bnf.FieldItems, bnf.FieldCost)
	existing := snapshot(rec("0101010A0", "known"))

	result, err := bnf.Compare(existing, latest, nil)
	require.NoError(t, err)

	s := result.Summary()
	assert.Equal(t, 2, s.NewCodes)
	assert.Equal(t, int64(5), s.NewCodeItems)
	assert.True(t, s.NewCodeCost.Equal(decimal.RequireFromString("1.30")), s.NewCodeCost.String())
	assert.Equal(t, 3, s.LatestRecords)
	assert.Equal(t, 1, s.ExistingRecords)
}
