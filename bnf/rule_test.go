package bnf_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprescribing/bnfwatch/bnf"
)

func recordsFor(codes ...string) []bnf.Record {
	out := make([]bnf.Record, len(codes))
	for i, c := range codes {
		out[i] = rec(c, "desc "+c)
	}
	return out
}

// =============================================================================
// PATTERNS
// =============================================================================

func TestPattern_WildcardAndContainment(t *testing.T) {
	tests := []struct {
		pattern string
		code    string
		want    bool
	}{
		{"0101%", "0101010A0", true},
		{"0101%", "0202020A0", false},
		{"0101%", "0201010A0", true}, // matches at offset 2
		{"%10A0", "0101010A0", true},
		{"0101%A0", "0101010A0", true},
		{"1010", "0101010A0", true},  // unanchored containment
		{"01.1", "0101010A0", false}, // "." is literal
		{"01.1", "01.1", true},
		{"%", "anything", true},
	}
	for _, tt := range tests {
		p, err := bnf.CompilePattern(tt.pattern)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.MatchString(tt.code), "%s ~ %s", tt.pattern, tt.code)
	}
}

// =============================================================================
// CODES FILTER RULE
// =============================================================================

func TestCodesFilterRule_IncludeExceptSubPrefix(t *testing.T) {
	// GIVEN: chapter 0101 included, sub-prefix 010101 excluded
	rule, err := bnf.NewCodesFilterRule([]string{"0101%", "~010101%"})
	require.NoError(t, err)

	// WHEN: Filtering three codes
	got := bnf.Filter(rule, recordsFor("0101010A0", "0101020A0", "0102010A0"))

	// THEN: Only the included, non-excluded code remains
	assert.Equal(t, []string{"0101020A0"}, codesOf(got))
}

func TestCodesFilterRule_StripsAnnotations(t *testing.T) {
	rule, err := bnf.NewCodesFilterRule([]string{
		"0212000B0 # Atorvastatin",
		"0212000Y0#Rosuvastatin",
		"~0212000B0AAAB # 80mg excluded",
	})
	require.NoError(t, err)

	assert.True(t, rule.Matches("0212000B0AAAAAA"))
	assert.True(t, rule.Matches("0212000Y0AAADAD"))
	assert.False(t, rule.Matches("0212000B0AAABAB"))
	assert.False(t, rule.Matches("0212000AAAAAAAA"))
	assert.Equal(t, bnf.RuleKindNumeratorCodes, rule.Kind())
}

func TestCodesFilterRule_EntriesArePrefixesWithImplicitWildcard(t *testing.T) {
	rule, err := bnf.NewCodesFilterRule([]string{"0407"})
	require.NoError(t, err)

	assert.Len(t, rule.Include, 1)
	assert.Equal(t, "0407%", rule.Include[0].Source)
	assert.True(t, rule.Matches("0407010F0"))
}

func TestCodesFilterRule_NilListIsMalformed(t *testing.T) {
	_, err := bnf.NewCodesFilterRule(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bnf.ErrMalformedRule))
}

func TestCodesFilterRule_OnlyExclusionsMatchNothing(t *testing.T) {
	rule, err := bnf.NewCodesFilterRule([]string{"~0101%"})
	require.NoError(t, err)

	assert.Empty(t, bnf.Filter(rule, recordsFor("0101010A0", "0201010A0")))
}

// =============================================================================
// CUSTOM RULE
// =============================================================================

func TestCustomRule_IncludeAndNotExclude(t *testing.T) {
	rule, err := bnf.NewCustomRule([]string{"0403%", "0404%"}, []string{"040301%"})
	require.NoError(t, err)

	got := bnf.Filter(rule, recordsFor("0403010A0", "0403030Q0", "0404000M0", "0405010A0"))

	assert.Equal(t, []string{"0403030Q0", "0404000M0"}, codesOf(got))
	assert.Equal(t, bnf.RuleKindCustom, rule.Kind())
}

func TestCustomRule_EmptyExcludeAllowed(t *testing.T) {
	rule, err := bnf.NewCustomRule([]string{"0403%"}, []string{})
	require.NoError(t, err)

	assert.True(t, rule.Matches("0403010A0"))
}

func TestCustomRule_MissingListIsMalformed(t *testing.T) {
	_, err := bnf.NewCustomRule([]string{"0403%"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bnf.ErrMalformedRule))
	assert.True(t, bnf.IsUsageError(err))

	_, err = bnf.NewCustomRule(nil, []string{})
	assert.True(t, errors.Is(err, bnf.ErrMalformedRule))
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_TriggeredWhenAnythingMatches(t *testing.T) {
	rule, err := bnf.NewCodesFilterRule([]string{"0212%"})
	require.NoError(t, err)
	m := bnf.Measure{Name: "statins", Comments: "check new statins", Rule: rule}

	hit := bnf.Evaluate(m, snapshot(recordsFor("0212000B0", "0101010A0")...))
	miss := bnf.Evaluate(m, snapshot(recordsFor("0101010A0")...))

	assert.True(t, hit.Triggered)
	assert.Equal(t, "statins.json", hit.Title)
	assert.Equal(t, []string{"0212000B0"}, codesOf(hit.Matched))
	assert.False(t, miss.Triggered)
	assert.Empty(t, miss.Matched)
}

func TestEvaluateAll_SplitsTriggeredAndPassed(t *testing.T) {
	statins, _ := bnf.NewCodesFilterRule([]string{"0212%"})
	opioids, _ := bnf.NewCustomRule([]string{"0407%"}, []string{})
	measures := []bnf.Measure{
		{Name: "statins", Rule: statins},
		{Name: "opioids", Rule: opioids},
	}

	triggered, passed := bnf.EvaluateAll(measures, snapshot(recordsFor("0407010F0")...))

	require.Len(t, triggered, 1)
	require.Len(t, passed, 1)
	assert.Equal(t, "opioids", triggered[0].Measure)
	assert.Equal(t, "statins", passed[0].Measure)
}
