/*
rule.go - Rule-based record filters for measure testing

PURPOSE:
  A measure definition names the BNF codes it counts. When new codes
  appear, each measure's rule is run against them: any match means the
  measure may need updating and the test is flagged as triggered.

RULE KINDS (a closed set):
  custom                       explicit include and exclude pattern lists
  numerator_bnf_codes_filter   one list; "~" marks exclusion, text after
                               "#" is an annotation, each entry is a prefix

PATTERNS:
  "%" matches any run of characters. Everything else is literal.
  Matching is unanchored containment against the code, so "0101%" also
  matches a code that merely contains "0101". The numerator filter appends
  "%" to each entry, which does not change containment semantics.

  A record matches a rule iff it matches any include pattern and no
  exclude pattern.

EXAMPLE:
  rule, _ := NewCodesFilterRule([]string{"0101%", "~010101% # antacids"})
  rule.Matches("0101020A0") // true
  rule.Matches("0101010A0") // false, excluded
  rule.Matches("0102010A0") // false, never included

SEE ALSO:
  - factory/measure.go: Builds rules from measure definition files
  - report/testing.go: Renders triggered and passed tests
*/
package bnf

import (
	"regexp"
	"strings"
)

// RuleKind tags the rule variant.
type RuleKind string

const (
	RuleKindCustom         RuleKind = "custom"
	RuleKindNumeratorCodes RuleKind = "numerator_bnf_codes_filter"
)

// Wildcard matches any run of characters in a pattern.
const Wildcard = "%"

// annotationMarker starts free text in a numerator filter entry.
const annotationMarker = "#"

// Rule decides whether a code belongs to a measure.
type Rule interface {
	Kind() RuleKind
	Matches(code string) bool
	isRule()
}

// =============================================================================
// PATTERN
// =============================================================================

// Pattern is a compiled wildcard pattern.
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// CompilePattern translates "%" to "any characters"; all other characters
// match literally.
func CompilePattern(source string) (Pattern, error) {
	parts := strings.Split(source, Wildcard)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile(strings.Join(parts, ".*"))
	if err != nil {
		return Pattern{}, &RuleError{Reason: "pattern " + source + ": " + err.Error()}
	}
	return Pattern{Source: source, re: re}, nil
}

// MatchString reports whether code contains a match.
func (p Pattern) MatchString(code string) bool {
	return p.re.MatchString(code)
}

func compileAll(sources []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(sources))
	for _, s := range sources {
		p, err := CompilePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func anyMatch(patterns []Pattern, code string) bool {
	for _, p := range patterns {
		if p.MatchString(code) {
			return true
		}
	}
	return false
}

// =============================================================================
// CUSTOM RULE
// =============================================================================

// CustomRule carries explicit include and exclude lists.
type CustomRule struct {
	Include []Pattern
	Exclude []Pattern
}

// NewCustomRule compiles both lists. Either list may be empty but both must
// be supplied; a nil list means the definition omitted it.
func NewCustomRule(include, exclude []string) (*CustomRule, error) {
	if include == nil || exclude == nil {
		return nil, &RuleError{Reason: "custom rule requires both include and exclude lists"}
	}
	inc, err := compileAll(include)
	if err != nil {
		return nil, err
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, err
	}
	return &CustomRule{Include: inc, Exclude: exc}, nil
}

func (r *CustomRule) Kind() RuleKind { return RuleKindCustom }

func (r *CustomRule) Matches(code string) bool {
	return anyMatch(r.Include, code) && !anyMatch(r.Exclude, code)
}

func (r *CustomRule) isRule() {}

// =============================================================================
// NUMERATOR CODES RULE
// =============================================================================

// CodesFilterRule is a single annotated list of prefixes.
type CodesFilterRule struct {
	Entries []string // as written in the definition
	Include []Pattern
	Exclude []Pattern
}

// NewCodesFilterRule parses entries such as "0212000B0%", "~0212000Y0 # statins".
func NewCodesFilterRule(entries []string) (*CodesFilterRule, error) {
	if entries == nil {
		return nil, &RuleError{Reason: "numerator_bnf_codes_filter rule requires a code list"}
	}
	r := &CodesFilterRule{Entries: entries}
	for _, raw := range entries {
		entry, _, _ := strings.Cut(raw, annotationMarker)
		entry = strings.TrimSpace(entry) + Wildcard

		negated := strings.HasPrefix(entry, ExceptMarker)
		if negated {
			entry = strings.TrimPrefix(entry, ExceptMarker)
		}
		p, err := CompilePattern(entry)
		if err != nil {
			return nil, err
		}
		if negated {
			r.Exclude = append(r.Exclude, p)
		} else {
			r.Include = append(r.Include, p)
		}
	}
	return r, nil
}

func (r *CodesFilterRule) Kind() RuleKind { return RuleKindNumeratorCodes }

func (r *CodesFilterRule) Matches(code string) bool {
	return anyMatch(r.Include, code) && !anyMatch(r.Exclude, code)
}

func (r *CodesFilterRule) isRule() {}

// =============================================================================
// FILTER & EVALUATE
// =============================================================================

// Filter returns the records matching rule, in input order.
func Filter(rule Rule, records []Record) []Record {
	out := make([]Record, 0)
	for _, rec := range records {
		if rule.Matches(rec.Code) {
			out = append(out, rec)
		}
	}
	return out
}

// Measure is a named rule with reviewer-facing comments.
type Measure struct {
	Name     string
	Comments string
	Rule     Rule
}

// Title is the measure's definition file name.
func (m Measure) Title() string { return m.Name + ".json" }

// TestResult is the outcome of running one measure against a snapshot.
type TestResult struct {
	Measure   string
	Title     string
	Comments  string
	Kind      RuleKind
	Matched   []Record
	Triggered bool
}

// Evaluate runs a measure's rule against the snapshot's records.
func Evaluate(m Measure, s Snapshot) TestResult {
	matched := Filter(m.Rule, s.Records)
	return TestResult{
		Measure:   m.Name,
		Title:     m.Title(),
		Comments:  m.Comments,
		Kind:      m.Rule.Kind(),
		Matched:   matched,
		Triggered: len(matched) > 0,
	}
}

// EvaluateAll runs every measure and splits the results.
func EvaluateAll(measures []Measure, s Snapshot) (triggered, passed []TestResult) {
	for _, m := range measures {
		res := Evaluate(m, s)
		if res.Triggered {
			triggered = append(triggered, res)
		} else {
			passed = append(passed, res)
		}
	}
	return triggered, passed
}
