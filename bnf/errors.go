/*
errors.go - Centralized error types for the comparison engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers (monitor, api, cmd) wrap these with additional context.

ERROR CATEGORIES:
  1. Usage errors - Missing fields, short codes, malformed exclusions/rules.
     Fatal, surfaced at the point data is accepted.
  2. Not found - Unknown runs, empty history.
  3. Upstream errors - Open data fetch failures after retries.

  Soft conditions (substance field absent) are NOT errors. Compare reports
  them through ComparisonResult.SubstancesCompared().

USAGE:
  if errors.Is(err, bnf.ErrMissingField) {
      var mf *bnf.MissingFieldError
      errors.As(err, &mf)
      ...
  }

SEE ALSO:
  - snapshot.go: Snapshot validation
  - exclude.go: Exclusion parsing
  - rule.go: Rule construction
*/
package bnf

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingField is returned when a snapshot lacks a required field.
	ErrMissingField = errors.New("required field missing")

	// ErrShortCode is returned when a code is too short to decompose.
	ErrShortCode = errors.New("code shorter than 7 characters")

	// ErrInvalidExclusion is returned for an exclusion entry that is not a
	// 2 or 4 character prefix.
	ErrInvalidExclusion = errors.New("invalid exclusion prefix")

	// ErrMalformedRule is returned when a rule lacks the data its kind requires.
	ErrMalformedRule = errors.New("malformed rule")

	// ErrUnknownRuleKind is returned for a rule kind other than custom or
	// numerator_bnf_codes_filter.
	ErrUnknownRuleKind = errors.New("unknown rule kind")

	// ErrInvalidPeriod is returned when a period string is not YYYYMM.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrRunNotFound is returned when a referenced run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrNoHistory is returned when no existing snapshot has been recorded yet.
	ErrNoHistory = errors.New("no history recorded")

	// ErrFetchFailed is returned when one or more monthly partitions could not
	// be retrieved after retries.
	ErrFetchFailed = errors.New("fetch failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingFieldError names the snapshot and the field it lacks.
type MissingFieldError struct {
	Snapshot string // "existing", "latest", or a period label
	Field    Field
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s snapshot: required field %s missing", e.Snapshot, e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// InvalidCodeError reports a code that cannot be decomposed.
type InvalidCodeError struct {
	Code  string
	Index int // row index within the snapshot, -1 when not applicable
}

func (e *InvalidCodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid code %q: need at least %d characters", e.Code, CodeLength)
	}
	return fmt.Sprintf("row %d: invalid code %q: need at least %d characters", e.Index, e.Code, CodeLength)
}

func (e *InvalidCodeError) Unwrap() error {
	return ErrShortCode
}

// InvalidExclusionError reports a rejected exclusion entry.
type InvalidExclusionError struct {
	Entry  string
	Reason string
}

func (e *InvalidExclusionError) Error() string {
	return fmt.Sprintf("exclusion %q: %s", e.Entry, e.Reason)
}

func (e *InvalidExclusionError) Unwrap() error {
	return ErrInvalidExclusion
}

// RuleError reports why a rule definition was rejected.
type RuleError struct {
	Measure string
	Reason  string
	Err     error // ErrMalformedRule or ErrUnknownRuleKind
}

func (e *RuleError) Error() string {
	if e.Measure == "" {
		return fmt.Sprintf("rule: %s", e.Reason)
	}
	return fmt.Sprintf("measure %s: %s", e.Measure, e.Reason)
}

func (e *RuleError) Unwrap() error {
	if e.Err == nil {
		return ErrMalformedRule
	}
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsUsageError returns true if the error is due to invalid caller input.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrShortCode) ||
		errors.Is(err, ErrInvalidExclusion) ||
		errors.Is(err, ErrMalformedRule) ||
		errors.Is(err, ErrUnknownRuleKind) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrNoHistory)
}
