/*
compare.go - Snapshot comparison

PURPOSE:
  Computes what is new in latest relative to existing. Compare is a pure
  function returning an immutable ComparisonResult; nothing is computed
  lazily and the inputs are never modified.

PIPELINE:
  1. Validate both snapshots (required fields, code length)
  2. Deduplicate existing by (code, description). Latest is kept as-is.
  3. Apply the exclusion list to both sides
  4. New codes:        latest rows whose code never appears in existing
  5. New descriptions: latest rows whose description never appears in existing
  6. New substances:   same over substance, only if both sides carry it
  7. Description-changed-only: rows in exactly one of (4) and (5), as a
     set of whole rows (a duplicated row appears once)

  Every result set is returned in canonical hierarchy order (sort.go).

EXAMPLE:
  existing: 0101010A0 "Aspirin 75mg"
  latest:   0101010A0 "Aspirin 75mg", 0101010B0 "Paracetamol 500mg"

  NewCodes               = [0101010B0 "Paracetamol 500mg"]
  NewDescriptions        = [0101010B0 "Paracetamol 500mg"]
  DescriptionChangedOnly = []

  Had latest carried 0101010A0 "Aspirin 75mg dispersible" instead, that row
  would be a new description on an old code, so it lands in
  DescriptionChangedOnly only.

SEE ALSO:
  - exclude.go: The exclusion predicate
  - sort.go: Result ordering
*/
package bnf

import (
	"slices"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPARISON RESULT
// =============================================================================

// ComparisonResult holds the four result sets. Accessors return copies.
type ComparisonResult struct {
	period             Period
	newCodes           []Record
	newDescriptions    []Record
	newSubstances      []Record
	descChangedOnly    []Record
	substancesCompared bool
	latestCount        int
	existingCount      int
}

// Period is the latest snapshot's period.
func (r ComparisonResult) Period() Period { return r.period }

// NewCodes returns latest rows whose code is not in existing.
func (r ComparisonResult) NewCodes() []Record { return clone(r.newCodes) }

// NewDescriptions returns latest rows whose description is not in existing.
func (r ComparisonResult) NewDescriptions() []Record { return clone(r.newDescriptions) }

// NewSubstances returns latest rows whose substance is not in existing. It
// is empty when SubstancesCompared is false.
func (r ComparisonResult) NewSubstances() []Record { return clone(r.newSubstances) }

// DescriptionChangedOnly returns rows that are new by description but not
// by code, plus rows new by code whose description already existed.
func (r ComparisonResult) DescriptionChangedOnly() []Record { return clone(r.descChangedOnly) }

// SubstancesCompared reports whether both snapshots carried the substance field.
func (r ComparisonResult) SubstancesCompared() bool { return r.substancesCompared }

// IsEmpty reports whether nothing new was found.
func (r ComparisonResult) IsEmpty() bool {
	return len(r.newCodes) == 0 && len(r.newDescriptions) == 0 &&
		len(r.newSubstances) == 0 && len(r.descChangedOnly) == 0
}

// Summary holds counts and totals for reporting.
type Summary struct {
	ExistingRecords        int
	LatestRecords          int
	NewCodes               int
	NewDescriptions        int
	NewSubstances          int
	DescriptionChangedOnly int
	SubstancesCompared     bool
	NewCodeItems           int64
	NewCodeCost            decimal.Decimal
}

// Summary computes counts, and the prescribing totals of the new codes.
func (r ComparisonResult) Summary() Summary {
	s := Summary{
		ExistingRecords:        r.existingCount,
		LatestRecords:          r.latestCount,
		NewCodes:               len(r.newCodes),
		NewDescriptions:        len(r.newDescriptions),
		NewSubstances:          len(r.newSubstances),
		DescriptionChangedOnly: len(r.descChangedOnly),
		SubstancesCompared:     r.substancesCompared,
		NewCodeCost:            decimal.Zero,
	}
	for _, rec := range r.newCodes {
		s.NewCodeItems += rec.Items
		s.NewCodeCost = s.NewCodeCost.Add(rec.Cost)
	}
	return s
}

// =============================================================================
// COMPARE
// =============================================================================

// Compare diffs latest against existing. excludeChapters may be nil.
// Usage errors (missing fields, short codes, malformed exclusions) are
// returned before any comparison is made.
func Compare(existing, latest Snapshot, excludeChapters []string) (ComparisonResult, error) {
	if err := existing.Validate("existing"); err != nil {
		return ComparisonResult{}, err
	}
	if err := latest.Validate("latest"); err != nil {
		return ComparisonResult{}, err
	}
	exclusions, err := ParseExclusions(excludeChapters)
	if err != nil {
		return ComparisonResult{}, err
	}
	return compare(existing, latest, exclusions), nil
}

// CompareWith is Compare with an already parsed exclusion list.
func CompareWith(existing, latest Snapshot, exclusions Exclusions) (ComparisonResult, error) {
	if err := existing.Validate("existing"); err != nil {
		return ComparisonResult{}, err
	}
	if err := latest.Validate("latest"); err != nil {
		return ComparisonResult{}, err
	}
	return compare(existing, latest, exclusions), nil
}

// compare assumes validated input.
func compare(existing, latest Snapshot, exclusions Exclusions) ComparisonResult {
	existing = exclusions.Apply(Deduplicate(existing))
	latest = exclusions.Apply(latest)

	result := ComparisonResult{
		period:             latest.Period,
		substancesCompared: existing.Has(FieldSubstance) && latest.Has(FieldSubstance),
		latestCount:        latest.Len(),
		existingCount:      existing.Len(),
	}
	if latest.Len() == 0 {
		return result
	}

	codes := make(map[string]struct{}, existing.Len())
	descriptions := make(map[string]struct{}, existing.Len())
	substances := make(map[string]struct{})
	for _, r := range existing.Records {
		codes[r.Code] = struct{}{}
		descriptions[r.Description] = struct{}{}
		if result.substancesCompared {
			substances[r.Substance] = struct{}{}
		}
	}

	var newCodes, newDescriptions, newSubstances, changed []Record
	for _, r := range latest.Records {
		_, knownCode := codes[r.Code]
		_, knownDescription := descriptions[r.Description]
		if !knownCode {
			newCodes = append(newCodes, r)
		}
		if !knownDescription {
			newDescriptions = append(newDescriptions, r)
		}
		// Symmetric difference of the two sets above; a row is kept once.
		if knownCode != knownDescription && !slices.ContainsFunc(changed, r.Equal) {
			changed = append(changed, r)
		}
		if result.substancesCompared {
			if _, ok := substances[r.Substance]; !ok {
				newSubstances = append(newSubstances, r)
			}
		}
	}

	result.newCodes = Sort(newCodes)
	result.newDescriptions = Sort(newDescriptions)
	result.newSubstances = Sort(newSubstances)
	result.descChangedOnly = Sort(changed)
	return result
}

func clone(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
