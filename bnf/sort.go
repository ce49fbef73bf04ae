package bnf

import "slices"

// =============================================================================
// SORTER - Canonical order of records by hierarchy
// =============================================================================

// sortKey pairs a record with its transient decomposition.
type sortKey struct {
	record Record
	level  Hierarchy
	valid  bool
}

// Sort returns a new slice ordered by (chapter, section, paragraph,
// subparagraph), ascending. Ties keep their input order. The input slice is
// not modified.
//
// Records are expected to have validated codes. A code that cannot be
// decomposed sorts after every valid code, in input order.
func Sort(records []Record) []Record {
	keys := make([]sortKey, len(records))
	for i, r := range records {
		h, err := Decompose(r.Code)
		keys[i] = sortKey{record: r, level: h, valid: err == nil}
	}

	slices.SortStableFunc(keys, func(a, b sortKey) int {
		switch {
		case a.valid && b.valid:
			return a.level.Compare(b.level)
		case a.valid:
			return -1
		case b.valid:
			return 1
		default:
			return 0
		}
	})

	out := make([]Record, len(keys))
	for i, k := range keys {
		out[i] = k.record
	}
	return out
}

