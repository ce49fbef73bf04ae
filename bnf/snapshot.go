/*
snapshot.go - Records and snapshots

PURPOSE:
  A Snapshot is one extract of the dataset: an ordered collection of
  records plus the set of fields (columns) it carries. Existing is the
  accumulated history before the current period; latest is the period
  being checked.

FIELDS:
  BNF_CODE and BNF_DESCRIPTION are required wherever a snapshot is
  compared. CHEMICAL_SUBSTANCE_BNF_DESCR is optional; when either side
  lacks it the substance comparison is skipped. ITEMS and NIC are
  optional prescribing totals used only for report summaries.

IMMUTABILITY:
  Nothing in this package modifies a snapshot's Records slice. Functions
  that filter or reorder return new slices.

SEE ALSO:
  - compare.go: Uses Validate and Deduplicate
  - opendata/client.go: Builds snapshots with SnapshotFromRows
*/
package bnf

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELDS
// =============================================================================

// Field is a column name in the published dataset.
type Field string

const (
	FieldCode        Field = "BNF_CODE"
	FieldDescription Field = "BNF_DESCRIPTION"
	FieldSubstance   Field = "CHEMICAL_SUBSTANCE_BNF_DESCR"
	FieldItems       Field = "ITEMS"
	FieldCost        Field = "NIC"
)

// RequiredFields must be present on both sides of a comparison.
var RequiredFields = []Field{FieldCode, FieldDescription}

// =============================================================================
// RECORD
// =============================================================================

// Record is one row of a snapshot.
type Record struct {
	Code        string
	Description string
	Substance   string
	Items       int64
	Cost        decimal.Decimal // net ingredient cost, GBP
}

// Equal compares whole rows.
func (r Record) Equal(other Record) bool {
	return r.Code == other.Code &&
		r.Description == other.Description &&
		r.Substance == other.Substance &&
		r.Items == other.Items &&
		r.Cost.Equal(other.Cost)
}

// Hierarchy decomposes the record's code.
func (r Record) Hierarchy() (Hierarchy, error) {
	return Decompose(r.Code)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot holds the records of one extract.
type Snapshot struct {
	Period  Period
	Fields  []Field
	Records []Record
}

// NewSnapshot builds a snapshot. With no fields given, the snapshot carries
// the required fields only.
func NewSnapshot(period Period, records []Record, fields ...Field) Snapshot {
	if len(fields) == 0 {
		fields = slices.Clone(RequiredFields)
	}
	return Snapshot{Period: period, Fields: fields, Records: records}
}

// Has reports whether the snapshot carries field f.
func (s Snapshot) Has(f Field) bool {
	return slices.Contains(s.Fields, f)
}

// Len returns the number of records.
func (s Snapshot) Len() int { return len(s.Records) }

// Validate checks the required fields and every code. label names the
// snapshot in error messages.
func (s Snapshot) Validate(label string) error {
	for _, f := range RequiredFields {
		if !s.Has(f) {
			return &MissingFieldError{Snapshot: label, Field: f}
		}
	}
	for i, r := range s.Records {
		if len(r.Code) < CodeLength {
			return fmt.Errorf("%s snapshot: %w", label, &InvalidCodeError{Code: r.Code, Index: i})
		}
	}
	return nil
}

// with returns a copy of s carrying other records.
func (s Snapshot) with(records []Record) Snapshot {
	return Snapshot{Period: s.Period, Fields: s.Fields, Records: records}
}

// Deduplicate returns a snapshot in which rows sharing a (code, description)
// pair collapse to their first occurrence.
func Deduplicate(s Snapshot) Snapshot {
	type pair struct{ code, description string }
	seen := make(map[pair]struct{}, len(s.Records))
	out := make([]Record, 0, len(s.Records))
	for _, r := range s.Records {
		k := pair{r.Code, r.Description}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return s.with(out)
}

// Concat joins partitions into one snapshot for period. The result carries
// only fields common to every partition.
func Concat(period Period, parts ...Snapshot) Snapshot {
	if len(parts) == 0 {
		return NewSnapshot(period, nil)
	}
	fields := slices.Clone(parts[0].Fields)
	total := 0
	for _, p := range parts {
		fields = slices.DeleteFunc(fields, func(f Field) bool { return !p.Has(f) })
		total += p.Len()
	}
	records := make([]Record, 0, total)
	for _, p := range parts {
		records = append(records, p.Records...)
	}
	return Snapshot{Period: period, Fields: fields, Records: records}
}

// =============================================================================
// TABULAR INPUT
// =============================================================================

// SnapshotFromRows builds a snapshot from column names and row maps, the
// shape returned by the open data API. Unknown columns are ignored. The
// result is validated; label names it in errors.
func SnapshotFromRows(label string, period Period, columns []string, rows []map[string]any) (Snapshot, error) {
	var fields []Field
	for _, c := range columns {
		switch f := Field(c); f {
		case FieldCode, FieldDescription, FieldSubstance, FieldItems, FieldCost:
			if !slices.Contains(fields, f) {
				fields = append(fields, f)
			}
		}
	}
	s := Snapshot{Period: period, Fields: fields, Records: make([]Record, 0, len(rows))}

	for i, row := range rows {
		r := Record{
			Code:        asString(row[string(FieldCode)]),
			Description: asString(row[string(FieldDescription)]),
			Substance:   asString(row[string(FieldSubstance)]),
		}
		if s.Has(FieldItems) {
			items, err := asDecimal(row[string(FieldItems)])
			if err != nil {
				return Snapshot{}, fmt.Errorf("%s snapshot: row %d: %s: %w", label, i, FieldItems, err)
			}
			r.Items = items.IntPart()
		}
		if s.Has(FieldCost) {
			cost, err := asDecimal(row[string(FieldCost)])
			if err != nil {
				return Snapshot{}, fmt.Errorf("%s snapshot: row %d: %s: %w", label, i, FieldCost, err)
			}
			r.Cost = cost
		}
		s.Records = append(s.Records, r)
	}

	if err := s.Validate(label); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if t == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric value %T", v)
	}
}
