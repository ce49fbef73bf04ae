package bnf

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - One monthly extract, identified as YYYYMM
// =============================================================================

// Period identifies a monthly data partition. The zero value means "unset".
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod builds a period from a year and month.
func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a YYYYMM string such as "202401".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("200601", s)
	if err != nil || len(s) != 6 {
		return Period{}, fmt.Errorf("%w: %q (want YYYYMM)", ErrInvalidPeriod, s)
	}
	return PeriodOf(t), nil
}

// MustParsePeriod is ParsePeriod for constants and tests.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// String returns YYYYMM, or "" for the zero period.
func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// Start returns the first day of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Label returns a human title such as "January 2024".
func (p Period) Label() string {
	return p.Start().Format("January 2006")
}

// Next returns the following month.
func (p Period) Next() Period { return PeriodOf(p.Start().AddDate(0, 1, 0)) }

// Prev returns the preceding month.
func (p Period) Prev() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// After reports whether p is strictly later than other.
func (p Period) After(other Period) bool { return other.Before(p) }

// IsJanuary reports whether the period is a January extract. BNF structure
// changes are generally published in January data.
func (p Period) IsJanuary() bool { return p.Month == time.January }
