/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Field names
  follow the open data column names so that rows copied from the portal
  can be posted unchanged.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Comparison:
    RecordDTO, SnapshotDTO, CompareRequest, CompareResponse, SummaryDTO

  Measures:
    MeasureDTO (wraps factory.MeasureJSON), EvaluateRequest, EvaluateResponse

  Runs:
    RunDTO, StartRunRequest, PeriodsResponse

VALIDATION:
  Validation is done in handlers and the bnf package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/measure.go: MeasureJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/factory"
)

// =============================================================================
// COMPARISON
// =============================================================================

// RecordDTO is one prescribing row.
type RecordDTO struct {
	Code        string          `json:"BNF_CODE"`
	Description string          `json:"BNF_DESCRIPTION"`
	Substance   string          `json:"CHEMICAL_SUBSTANCE_BNF_DESCR,omitempty"`
	Items       int64           `json:"ITEMS,omitempty"`
	Cost        decimal.Decimal `json:"NIC"`
}

// SnapshotDTO is a snapshot in request bodies. When Fields is omitted the
// required fields are assumed, plus CHEMICAL_SUBSTANCE_BNF_DESCR if any
// record carries a substance.
type SnapshotDTO struct {
	Period  string      `json:"period,omitempty"`
	Fields  []string    `json:"fields,omitempty"`
	Records []RecordDTO `json:"records"`
}

// CompareRequest is the body of POST /api/compare.
type CompareRequest struct {
	Existing        SnapshotDTO `json:"existing"`
	Latest          SnapshotDTO `json:"latest"`
	ExcludeChapters []string    `json:"exclude_chapters,omitempty"`
}

// SummaryDTO mirrors bnf.Summary.
type SummaryDTO struct {
	ExistingRecords        int    `json:"existing_records"`
	LatestRecords          int    `json:"latest_records"`
	NewCodes               int    `json:"new_codes"`
	NewDescriptions        int    `json:"new_descriptions"`
	NewSubstances          int    `json:"new_substances"`
	DescriptionChangedOnly int    `json:"description_changed_only"`
	SubstancesCompared     bool   `json:"substances_compared"`
	NewCodeItems           int64  `json:"new_code_items"`
	NewCodeCost            string `json:"new_code_cost"`
}

// CompareResponse carries the four result sets.
type CompareResponse struct {
	Period                 string      `json:"period,omitempty"`
	NewCodes               []RecordDTO `json:"new_codes"`
	NewDescriptions        []RecordDTO `json:"new_descriptions"`
	NewSubstances          []RecordDTO `json:"new_substances"`
	DescriptionChangedOnly []RecordDTO `json:"description_changed_only"`
	Summary                SummaryDTO  `json:"summary"`
}

// =============================================================================
// MEASURES
// =============================================================================

// MeasureDTO is a named measure definition. The testing_measure flag of
// the definition is not required here.
type MeasureDTO struct {
	Name       string              `json:"name"`
	Definition factory.MeasureJSON `json:"definition"`
}

// EvaluateRequest is the body of POST /api/measures/evaluate.
type EvaluateRequest struct {
	Records  []RecordDTO  `json:"records"`
	Measures []MeasureDTO `json:"measures"`
}

// TestResultDTO is one measure's outcome.
type TestResultDTO struct {
	Measure   string      `json:"measure"`
	Title     string      `json:"title"`
	Comments  string      `json:"comments,omitempty"`
	Kind      string      `json:"kind"`
	Triggered bool        `json:"triggered"`
	Matched   []RecordDTO `json:"matched"`
}

// EvaluateResponse splits results by outcome.
type EvaluateResponse struct {
	Triggered []TestResultDTO `json:"triggered"`
	Passed    []TestResultDTO `json:"passed"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunDTO represents a monthly run.
type RunDTO struct {
	ID             string     `json:"id"`
	Period         string     `json:"period"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Summary        SummaryDTO `json:"summary"`
	Triggered      []string   `json:"triggered"`
	ReportPath     string     `json:"report_path,omitempty"`
	TestReportPath string     `json:"test_report_path,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StartRunRequest is the body of POST /api/runs. An empty period runs the
// next unprocessed month.
type StartRunRequest struct {
	Period string `json:"period,omitempty"`
}

// PeriodsResponse lists merged periods.
type PeriodsResponse struct {
	Periods []string `json:"periods"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRecordDTOs(records []bnf.Record) []RecordDTO {
	out := make([]RecordDTO, len(records))
	for i, r := range records {
		out[i] = RecordDTO{Code: r.Code, Description: r.Description, Substance: r.Substance, Items: r.Items, Cost: r.Cost}
	}
	return out
}

func fromRecordDTOs(dtos []RecordDTO) []bnf.Record {
	out := make([]bnf.Record, len(dtos))
	for i, d := range dtos {
		out[i] = bnf.Record{Code: d.Code, Description: d.Description, Substance: d.Substance, Items: d.Items, Cost: d.Cost}
	}
	return out
}

// toSnapshot converts the DTO; an unparseable period is a usage error.
func (s SnapshotDTO) toSnapshot() (bnf.Snapshot, error) {
	var period bnf.Period
	if s.Period != "" {
		p, err := bnf.ParsePeriod(s.Period)
		if err != nil {
			return bnf.Snapshot{}, err
		}
		period = p
	}
	records := fromRecordDTOs(s.Records)

	var fields []bnf.Field
	if s.Fields != nil {
		fields = make([]bnf.Field, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = bnf.Field(f)
		}
	} else {
		fields = append(fields, bnf.RequiredFields...)
		for _, r := range records {
			if r.Substance != "" {
				fields = append(fields, bnf.FieldSubstance)
				break
			}
		}
	}
	return bnf.Snapshot{Period: period, Fields: fields, Records: records}, nil
}

func toSummaryDTO(s bnf.Summary) SummaryDTO {
	return SummaryDTO{
		ExistingRecords:        s.ExistingRecords,
		LatestRecords:          s.LatestRecords,
		NewCodes:               s.NewCodes,
		NewDescriptions:        s.NewDescriptions,
		NewSubstances:          s.NewSubstances,
		DescriptionChangedOnly: s.DescriptionChangedOnly,
		SubstancesCompared:     s.SubstancesCompared,
		NewCodeItems:           s.NewCodeItems,
		NewCodeCost:            s.NewCodeCost.StringFixed(2),
	}
}

func toCompareResponse(r bnf.ComparisonResult) CompareResponse {
	return CompareResponse{
		Period:                 r.Period().String(),
		NewCodes:               toRecordDTOs(r.NewCodes()),
		NewDescriptions:        toRecordDTOs(r.NewDescriptions()),
		NewSubstances:          toRecordDTOs(r.NewSubstances()),
		DescriptionChangedOnly: toRecordDTOs(r.DescriptionChangedOnly()),
		Summary:                toSummaryDTO(r.Summary()),
	}
}

func toTestResultDTOs(results []bnf.TestResult) []TestResultDTO {
	out := make([]TestResultDTO, len(results))
	for i, t := range results {
		out[i] = TestResultDTO{
			Measure:   t.Measure,
			Title:     t.Title,
			Comments:  t.Comments,
			Kind:      string(t.Kind),
			Triggered: t.Triggered,
			Matched:   toRecordDTOs(t.Matched),
		}
	}
	return out
}

func toRunDTO(r bnf.Run) RunDTO {
	triggered := r.Triggered
	if triggered == nil {
		triggered = []string{}
	}
	return RunDTO{
		ID:             r.ID,
		Period:         r.Period.String(),
		Status:         string(r.Status),
		Error:          r.Error,
		Summary:        toSummaryDTO(r.Summary),
		Triggered:      triggered,
		ReportPath:     r.ReportPath,
		TestReportPath: r.TestReportPath,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}
