/*
Package report renders comparison and testing results as HTML and CSV.

PURPOSE:
  Each monthly run produces three artifacts in the reports directory:

    bnf_changes_YYYYMM.html          What is new this month (four tables)
    monthly_test_report_YYYYMM.html  Which measures new codes would affect
    new_bnf_codes_YYYYMM.csv         The new codes, for spreadsheets

  plus list_test_reports.html, an index of every testing report.

LINKS:
  Measure titles link to their definition on GitHub. The index links each
  report through PreviewBaseURL, which defaults to an HTML preview of the
  published reports repository. An empty PreviewBaseURL links files
  relative to the index.

SANITIZING:
  Measure comments are free text written by measure authors. They are
  rendered as HTML after passing through a bluemonday UGC policy; all other
  values are escaped by html/template.

SEE ALSO:
  - report/templates.go: The HTML templates
  - monitor/monitor.go: Calls Renderer after each run
*/
package report

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/microcosm-cc/bluemonday"

	"github.com/openprescribing/bnfwatch/bnf"
)

// =============================================================================
// NAMES & LINKS
// =============================================================================

const (
	IndexFile = "list_test_reports.html"

	DefaultPreviewBaseURL = "https://html-preview.github.io/?url=https://github.com/chrisjwood16/openprescribing_tests/blob/main/reports/"
	DefinitionBaseURL     = "https://github.com/ebmdatalab/openprescribing/tree/main/openprescribing/measures/definitions/"
	CodeChangesBaseURL    = "https://www.nhsbsa.nhs.uk/bnf-code-changes-january-"
)

var testReportName = regexp.MustCompile(`^monthly_test_report_(\d{6})\.html$`)

// TestReportName is the testing report file for a period.
func TestReportName(p bnf.Period) string {
	return "monthly_test_report_" + p.String() + ".html"
}

// ComparisonReportName is the comparison report file for a period.
func ComparisonReportName(p bnf.Period) string {
	return "bnf_changes_" + p.String() + ".html"
}

// CSVName is the new-codes export for a period.
func CSVName(p bnf.Period) string {
	return "new_bnf_codes_" + p.String() + ".csv"
}

// =============================================================================
// RENDERING
// =============================================================================

// Renderer writes reports. The zero value is not usable; use New.
type Renderer struct {
	PreviewBaseURL string
	policy         *bluemonday.Policy
}

// New creates a renderer linking the index through previewBaseURL.
func New(previewBaseURL string) *Renderer {
	return &Renderer{
		PreviewBaseURL: previewBaseURL,
		policy:         bluemonday.UGCPolicy(),
	}
}

// ComparisonHTML renders the four result sets for one month.
func (r *Renderer) ComparisonHTML(w io.Writer, result bnf.ComparisonResult) error {
	p := result.Period()
	s := result.Summary()
	data := comparisonPage{
		Period:  p.String(),
		Label:   p.Label(),
		Summary: s,
		Cost:    s.NewCodeCost.StringFixed(2),
		Sections: []section{
			{Title: "New BNF codes", Records: result.NewCodes()},
			{Title: "New BNF descriptions", Records: result.NewDescriptions()},
		},
	}
	if result.SubstancesCompared() {
		data.Sections = append(data.Sections, section{Title: "New chemical substances", Records: result.NewSubstances()})
	}
	data.Sections = append(data.Sections, section{Title: "Description changed only", Records: result.DescriptionChangedOnly()})
	return comparisonTmpl.Execute(w, data)
}

// TestingHTML renders the testing report for the measures that matched
// new codes in period.
func (r *Renderer) TestingHTML(w io.Writer, period bnf.Period, triggered []bnf.TestResult) error {
	data := testingPage{
		Period:      period.String(),
		January:     period.IsJanuary(),
		ChangesURL:  CodeChangesBaseURL + strconv.Itoa(period.Year),
		PreviousURL: r.link(IndexFile),
		Measures:    make([]measureView, 0, len(triggered)),
	}
	for _, t := range triggered {
		data.Measures = append(data.Measures, measureView{
			Title:    t.Title,
			URL:      DefinitionBaseURL + t.Title,
			Comments: template.HTML(r.policy.Sanitize(t.Comments)),
			Records:  t.Matched,
		})
	}
	return testingTmpl.Execute(w, data)
}

// Entry is one testing report listed in the index.
type Entry struct {
	File   string
	Period bnf.Period
}

// Title is the entry's month, e.g. "January 2024".
func (e Entry) Title() string { return e.Period.Label() }

// IndexHTML renders the report index in the order given.
func (r *Renderer) IndexHTML(w io.Writer, entries []Entry) error {
	links := make([]indexLink, len(entries))
	for i, e := range entries {
		links[i] = indexLink{Title: e.Title(), URL: r.link(e.File)}
	}
	return indexTmpl.Execute(w, links)
}

func (r *Renderer) link(file string) string {
	return r.PreviewBaseURL + file
}

// ListReports finds testing reports in dir, newest first.
func ListReports(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	var entries []Entry
	for _, f := range files {
		m := testReportName.FindStringSubmatch(f.Name())
		if f.IsDir() || m == nil {
			continue
		}
		p, err := bnf.ParsePeriod(m[1])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{File: f.Name(), Period: p})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return b.Period.Start().Compare(a.Period.Start())
	})
	return entries, nil
}

// WriteCSV writes records with their prescribing totals.
func WriteCSV(w io.Writer, records []bnf.Record) error {
	cw := csv.NewWriter(w)
	header := []string{
		string(bnf.FieldCode), string(bnf.FieldDescription), string(bnf.FieldSubstance),
		string(bnf.FieldItems), string(bnf.FieldCost),
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{rec.Code, rec.Description, rec.Substance,
			strconv.FormatInt(rec.Items, 10), rec.Cost.String()}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// =============================================================================
// FILES
// =============================================================================

// Paths are the files written for one run.
type Paths struct {
	Comparison string
	Testing    string
	CSV        string
	Index      string
}

// WriteAll writes every artifact for a run into dir and refreshes the index.
func (r *Renderer) WriteAll(dir string, result bnf.ComparisonResult, triggered []bnf.TestResult) (Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create reports directory: %w", err)
	}
	p := result.Period()
	paths := Paths{
		Comparison: filepath.Join(dir, ComparisonReportName(p)),
		Testing:    filepath.Join(dir, TestReportName(p)),
		CSV:        filepath.Join(dir, CSVName(p)),
		Index:      filepath.Join(dir, IndexFile),
	}

	if err := writeFile(paths.Comparison, func(w io.Writer) error { return r.ComparisonHTML(w, result) }); err != nil {
		return Paths{}, err
	}
	if err := writeFile(paths.Testing, func(w io.Writer) error { return r.TestingHTML(w, p, triggered) }); err != nil {
		return Paths{}, err
	}
	if err := writeFile(paths.CSV, func(w io.Writer) error { return WriteCSV(w, result.NewCodes()) }); err != nil {
		return Paths{}, err
	}
	if err := r.WriteIndex(dir); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// WriteIndex regenerates the index from the testing reports in dir.
func (r *Renderer) WriteIndex(dir string) error {
	entries, err := ListReports(dir)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, IndexFile), func(w io.Writer) error { return r.IndexHTML(w, entries) })
}

// writeFile renders into a temp file and renames it into place.
func writeFile(path string, render func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := render(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to render %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
