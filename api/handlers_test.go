/*
handlers_test.go - Tests for API handlers

Tests for:
- Ad-hoc comparison and measure evaluation
- Run lifecycle (start, get, list, report)
- Error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/monitor"
	"github.com/openprescribing/bnfwatch/report"
	"github.com/openprescribing/bnfwatch/store/sqlite"
)

// stubFetcher serves the same two months to every test.
type stubFetcher struct{}

var (
	dec = bnf.MustParsePeriod("202312")
	jan = bnf.MustParsePeriod("202401")
)

func (stubFetcher) FetchPeriod(_ context.Context, p bnf.Period) (bnf.Snapshot, error) {
	records := []bnf.Record{{Code: "0101010A0AAAAAA", Description: "Aspirin 75mg"}}
	if p == jan {
		records = append(records, bnf.Record{Code: "0212000Y0AAAAAA", Description: "Rosuvastatin 5mg"})
	}
	return bnf.NewSnapshot(p, records), nil
}

func (stubFetcher) Periods(context.Context) ([]bnf.Period, error) {
	return []bnf.Period{dec, jan}, nil
}

func newTestServer(t *testing.T, reportsDir string) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mon := monitor.New(store, store, stubFetcher{}, monitor.Config{ReportsDir: reportsDir}, nil)
	mon.Renderer = report.New("")
	h := NewHandler(store, store, mon, nil)

	srv := httptest.NewServer(NewRouter(h, RouterOptions{ReportsDir: reportsDir}))
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// =============================================================================
// COMPARE
// =============================================================================

func TestCompare_ReturnsFourSets(t *testing.T) {
	// GIVEN: An existing and a latest snapshot differing by one code and one description
	srv, _ := newTestServer(t, "")
	req := CompareRequest{
		Existing: SnapshotDTO{Records: []RecordDTO{
			{Code: "0101010A0", Description: "Aspirin 75mg"},
		}},
		Latest: SnapshotDTO{Period: "202401", Records: []RecordDTO{
			{Code: "0101010A0", Description: "Aspirin 75mg dispersible"},
			{Code: "0212000B0", Description: "Atorvastatin 10mg"},
		}},
	}

	// WHEN: Posting to /api/compare
	resp := postJSON(t, srv.URL+"/api/compare", req)

	// THEN: New code and changed description are separated
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[CompareResponse](t, resp)
	assert.Equal(t, "202401", got.Period)
	require.Len(t, got.NewCodes, 1)
	assert.Equal(t, "0212000B0", got.NewCodes[0].Code)
	assert.Len(t, got.NewDescriptions, 2)
	require.Len(t, got.DescriptionChangedOnly, 1)
	assert.Equal(t, "0101010A0", got.DescriptionChangedOnly[0].Code)
	assert.NotNil(t, got.NewSubstances)
	assert.False(t, got.Summary.SubstancesCompared)
	assert.Equal(t, "0.00", got.Summary.NewCodeCost)
}

func TestCompare_UsageErrorsAre400(t *testing.T) {
	srv, _ := newTestServer(t, "")
	tests := []struct {
		name string
		req  CompareRequest
	}{
		{"short code", CompareRequest{
			Existing: SnapshotDTO{Records: []RecordDTO{{Code: "01", Description: "x"}}},
			Latest:   SnapshotDTO{Records: []RecordDTO{}},
		}},
		{"missing field", CompareRequest{
			Existing: SnapshotDTO{Fields: []string{"BNF_CODE"}, Records: []RecordDTO{}},
			Latest:   SnapshotDTO{Records: []RecordDTO{}},
		}},
		{"bad exclusion", CompareRequest{
			Existing:        SnapshotDTO{Records: []RecordDTO{}},
			Latest:          SnapshotDTO{Records: []RecordDTO{}},
			ExcludeChapters: []string{"~020"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/compare", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Details)
		})
	}
}

func TestCompare_InertExceptIsAccepted(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := CompareRequest{
		Existing:        SnapshotDTO{Records: []RecordDTO{}},
		Latest:          SnapshotDTO{Records: []RecordDTO{{Code: "0201010F0", Description: "Digoxin"}}},
		ExcludeChapters: []string{"02", "~02"},
	}

	resp := postJSON(t, srv.URL+"/api/compare", req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[CompareResponse](t, resp).NewCodes)
}

func TestCompare_InvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Post(srv.URL+"/api/compare", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// MEASURES
// =============================================================================

func TestEvaluateMeasures(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := map[string]any{
		"records": []RecordDTO{{Code: "0212000B0AAAAAA", Description: "Atorvastatin"}, {Code: "0407010F0AAAAAA", Description: "Co-codamol"}},
		"measures": []map[string]any{
			{"name": "statins", "definition": map[string]any{
				"testing_type": "numerator_bnf_codes_filter", "numerator_bnf_codes_filter": []string{"0212 # statins"}}},
			{"name": "antidepressants", "definition": map[string]any{
				"testing_type": "custom", "testing_include": []string{"0403%"}, "testing_exclude": []string{}}},
		},
	}

	resp := postJSON(t, srv.URL+"/api/measures/evaluate", req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[EvaluateResponse](t, resp)
	require.Len(t, got.Triggered, 1)
	assert.Equal(t, "statins", got.Triggered[0].Measure)
	assert.Equal(t, "statins.json", got.Triggered[0].Title)
	require.Len(t, got.Triggered[0].Matched, 1)
	require.Len(t, got.Passed, 1)
	assert.Equal(t, "custom", got.Passed[0].Kind)
}

func TestEvaluateMeasures_MalformedDefinition(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := map[string]any{
		"records":  []RecordDTO{},
		"measures": []map[string]any{{"name": "broken", "definition": map[string]any{"testing_type": "custom"}}},
	}

	resp := postJSON(t, srv.URL+"/api/measures/evaluate", req)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, resp).Details, "measure broken")
}

// =============================================================================
// RUNS
// =============================================================================

func TestRuns_Lifecycle(t *testing.T) {
	// GIVEN: A server with an empty history and a reports directory
	dir := t.TempDir()
	srv, _ := newTestServer(t, dir)

	// WHEN: Starting runs without a period twice, then once more
	seed := postJSON(t, srv.URL+"/api/runs", StartRunRequest{})
	require.Equal(t, http.StatusCreated, seed.StatusCode)
	seedRun := decode[RunDTO](t, seed)

	// The newest published month seeds history; nothing follows it
	assert.Equal(t, "202401", seedRun.Period)
	assert.Equal(t, "completed", seedRun.Status)
	upToDate := postJSON(t, srv.URL+"/api/runs", StartRunRequest{})
	assert.Equal(t, http.StatusConflict, upToDate.StatusCode)

	// THEN: The run is listed and retrievable
	resp, err := http.Get(srv.URL + "/api/runs/" + seedRun.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, seedRun.ID, decode[RunDTO](t, resp).ID)

	list, err := http.Get(srv.URL + "/api/runs?limit=5")
	require.NoError(t, err)
	defer list.Body.Close()
	assert.Len(t, decode[[]RunDTO](t, list), 1)

	periods, err := http.Get(srv.URL + "/api/history/periods")
	require.NoError(t, err)
	defer periods.Body.Close()
	assert.Equal(t, []string{"202401"}, decode[PeriodsResponse](t, periods).Periods)
}

func TestRuns_ExplicitPeriodWritesReports(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newTestServer(t, dir)

	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/runs", StartRunRequest{Period: "202312"}).StatusCode)
	resp := postJSON(t, srv.URL+"/api/runs", StartRunRequest{Period: "202401"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[RunDTO](t, resp)
	assert.Equal(t, 1, run.Summary.NewCodes)

	page, err := http.Get(srv.URL + "/api/runs/" + run.ID + "/report?kind=testing")
	require.NoError(t, err)
	defer page.Body.Close()
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Header.Get("Content-Type"), "text/html")

	static, err := http.Get(srv.URL + "/reports/list_test_reports.html")
	require.NoError(t, err)
	defer static.Body.Close()
	assert.Equal(t, http.StatusOK, static.StatusCode)
}

func TestRuns_BadPeriodAndMissingRun(t *testing.T) {
	srv, _ := newTestServer(t, "")

	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/api/runs", StartRunRequest{Period: "2024-01"}).StatusCode)

	resp, err := http.Get(srv.URL + "/api/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	limit, err := http.Get(srv.URL + "/api/runs?limit=abc")
	require.NoError(t, err)
	defer limit.Body.Close()
	assert.Equal(t, http.StatusBadRequest, limit.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(bnf.ErrShortCode))
	assert.Equal(t, http.StatusNotFound, statusFor(bnf.ErrRunNotFound))
	assert.Equal(t, http.StatusBadGateway, statusFor(bnf.ErrFetchFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
