/*
handlers.go - HTTP API handlers for the snapshot comparator

PURPOSE:
  Exposes the comparator, the measure tester and the monthly runs via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the bnf package and the monitor.

ENDPOINTS:
  Comparison:
    POST   /api/compare                Compare two posted snapshots
    POST   /api/measures/evaluate      Test posted records against measures

  Runs:
    GET    /api/runs                   List runs, newest first (?limit=)
    POST   /api/runs                   Run one month now
    GET    /api/runs/{id}              Get a run
    GET    /api/runs/{id}/report       Comparison report (?kind=testing for the testing report)

  History:
    GET    /api/history/periods        Months merged into history

ARCHITECTURE:
  Handler struct holds all dependencies:
  - History, Runs: Storage
  - Monitor: Run orchestration (nil disables POST /api/runs)
  - Factory: Measure definition parsing

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Usage errors (missing fields, short codes, malformed exclusions or rules)
  - 404: Run not found, no history
  - 502: Open data fetch failed
  - 500: Internal errors

SECURITY NOTE:
  No authentication. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/factory"
	"github.com/openprescribing/bnfwatch/monitor"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	History bnf.HistoryStore
	Runs    bnf.RunStore
	Monitor *monitor.Monitor
	Factory *factory.MeasureFactory
	Logger  *zap.Logger
}

// NewHandler creates a handler. mon may be nil.
func NewHandler(history bnf.HistoryStore, runs bnf.RunStore, mon *monitor.Monitor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		History: history,
		Runs:    runs,
		Monitor: mon,
		Factory: factory.NewMeasureFactory(logger),
		Logger:  logger,
	}
}

// =============================================================================
// COMPARISON ENDPOINTS
// =============================================================================

// Compare diffs two posted snapshots.
// POST /api/compare
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := req.Existing.toSnapshot()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid existing snapshot", err)
		return
	}
	latest, err := req.Latest.toSnapshot()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid latest snapshot", err)
		return
	}

	exclusions, err := bnf.ParseExclusions(req.ExcludeChapters)
	if err != nil {
		h.writeDomainError(w, "invalid exclusions", err)
		return
	}
	for _, entry := range exclusions.Inert {
		h.Logger.Warn("except entry has no effect", zap.String("entry", entry))
	}

	result, err := bnf.CompareWith(existing, latest, exclusions)
	if err != nil {
		h.writeDomainError(w, "comparison failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCompareResponse(result))
}

// EvaluateMeasures tests posted records against posted measure definitions.
// POST /api/measures/evaluate
func (h *Handler) EvaluateMeasures(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	measures := make([]bnf.Measure, 0, len(req.Measures))
	for _, md := range req.Measures {
		if md.Name == "" {
			writeError(w, http.StatusBadRequest, "measure name is required", nil)
			return
		}
		m, err := h.Factory.FromJSON(md.Name, md.Definition)
		if err != nil {
			h.writeDomainError(w, "invalid measure definition", err)
			return
		}
		measures = append(measures, m)
	}

	snap := bnf.NewSnapshot(bnf.Period{}, fromRecordDTOs(req.Records))
	triggered, passed := bnf.EvaluateAll(measures, snap)
	writeJSON(w, http.StatusOK, EvaluateResponse{
		Triggered: toTestResultDTOs(triggered),
		Passed:    toTestResultDTOs(passed),
	})
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// ListRuns returns recent runs.
// GET /api/runs?limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns one run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "run not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// StartRun runs a month synchronously. An empty period picks the next one.
// POST /api/runs
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	if h.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are not configured", nil)
		return
	}

	var req StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	ctx := r.Context()
	var period bnf.Period
	if req.Period != "" {
		p, err := bnf.ParsePeriod(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid period", err)
			return
		}
		period = p
	} else {
		p, ok, err := h.Monitor.NextPeriod(ctx)
		if err != nil {
			h.writeDomainError(w, "failed to find next period", err)
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "history is up to date", nil)
			return
		}
		period = p
	}

	out, err := h.Monitor.Run(ctx, period)
	if err != nil {
		if out != nil {
			// The run was recorded as failed; return it with the error status.
			writeJSON(w, statusFor(err), toRunDTO(out.Run))
			return
		}
		h.writeDomainError(w, "run failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(out.Run))
}

// GetRunReport serves a run's HTML report.
// GET /api/runs/{id}/report?kind=testing
func (h *Handler) GetRunReport(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "run not found", err)
		return
	}

	path := run.ReportPath
	if r.URL.Query().Get("kind") == "testing" {
		path = run.TestReportPath
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "run has no report", nil)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "report file missing", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, path)
}

// =============================================================================
// HISTORY ENDPOINTS
// =============================================================================

// ListPeriods returns the months merged into history.
// GET /api/history/periods
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.History.Periods(r.Context())
	if err != nil {
		h.writeDomainError(w, "failed to list periods", err)
		return
	}
	resp := PeriodsResponse{Periods: make([]string, len(periods))}
	for i, p := range periods {
		resp.Periods[i] = p.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps bnf errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case bnf.IsUsageError(err):
		return http.StatusBadRequest
	case bnf.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, bnf.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
