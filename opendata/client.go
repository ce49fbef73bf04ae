/*
Package opendata is a client for the NHSBSA open data portal (CKAN).

PURPOSE:
  Fetches monthly prescribing extracts. Each dataset carries one resource
  per month; the month is encoded in the resource's bq_table_name.

ENDPOINTS USED:
  package_list                          Dataset names
  package_show?id=<dataset>             Resources of a dataset
  datastore_search_sql?resource_id=&sql= SQL over one resource

SQL TEMPLATES:
  Queries are written against the placeholder {FROM_TABLE}, which becomes
  FROM `<resource>` for each month queried:

    SELECT BNF_CODE, BNF_DESCRIPTION {FROM_TABLE} GROUP BY BNF_CODE, BNF_DESCRIPTION

FETCH SEMANTICS:
  - One query per month, run in parallel with bounded concurrency
  - Each query retried up to Retries times, RetryDelay apart
  - All months must succeed; otherwise a *FetchError (ErrFetchFailed)
    names every failed resource and nothing is returned
  - Results are concatenated in period order

SEE ALSO:
  - opendata/dataset.go: Period-oriented view used by the monitor
  - bnf/snapshot.go: SnapshotFromRows
*/
package opendata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openprescribing/bnfwatch/bnf"
)

// =============================================================================
// CONSTANTS & TYPES
// =============================================================================

const (
	DefaultBaseURL = "https://opendata.nhsbsa.net/api/3/action/"

	// FromTablePlaceholder marks where the resource's FROM clause goes.
	FromTablePlaceholder = "{FROM_TABLE}"

	// Range bounds accepted by ResolveRange besides YYYYMM.
	Earliest = "earliest"
	Latest   = "latest"
)

// ErrMissingPlaceholder is returned for SQL without {FROM_TABLE}.
var ErrMissingPlaceholder = errors.New("placeholder {FROM_TABLE} not found in the SQL query")

// excludedPrefixes drops freedom-of-information datasets from listings.
var excludedPrefixes = []string{"foi"}

var tablePeriod = regexp.MustCompile(`\d{6}`)

// Resource is one monthly table of a dataset.
type Resource struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	TableName string     `json:"bq_table_name"`
	Period    bnf.Period `json:"-"` // zero when TableName carries no month
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL     string
	Retries     int
	RetryDelay  time.Duration
	Concurrency int
	Timeout     time.Duration
}

// DefaultOptions mirrors the portal's published guidance.
func DefaultOptions() Options {
	return Options{
		BaseURL:     DefaultBaseURL,
		Retries:     4,
		RetryDelay:  time.Second,
		Concurrency: 4,
		Timeout:     2 * time.Minute,
	}
}

// Client talks to a CKAN action API.
type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client. A nil logger discards output.
func NewClient(opts Options, logger *zap.Logger) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.Retries <= 0 {
		opts.Retries = def.Retries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// FetchError lists the resources that could not be fetched.
type FetchError struct {
	Dataset string
	Failed  []string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %d resource(s) failed: %s", e.Dataset, len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *FetchError) Unwrap() error {
	return bnf.ErrFetchFailed
}

// =============================================================================
// METADATA
// =============================================================================

// ListDatasets returns the portal's dataset names, without FOI datasets.
func (c *Client) ListDatasets(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.action(ctx, "package_list", nil, &names); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !hasAnyPrefix(n, excludedPrefixes) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Resources returns a dataset's resources with their periods.
func (c *Client) Resources(ctx context.Context, dataset string) ([]Resource, error) {
	var pkg struct {
		Resources []Resource `json:"resources"`
	}
	if err := c.action(ctx, "package_show", url.Values{"id": {dataset}}, &pkg); err != nil {
		return nil, err
	}
	for i := range pkg.Resources {
		pkg.Resources[i].Period = periodOf(pkg.Resources[i].TableName)
	}
	return pkg.Resources, nil
}

// ResolveRange keeps resources whose period lies within [from, to].
//
// from may be "earliest" (or ""), "latest", or YYYYMM.
// to may be "latest" (or ""), or YYYYMM.
// The result is ordered by period.
func ResolveRange(resources []Resource, from, to string) ([]Resource, error) {
	var dated []Resource
	for _, r := range resources {
		if !r.Period.IsZero() {
			dated = append(dated, r)
		}
	}
	if len(dated) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(dated, func(a, b Resource) int {
		return a.Period.Start().Compare(b.Period.Start())
	})
	earliest, latest := dated[0].Period, dated[len(dated)-1].Period

	lo, err := bound(from, earliest, latest, Earliest)
	if err != nil {
		return nil, fmt.Errorf("date from: %w", err)
	}
	hi, err := bound(to, latest, latest, Latest)
	if err != nil {
		return nil, fmt.Errorf("date to: %w", err)
	}

	var out []Resource
	for _, r := range dated {
		if !r.Period.Before(lo) && !r.Period.After(hi) {
			out = append(out, r)
		}
	}
	return out, nil
}

func bound(s string, empty, latest bnf.Period, word string) (bnf.Period, error) {
	switch s {
	case "", word:
		return empty, nil
	case Latest:
		return latest, nil
	}
	return bnf.ParsePeriod(s)
}

// =============================================================================
// QUERY & FETCH
// =============================================================================

// BuildSQL substitutes the resource into a {FROM_TABLE} template.
func BuildSQL(resourceID, sql string) (string, error) {
	if !strings.Contains(sql, FromTablePlaceholder) {
		return "", ErrMissingPlaceholder
	}
	return strings.ReplaceAll(sql, FromTablePlaceholder, fmt.Sprintf("FROM `%s`", resourceID)), nil
}

// QueryResult is one datastore_search_sql response.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
}

// Query runs a {FROM_TABLE} template against one resource, with retries.
func (c *Client) Query(ctx context.Context, resourceID, sql string) (QueryResult, error) {
	stmt, err := BuildSQL(resourceID, sql)
	if err != nil {
		return QueryResult{}, err
	}
	params := url.Values{"resource_id": {resourceID}, "sql": {stmt}}

	var lastErr error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		var res QueryResult
		if lastErr = c.search(ctx, params, &res); lastErr == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return QueryResult{}, ctx.Err()
		}
		c.logger.Warn("datastore query failed",
			zap.String("resource", resourceID),
			zap.Int("attempt", attempt),
			zap.Int("retries", c.opts.Retries),
			zap.Error(lastErr))
		if attempt < c.opts.Retries {
			select {
			case <-ctx.Done():
				return QueryResult{}, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}
	return QueryResult{}, lastErr
}

// Fetch queries every month of dataset in [from, to] and concatenates the
// results into one snapshot stamped with the last month's period.
func (c *Client) Fetch(ctx context.Context, dataset, sql, from, to string) (bnf.Snapshot, error) {
	if !strings.Contains(sql, FromTablePlaceholder) {
		return bnf.Snapshot{}, ErrMissingPlaceholder
	}
	resources, err := c.Resources(ctx, dataset)
	if err != nil {
		return bnf.Snapshot{}, err
	}
	selected, err := ResolveRange(resources, from, to)
	if err != nil {
		return bnf.Snapshot{}, err
	}
	if len(selected) == 0 {
		return bnf.Snapshot{}, fmt.Errorf("%w: no resources of %s between %q and %q", bnf.ErrFetchFailed, dataset, from, to)
	}
	return c.fetchResources(ctx, dataset, sql, selected)
}

func (c *Client) fetchResources(ctx context.Context, dataset, sql string, resources []Resource) (bnf.Snapshot, error) {
	parts := make([]bnf.Snapshot, len(resources))

	var mu sync.Mutex
	var failed []string
	addFailure := func(name string) {
		mu.Lock()
		failed = append(failed, name)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, r := range resources {
		g.Go(func() error {
			res, err := c.Query(gctx, r.TableName, sql)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Error("resource fetch failed", zap.String("resource", r.TableName), zap.Error(err))
				addFailure(r.TableName)
				return nil
			}
			part, err := bnf.SnapshotFromRows(r.TableName, r.Period, res.Columns, res.Rows)
			if err != nil {
				return err
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return bnf.Snapshot{}, err
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		return bnf.Snapshot{}, &FetchError{Dataset: dataset, Failed: failed}
	}

	c.logger.Info("all resources fetched", zap.String("dataset", dataset), zap.Int("resources", len(resources)))
	return bnf.Concat(resources[len(resources)-1].Period, parts...), nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error"`
}

// search decodes a datastore_search_sql result.
func (c *Client) search(ctx context.Context, params url.Values, out *QueryResult) error {
	// The portal nests the datastore result one level deeper than CKAN.
	var body struct {
		Result struct {
			Records []map[string]any `json:"records"`
			Fields  []struct {
				ID string `json:"id"`
			} `json:"fields"`
		} `json:"result"`
	}
	if err := c.action(ctx, "datastore_search_sql", params, &body); err != nil {
		return err
	}

	out.Rows = body.Result.Records
	for _, f := range body.Result.Fields {
		out.Columns = append(out.Columns, f.ID)
	}
	if len(out.Columns) == 0 && len(out.Rows) > 0 {
		for k := range out.Rows[0] {
			out.Columns = append(out.Columns, k)
		}
		slices.Sort(out.Columns)
	}
	return nil
}

// action calls a CKAN action and decodes its result into out.
func (c *Client) action(ctx context.Context, name string, params url.Values, out any) error {
	u := c.opts.BaseURL + name
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", name, resp.StatusCode)
	}

	var env envelope
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", name, err)
	}
	if !env.Success {
		msg := "unsuccessful response"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return fmt.Errorf("%s: %s", name, msg)
	}

	rd := json.NewDecoder(bytes.NewReader(env.Result))
	rd.UseNumber()
	if err := rd.Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", name, err)
	}
	return nil
}

// Helper functions

func periodOf(tableName string) bnf.Period {
	m := tablePeriod.FindString(tableName)
	if m == "" {
		return bnf.Period{}
	}
	p, err := bnf.ParsePeriod(m)
	if err != nil {
		return bnf.Period{}
	}
	return p
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
