package opendata

import (
	"context"
	"fmt"

	"github.com/openprescribing/bnfwatch/bnf"
)

// DefaultDataset is the English Prescribing Data (EPD) dataset.
const DefaultDataset = "english-prescribing-data-epd"

// DefaultSQL selects one row per code/description pair with monthly totals.
const DefaultSQL = "SELECT BNF_CODE, BNF_DESCRIPTION, CHEMICAL_SUBSTANCE_BNF_DESCR, " +
	"SUM(ITEMS) AS ITEMS, SUM(NIC) AS NIC " +
	FromTablePlaceholder +
	" GROUP BY BNF_CODE, BNF_DESCRIPTION, CHEMICAL_SUBSTANCE_BNF_DESCR"

// Dataset is a period-oriented view of one dataset and query.
type Dataset struct {
	Client *Client
	Name   string
	SQL    string
}

// NewDataset fills in the default dataset and query when empty.
func NewDataset(c *Client, name, sql string) *Dataset {
	if name == "" {
		name = DefaultDataset
	}
	if sql == "" {
		sql = DefaultSQL
	}
	return &Dataset{Client: c, Name: name, SQL: sql}
}

// FetchPeriod fetches the snapshot published for one month.
func (d *Dataset) FetchPeriod(ctx context.Context, p bnf.Period) (bnf.Snapshot, error) {
	if p.IsZero() {
		return bnf.Snapshot{}, fmt.Errorf("fetch: %w: no period", bnf.ErrInvalidPeriod)
	}
	return d.Client.Fetch(ctx, d.Name, d.SQL, p.String(), p.String())
}

// Periods lists the months the dataset publishes, oldest first.
func (d *Dataset) Periods(ctx context.Context) ([]bnf.Period, error) {
	resources, err := d.Client.Resources(ctx, d.Name)
	if err != nil {
		return nil, err
	}
	dated, err := ResolveRange(resources, Earliest, Latest)
	if err != nil {
		return nil, err
	}
	periods := make([]bnf.Period, 0, len(dated))
	for _, r := range dated {
		if n := len(periods); n == 0 || periods[n-1] != r.Period {
			periods = append(periods, r.Period)
		}
	}
	return periods, nil
}
