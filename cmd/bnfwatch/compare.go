package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/report"
)

var (
	compareExclude []string
	compareHTML    string
	compareCSV     string
)

var compareCmd = &cobra.Command{
	Use:   "compare EXISTING LATEST",
	Short: "Compare two snapshot files",
	Long: `Compares two JSON snapshot files and prints the new codes, new
descriptions, new chemical substances and description-only changes.

A snapshot file is either an array of rows keyed by the portal's column names
(BNF_CODE, BNF_DESCRIPTION, CHEMICAL_SUBSTANCE_BNF_DESCR, ITEMS, NIC) or an
object {"period": "YYYYMM", "records": [...]}.

--exclude takes a 2 or 4 character prefix to ignore, or ~ and a 4 character
prefix to keep inside an excluded chapter. Defaults to compare.exclude_chapters.`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringArrayVar(&compareExclude, "exclude", nil, "Excluded prefix, repeatable (e.g. 02, ~0212)")
	compareCmd.Flags().StringVar(&compareHTML, "html", "", "Write the HTML comparison report to this file")
	compareCmd.Flags().StringVar(&compareCSV, "csv", "", "Write the new codes as CSV to this file")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	existing, err := readSnapshotFile("existing", args[0])
	if err != nil {
		return err
	}
	latest, err := readSnapshotFile("latest", args[1])
	if err != nil {
		return err
	}

	exclude := compareExclude
	if !cmd.Flags().Changed("exclude") {
		exclude = cfg.Compare.ExcludeChapters
	}
	exclusions, err := bnf.ParseExclusions(exclude)
	if err != nil {
		return err
	}
	for _, entry := range exclusions.Inert {
		logger.Warn("except entry has no effect", zap.String("entry", entry))
	}
	result, err := bnf.CompareWith(existing, latest, exclusions)
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), result)

	if compareHTML != "" {
		r := report.New(cfg.Reports.PreviewBaseURL)
		if err := writeTo(compareHTML, func(w io.Writer) error { return r.ComparisonHTML(w, result) }); err != nil {
			return err
		}
	}
	if compareCSV != "" {
		if err := writeTo(compareCSV, func(w io.Writer) error { return report.WriteCSV(w, result.NewCodes()) }); err != nil {
			return err
		}
	}
	return nil
}

// snapshotFile is the object form of a snapshot file.
type snapshotFile struct {
	Period  string           `json:"period"`
	Records []map[string]any `json:"records"`
}

// readSnapshotFile loads a snapshot. Fields are the columns present in any
// row; a file with no rows carries the required fields.
func readSnapshotFile(label, path string) (bnf.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bnf.Snapshot{}, fmt.Errorf("failed to read %s snapshot: %w", label, err)
	}

	var file snapshotFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = dec.Decode(&file.Records)
	} else {
		err = dec.Decode(&file)
	}
	if err != nil {
		return bnf.Snapshot{}, fmt.Errorf("failed to parse %s snapshot %s: %w", label, path, err)
	}

	var period bnf.Period
	if file.Period != "" {
		if period, err = bnf.ParsePeriod(file.Period); err != nil {
			return bnf.Snapshot{}, err
		}
	}

	var columns []string
	seen := make(map[string]bool)
	for _, row := range file.Records {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	if len(file.Records) == 0 {
		for _, f := range bnf.RequiredFields {
			columns = append(columns, string(f))
		}
	}
	return bnf.SnapshotFromRows(label, period, columns, file.Records)
}

func printResult(w io.Writer, result bnf.ComparisonResult) {
	s := result.Summary()
	fmt.Fprintf(w, "Compared %d existing with %d latest records\n\n", s.ExistingRecords, s.LatestRecords)

	printSection(w, "New BNF codes", result.NewCodes())
	printSection(w, "New BNF descriptions", result.NewDescriptions())
	if result.SubstancesCompared() {
		printSection(w, "New chemical substances", result.NewSubstances())
	} else {
		fmt.Fprintln(w, "New chemical substances: not compared (field missing from a snapshot)")
		fmt.Fprintln(w)
	}
	printSection(w, "Description changed only", result.DescriptionChangedOnly())

	if s.NewCodes > 0 {
		fmt.Fprintf(w, "New codes account for %d items, cost %s\n", s.NewCodeItems, s.NewCodeCost.StringFixed(2))
	}
}

func printSection(w io.Writer, title string, records []bnf.Record) {
	fmt.Fprintf(w, "%s (%d)\n", title, len(records))
	if len(records) == 0 {
		fmt.Fprintln(w)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  BNF_CODE\tBNF_DESCRIPTION\tCHEMICAL_SUBSTANCE_BNF_DESCR")
	for _, r := range records {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.Code, r.Description, r.Substance)
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func writeTo(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
