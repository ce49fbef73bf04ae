package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openprescribing/bnfwatch/bnf"
)

var runPeriod string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one month of prescribing data",
	Long: `Fetches a month from the open data portal, compares it with history,
tests the new codes against the measure definitions, writes the reports and
merges the month into history.

Without --period the oldest published month after the newest merged one is
processed. With empty history the newest published month seeds history.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPeriod, "period", "", "Month to process (YYYYMM)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	mon := newMonitor(store)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var period bnf.Period
	if runPeriod != "" {
		period, err = bnf.ParsePeriod(runPeriod)
		if err != nil {
			return err
		}
	} else {
		p, ok, err := mon.NextPeriod(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "History is up to date.")
			return nil
		}
		period = p
	}

	res, err := mon.Run(ctx, period)
	if err != nil {
		return err
	}

	run := res.Run
	fmt.Fprintf(out, "Run %s for %s: %s\n", run.ID, run.Period.Label(), run.Status)
	if res.Seeded {
		fmt.Fprintf(out, "History seeded with %d records.\n", run.Summary.LatestRecords)
		return nil
	}
	s := run.Summary
	fmt.Fprintf(out, "  New codes:                %d\n", s.NewCodes)
	fmt.Fprintf(out, "  New descriptions:         %d\n", s.NewDescriptions)
	if s.SubstancesCompared {
		fmt.Fprintf(out, "  New substances:           %d\n", s.NewSubstances)
	}
	fmt.Fprintf(out, "  Description changed only: %d\n", s.DescriptionChangedOnly)
	if len(run.Triggered) == 0 {
		fmt.Fprintln(out, "All tests passed.")
	} else {
		fmt.Fprintf(out, "Measures needing review: %s\n", strings.Join(run.Triggered, ", "))
	}
	if run.ReportPath != "" {
		fmt.Fprintf(out, "Reports: %s, %s\n", run.ReportPath, run.TestReportPath)
	}
	return nil
}
