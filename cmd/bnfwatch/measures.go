package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var measuresDir string

var measuresCmd = &cobra.Command{
	Use:   "measures",
	Short: "Load and check the testing measure definitions",
	Long: `Loads the measure definitions from --dir, or from measures.source, and
lists the testing measures with their rule kind. Rejected definitions are
printed with the reason.`,
	Args: cobra.NoArgs,
	RunE: runMeasures,
}

func init() {
	measuresCmd.Flags().StringVar(&measuresDir, "dir", "", "Directory of definition files (overrides measures.source)")
	rootCmd.AddCommand(measuresCmd)
}

func runMeasures(cmd *cobra.Command, args []string) error {
	res, err := newMeasureSource(measuresDir).Load(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MEASURE\tKIND")
	for _, m := range res.Measures {
		fmt.Fprintf(tw, "%s\t%s\n", m.Name, m.Rule.Kind())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d testing measures, %d not flagged for testing, %d rejected\n",
		len(res.Measures), res.Skipped, len(res.Rejected))
	for _, e := range res.Rejected {
		fmt.Fprintf(out, "  rejected: %v\n", e)
	}
	return nil
}
