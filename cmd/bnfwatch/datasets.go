package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets [DATASET]",
	Short: "List open data datasets, or the monthly resources of one dataset",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDatasets,
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
}

func runDatasets(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		names, err := client.ListDatasets(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	}

	resources, err := client.Resources(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tRESOURCE\tTABLE")
	for _, r := range resources {
		period := "-"
		if !r.Period.IsZero() {
			period = r.Period.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", period, r.ID, r.TableName)
	}
	return tw.Flush()
}
