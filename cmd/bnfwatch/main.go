/*
main.go - Application entry point

PURPOSE:
  Command-line interface for the BNF snapshot comparator: runs the API
  server with its monthly scheduler, runs single months, compares local
  snapshot files and inspects the open data portal and measure definitions.

COMMANDS:
  serve      HTTP API plus scheduled monthly runs
  run        Process one month (default: the next unprocessed month)
  compare    Compare two snapshot files
  datasets   List portal datasets, or one dataset's monthly resources
  measures   Load and check testing measure definitions

EXAMPLES:
  # Serve with a file database
  bnfwatch serve --config ./bnfwatch.yaml

  # Process January 2024 explicitly
  bnfwatch run --period 202401

  # Compare two exports, ignoring chapter 02 except 0212
  bnfwatch compare existing.json latest.json --exclude 02 --exclude ~0212

SEE ALSO:
  - root.go: Global flags and configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
