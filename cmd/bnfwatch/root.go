package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/config"
	"github.com/openprescribing/bnfwatch/factory"
	"github.com/openprescribing/bnfwatch/monitor"
	"github.com/openprescribing/bnfwatch/opendata"
	"github.com/openprescribing/bnfwatch/report"
	"github.com/openprescribing/bnfwatch/store/sqlite"
)

var (
	// cfgFile is the --config flag value
	cfgFile string
	// logLevel is the --log-level flag value
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bnfwatch",
	Short: "Detect new and changed BNF codes in monthly prescribing data",
	Long: `bnfwatch compares each newly published month of English prescribing
data against everything seen before it, reports new codes, descriptions and
chemical substances, and tests the new codes against measure definitions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New(cfgFile)
		if err := v.BindPFlag("log.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: ./bnfwatch.yaml or $HOME/.bnfwatch/bnfwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
}

// =============================================================================
// WIRING
// =============================================================================

func openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func newClient() *opendata.Client {
	return opendata.NewClient(cfg.OpenData.Options(), logger.Named("opendata"))
}

// newMeasureSource returns the configured measure source. dir overrides
// the configuration when non-empty.
func newMeasureSource(dir string) monitor.MeasureSource {
	f := factory.NewMeasureFactory(logger.Named("measures"))
	if dir == "" && cfg.Measures.Source == config.SourceDir {
		dir = cfg.Measures.Dir
	}
	if dir != "" {
		return &factory.DirSource{FS: os.DirFS(dir), Factory: f}
	}
	src := factory.NewGitHubSource(f)
	src.ListingURL = cfg.Measures.GitHubListingURL
	src.RawBaseURL = cfg.Measures.GitHubRawURL
	return src
}

func newMonitor(store *sqlite.Store) *monitor.Monitor {
	dataset := opendata.NewDataset(newClient(), cfg.OpenData.Dataset, cfg.OpenData.SQL)
	mon := monitor.New(store, store, dataset, monitor.Config{
		ExcludeChapters: cfg.Compare.ExcludeChapters,
		ReportsDir:      cfg.Reports.Dir,
	}, logger.Named("monitor"))
	mon.Measures = newMeasureSource("")
	mon.Renderer = report.New(cfg.Reports.PreviewBaseURL)
	return mon
}
