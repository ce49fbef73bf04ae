/*
config.go - Application configuration

PURPOSE:
  Loads settings for the server, the monthly runs and the CLI from
  defaults, an optional config file and BNFWATCH_* environment variables.

PRECEDENCE:
  flag > environment > config file > default

CONFIG FILE:
  bnfwatch.yaml (or .json / .toml) in the working directory or
  $HOME/.bnfwatch, or the file named by --config.

ENVIRONMENT:
  Keys map to BNFWATCH_ with dots replaced by underscores, e.g.
  BNFWATCH_DATABASE_PATH, BNFWATCH_SCHEDULER_INTERVAL=1h.
  List values such as compare.exclude_chapters are comma separated.

SEE ALSO:
  - cmd/bnfwatch/root.go: Flag bindings
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/factory"
	"github.com/openprescribing/bnfwatch/opendata"
	"github.com/openprescribing/bnfwatch/report"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "BNFWATCH"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	OpenData  OpenDataConfig  `mapstructure:"opendata"`
	Compare   CompareConfig   `mapstructure:"compare"`
	Measures  MeasuresConfig  `mapstructure:"measures"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// OpenDataConfig configures the prescribing data portal client.
type OpenDataConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Dataset     string        `mapstructure:"dataset"`
	SQL         string        `mapstructure:"sql"`
	Retries     int           `mapstructure:"retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Options converts to client options.
func (o OpenDataConfig) Options() opendata.Options {
	return opendata.Options{
		BaseURL:     o.BaseURL,
		Retries:     o.Retries,
		RetryDelay:  o.RetryDelay,
		Concurrency: o.Concurrency,
		Timeout:     o.Timeout,
	}
}

type CompareConfig struct {
	ExcludeChapters []string `mapstructure:"exclude_chapters"`
}

// MeasuresConfig selects where measure definitions come from.
type MeasuresConfig struct {
	Source           string `mapstructure:"source"` // "dir" or "github"
	Dir              string `mapstructure:"dir"`
	GitHubListingURL string `mapstructure:"github_listing_url"`
	GitHubRawURL     string `mapstructure:"github_raw_url"`
}

type ReportsConfig struct {
	Dir            string `mapstructure:"dir"`
	PreviewBaseURL string `mapstructure:"preview_base_url"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Measure sources.
const (
	SourceDir    = "dir"
	SourceGitHub = "github"
)

// =============================================================================
// LOADING
// =============================================================================

// New returns a viper instance with defaults, env binding and the config
// search path set. file overrides the search path when non-empty.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("bnfwatch")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".bnfwatch"))
	}
	return v
}

func setDefaults(v *viper.Viper) {
	def := opendata.DefaultOptions()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.path", "bnfwatch.db")

	v.SetDefault("opendata.base_url", def.BaseURL)
	v.SetDefault("opendata.dataset", opendata.DefaultDataset)
	v.SetDefault("opendata.sql", opendata.DefaultSQL)
	v.SetDefault("opendata.retries", def.Retries)
	v.SetDefault("opendata.retry_delay", def.RetryDelay)
	v.SetDefault("opendata.concurrency", def.Concurrency)
	v.SetDefault("opendata.timeout", def.Timeout)

	v.SetDefault("compare.exclude_chapters", []string{})

	v.SetDefault("measures.source", SourceGitHub)
	v.SetDefault("measures.dir", "measures")
	v.SetDefault("measures.github_listing_url", factory.DefaultListingURL)
	v.SetDefault("measures.github_raw_url", factory.DefaultRawBaseURL)

	v.SetDefault("reports.dir", "reports")
	v.SetDefault("reports.preview_base_url", report.DefaultPreviewBaseURL)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 6*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the config file if one is found and unmarshals the result.
// A missing file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port)}
	}
	if c.Database.Path == "" {
		return &ConfigError{Field: "database.path", Message: "must not be empty"}
	}
	if c.OpenData.Dataset == "" {
		return &ConfigError{Field: "opendata.dataset", Message: "must not be empty"}
	}
	if !strings.Contains(c.OpenData.SQL, opendata.FromTablePlaceholder) {
		return &ConfigError{Field: "opendata.sql", Message: "must contain " + opendata.FromTablePlaceholder}
	}
	if c.OpenData.Retries < 1 {
		return &ConfigError{Field: "opendata.retries", Message: "must be at least 1"}
	}
	if c.OpenData.Concurrency < 1 {
		return &ConfigError{Field: "opendata.concurrency", Message: "must be at least 1"}
	}
	if _, err := bnf.ParseExclusions(c.Compare.ExcludeChapters); err != nil {
		return &ConfigError{Field: "compare.exclude_chapters", Message: err.Error()}
	}
	switch c.Measures.Source {
	case SourceDir:
		if c.Measures.Dir == "" {
			return &ConfigError{Field: "measures.dir", Message: "required when measures.source is dir"}
		}
	case SourceGitHub:
		if c.Measures.GitHubListingURL == "" || c.Measures.GitHubRawURL == "" {
			return &ConfigError{Field: "measures.github_listing_url", Message: "listing and raw URLs are required when measures.source is github"}
		}
	default:
		return &ConfigError{Field: "measures.source", Message: fmt.Sprintf("must be %q or %q, got %q", SourceDir, SourceGitHub, c.Measures.Source)}
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return &ConfigError{Field: "scheduler.interval", Message: "must be positive when the scheduler is enabled"}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error()}
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return &ConfigError{Field: "log.format", Message: fmt.Sprintf("must be json or console, got %q", c.Log.Format)}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds a zap logger. "console" gives the development encoder,
// anything else the production JSON encoder.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zc zap.Config
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
