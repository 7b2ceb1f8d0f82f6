// Package config loads pipeline configuration from flags and environment
// variables, in the teacher's own style (cmd/gofhir-validator/main.go uses
// stdlib flag exclusively, with no config-file library) — extended with
// FHIRVIEW_-prefixed environment variable overrides per spec §6's option
// table, since a long-running materialization job is more often driven from
// an environment (container, cron) than an interactive terminal.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofhir/fhirview/logx"
)

// Config holds every option from spec §6's configuration table.
type Config struct {
	Debug           bool
	AsyncProcessing bool

	ViewDefinitionsFolder string
	NDJSONFilePath        string
	BulkExportFolder      string

	DuckDBFolder   string
	DuckDBFileName string

	ConnectionPoolSize int
	ConcurrencyLimit   int
	BatchSize          int

	LogLevel   string
	LogsFolder string
}

// defaults mirror the values spec §4/§5 assume when a deployment doesn't
// override them.
func defaults() Config {
	return Config{
		Debug:                 false,
		AsyncProcessing:       true,
		ViewDefinitionsFolder: "./viewdefinitions",
		DuckDBFolder:          ".",
		DuckDBFileName:        "fhirview.duckdb",
		ConnectionPoolSize:    4,
		ConcurrencyLimit:      4,
		BatchSize:             500,
		LogLevel:              "info",
	}
}

// Load parses args (typically os.Args[1:]) against flag definitions whose
// defaults come from FHIRVIEW_*-prefixed environment variables, so either
// mechanism can set any option and flags win when both are present.
func Load(args []string) (*Config, error) {
	cfg := defaults()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("fhirview", flag.ContinueOnError)

	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable verbose trace logging")
	fs.BoolVar(&cfg.AsyncProcessing, "async", cfg.AsyncProcessing, "false runs the pipeline strictly serially")
	fs.StringVar(&cfg.ViewDefinitionsFolder, "view-definitions-folder", cfg.ViewDefinitionsFolder, "directory scanned for ViewDefinition JSON files")
	fs.StringVar(&cfg.NDJSONFilePath, "ndjson-file", cfg.NDJSONFilePath, "single NDJSON input file")
	fs.StringVar(&cfg.BulkExportFolder, "bulk-export-folder", cfg.BulkExportFolder, "directory of NDJSON files from a bulk export")
	fs.StringVar(&cfg.DuckDBFolder, "duckdb-folder", cfg.DuckDBFolder, "directory holding the DuckDB database file")
	fs.StringVar(&cfg.DuckDBFileName, "duckdb-file", cfg.DuckDBFileName, "DuckDB database file name")
	fs.IntVar(&cfg.ConnectionPoolSize, "connection-pool-size", cfg.ConnectionPoolSize, "fixed DuckDB connection pool size")
	fs.IntVar(&cfg.ConcurrencyLimit, "concurrency-limit", cfg.ConcurrencyLimit, "max in-flight materializations/inserts")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "rows per upsert chunk")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error, or none")
	fs.StringVar(&cfg.LogsFolder, "logs-folder", cfg.LogsFolder, "directory for log output; empty logs to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := boolEnv("FHIRVIEW_DEBUG"); ok {
		cfg.Debug = v
	}
	if v, ok := boolEnv("FHIRVIEW_ASYNC_PROCESSING"); ok {
		cfg.AsyncProcessing = v
	}
	if v := os.Getenv("FHIRVIEW_VIEW_DEFINITIONS_FOLDER"); v != "" {
		cfg.ViewDefinitionsFolder = v
	}
	if v := os.Getenv("FHIRVIEW_NDJSON_FILE_PATH"); v != "" {
		cfg.NDJSONFilePath = v
	}
	if v := os.Getenv("FHIRVIEW_BULK_EXPORT_FOLDER"); v != "" {
		cfg.BulkExportFolder = v
	}
	if v := os.Getenv("FHIRVIEW_DUCKDB_FOLDER"); v != "" {
		cfg.DuckDBFolder = v
	}
	if v := os.Getenv("FHIRVIEW_DUCKDB_FILE_NAME"); v != "" {
		cfg.DuckDBFileName = v
	}
	if v, ok := intEnv("FHIRVIEW_CONNECTION_POOL_SIZE"); ok {
		cfg.ConnectionPoolSize = v
	}
	if v, ok := intEnv("FHIRVIEW_CONCURRENCY_LIMIT"); ok {
		cfg.ConcurrencyLimit = v
	}
	if v, ok := intEnv("FHIRVIEW_BATCH_SIZE"); ok {
		cfg.BatchSize = v
	}
	if v := os.Getenv("FHIRVIEW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FHIRVIEW_LOGS_FOLDER"); v != "" {
		cfg.LogsFolder = v
	}
}

func boolEnv(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// validate enforces the cross-field constraints spec §5 relies on.
func (c *Config) validate() error {
	if c.NDJSONFilePath == "" && c.BulkExportFolder == "" {
		return fmt.Errorf("config: one of -ndjson-file or -bulk-export-folder is required")
	}
	if c.NDJSONFilePath != "" && c.BulkExportFolder != "" {
		return fmt.Errorf("config: -ndjson-file and -bulk-export-folder are mutually exclusive")
	}
	if c.ConnectionPoolSize < 1 {
		return fmt.Errorf("config: connection-pool-size must be >= 1")
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("config: concurrency-limit must be >= 1")
	}
	if !c.AsyncProcessing {
		c.ConcurrencyLimit = 1
	}
	if c.ConcurrencyLimit > c.ConnectionPoolSize {
		return fmt.Errorf("config: concurrency-limit (%d) must be <= connection-pool-size (%d)", c.ConcurrencyLimit, c.ConnectionPoolSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch-size must be >= 1")
	}
	return nil
}

// DuckDBPath returns the full path to the database file.
func (c *Config) DuckDBPath() string {
	return filepath.Join(c.DuckDBFolder, c.DuckDBFileName)
}

// LogLevelValue parses LogLevel into a logx.Level, defaulting to Debug when
// Debug is set regardless of the textual level.
func (c *Config) LogLevelValue() logx.Level {
	if c.Debug {
		return logx.LevelDebug
	}
	return logx.ParseLevel(c.LogLevel)
}

// LogOutput opens the configured log destination. Callers must close it
// unless it's os.Stderr.
func (c *Config) LogOutput() (*os.File, error) {
	if c.LogsFolder == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(c.LogsFolder, 0o755); err != nil {
		return nil, fmt.Errorf("config: create logs folder %s: %w", c.LogsFolder, err)
	}
	path := filepath.Join(c.LogsFolder, "fhirview.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("config: open log file %s: %w", path, err)
	}
	return f, nil
}

// InputSource describes which of ndjsonFilePath/bulkExportFolder the
// driver should read from, per spec §6.
func (c *Config) InputSource() (path string, isFolder bool) {
	if c.BulkExportFolder != "" {
		return c.BulkExportFolder, true
	}
	return c.NDJSONFilePath, false
}

// String renders the config for a startup log line, omitting nothing
// sensitive (this pipeline has no credentials to redact).
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "debug=%v async=%v pool=%d concurrency=%d batch=%d db=%s",
		c.Debug, c.AsyncProcessing, c.ConnectionPoolSize, c.ConcurrencyLimit, c.BatchSize, c.DuckDBPath())
	return b.String()
}
