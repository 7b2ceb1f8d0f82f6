package config

import (
	"testing"

	"github.com/gofhir/fhirview/logx"
)

func clearFHIRVIEWEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FHIRVIEW_DEBUG", "FHIRVIEW_ASYNC_PROCESSING", "FHIRVIEW_VIEW_DEFINITIONS_FOLDER",
		"FHIRVIEW_NDJSON_FILE_PATH", "FHIRVIEW_BULK_EXPORT_FOLDER", "FHIRVIEW_DUCKDB_FOLDER",
		"FHIRVIEW_DUCKDB_FILE_NAME", "FHIRVIEW_CONNECTION_POOL_SIZE", "FHIRVIEW_CONCURRENCY_LIMIT",
		"FHIRVIEW_BATCH_SIZE", "FHIRVIEW_LOG_LEVEL", "FHIRVIEW_LOGS_FOLDER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_RequiresOneInputSource(t *testing.T) {
	clearFHIRVIEWEnv(t)
	if _, err := Load([]string{}); err == nil {
		t.Error("Load with neither -ndjson-file nor -bulk-export-folder should error")
	}
}

func TestLoad_RejectsBothInputSources(t *testing.T) {
	clearFHIRVIEWEnv(t)
	_, err := Load([]string{"-ndjson-file", "a.ndjson", "-bulk-export-folder", "./folder"})
	if err == nil {
		t.Error("Load with both input sources set should error")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearFHIRVIEWEnv(t)
	cfg, err := Load([]string{"-ndjson-file", "a.ndjson"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectionPoolSize != 4 || cfg.ConcurrencyLimit != 4 || cfg.BatchSize != 500 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.DuckDBPath() != "fhirview.duckdb" {
		t.Errorf("DuckDBPath() = %q, want %q", cfg.DuckDBPath(), "fhirview.duckdb")
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	clearFHIRVIEWEnv(t)
	t.Setenv("FHIRVIEW_BATCH_SIZE", "100")

	cfg, err := Load([]string{"-ndjson-file", "a.ndjson", "-batch-size", "250"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want 250 (flag should win over env)", cfg.BatchSize)
	}
}

func TestLoad_EnvAppliesWhenFlagAbsent(t *testing.T) {
	clearFHIRVIEWEnv(t)
	t.Setenv("FHIRVIEW_BATCH_SIZE", "100")

	cfg, err := Load([]string{"-ndjson-file", "a.ndjson"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.BatchSize)
	}
}

func TestLoad_SerialAsyncForcesConcurrencyLimitToOne(t *testing.T) {
	clearFHIRVIEWEnv(t)
	cfg, err := Load([]string{"-ndjson-file", "a.ndjson", "-async=false", "-concurrency-limit", "4"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConcurrencyLimit != 1 {
		t.Errorf("ConcurrencyLimit = %d, want 1 when async=false", cfg.ConcurrencyLimit)
	}
}

func TestLoad_ConcurrencyLimitMustNotExceedPoolSize(t *testing.T) {
	clearFHIRVIEWEnv(t)
	_, err := Load([]string{"-ndjson-file", "a.ndjson", "-concurrency-limit", "8", "-connection-pool-size", "4"})
	if err == nil {
		t.Error("Load should reject concurrency-limit > connection-pool-size")
	}
}

func TestLoad_InvalidBatchSizeRejected(t *testing.T) {
	clearFHIRVIEWEnv(t)
	_, err := Load([]string{"-ndjson-file", "a.ndjson", "-batch-size", "0"})
	if err == nil {
		t.Error("Load should reject batch-size < 1")
	}
}

func TestConfig_InputSource(t *testing.T) {
	clearFHIRVIEWEnv(t)
	cfg, err := Load([]string{"-bulk-export-folder", "./bulk"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	path, isFolder := cfg.InputSource()
	if path != "./bulk" || !isFolder {
		t.Errorf("InputSource() = (%q, %v), want (./bulk, true)", path, isFolder)
	}
}

func TestConfig_LogLevelValue_DebugOverridesLogLevel(t *testing.T) {
	clearFHIRVIEWEnv(t)
	cfg, err := Load([]string{"-ndjson-file", "a.ndjson", "-debug", "-log-level", "error"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevelValue() != logx.LevelDebug {
		t.Errorf("LogLevelValue() = %v, want LevelDebug when -debug is set", cfg.LogLevelValue())
	}
}
