// Package main implements the fhirview CLI driver: discovers
// ViewDefinitions, compiles them into Plans, and materializes each
// against its configured NDJSON source into DuckDB tables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/compiler"
	"github.com/gofhir/fhirview/config"
	"github.com/gofhir/fhirview/dbpool"
	"github.com/gofhir/fhirview/duckdb/table"
	"github.com/gofhir/fhirview/duckdb/upsert"
	"github.com/gofhir/fhirview/fhirpathx"
	"github.com/gofhir/fhirview/logx"
	"github.com/gofhir/fhirview/materializer"
	"github.com/gofhir/fhirview/metrics"
	"github.com/gofhir/fhirview/stream"
	"github.com/gofhir/fhirview/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhirview: %v\n", err)
		return 2
	}

	logOut, err := cfg.LogOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhirview: %v\n", err)
		return 2
	}
	if logOut != os.Stderr {
		defer func() { _ = logOut.Close() }()
	}
	log := logx.New(logOut, cfg.LogLevelValue())
	log.Info("startup", logx.F("version", viewdef.Version), logx.F("config", cfg.String()))

	ctx := context.Background()

	plans, err := loadPlans(cfg.ViewDefinitionsFolder, log)
	if err != nil {
		log.Error("fatal", logx.F("error", err.Error()))
		return 1
	}
	if len(plans) == 0 {
		log.Error("fatal", logx.F("error", fmt.Sprintf("no ViewDefinitions found in %s", cfg.ViewDefinitionsFolder)))
		return 1
	}

	pool, err := dbpool.Open(ctx, cfg.DuckDBPath(), cfg.ConnectionPoolSize)
	if err != nil {
		log.Error("fatal", logx.F("error", err.Error()))
		return 1
	}
	defer func() { _ = pool.Close() }()

	limiter := worker.NewLimiter(cfg.ConcurrencyLimit)
	tableManager := table.New(pool)

	inputPath, isFolder := cfg.InputSource()
	inputFiles, err := resolveInputFiles(inputPath, isFolder)
	if err != nil {
		log.Error("fatal", logx.F("error", err.Error()))
		return 1
	}

	exitCode := 0
	for _, plan := range plans {
		if err := tableManager.EnsureTable(ctx, plan); err != nil {
			log.Error("fatal", logx.F("view", plan.Name), logx.F("error", err.Error()))
			exitCode = 1
			continue
		}
		log.Info("table-ready",
			logx.F("view", plan.Name),
			logx.F("table", plan.Table()),
			logx.F("columns", strings.Join(table.ColumnNames(plan.Columns), ",")),
		)

		counters := metrics.New()
		adapter := fhirpathx.New()
		for _, c := range plan.Constants {
			adapter.RegisterConstant(c.Name, c.Value, c.Type)
		}
		mat := materializer.New(adapter, materializer.WithLogger(log))
		processor := stream.New(mat, limiter, stream.WithLogger(log), stream.WithMetrics(counters))
		engine := upsert.New(pool, limiter, cfg.BatchSize, upsert.WithLogger(log), upsert.WithMetrics(counters))

		for _, file := range inputFiles {
			rows, err := processor.Process(ctx, file, plan)
			if err != nil {
				log.Error("fatal", logx.F("view", plan.Name), logx.F("file", file), logx.F("error", err.Error()))
				exitCode = 1
				continue
			}
			if len(rows) == 0 {
				continue
			}

			result, err := engine.Upsert(ctx, plan, rows)
			if err != nil {
				log.Error("fatal", logx.F("view", plan.Name), logx.F("file", file), logx.F("error", err.Error()))
				exitCode = 1
				continue
			}
			log.Info("batch-completed",
				logx.F("view", plan.Name),
				logx.F("file", file),
				logx.F("inserted", result.Inserted),
				logx.F("deleted", result.Deleted),
				logx.F("updated", result.Updated),
				logx.F("errors", result.Errors),
			)
			if result.Errors > 0 {
				exitCode = 1
			}
		}
	}

	return exitCode
}

// loadPlans compiles every *.json file in folder into a Plan, in
// lexicographic filename order. A file that fails to read, parse, or
// compile is InvalidViewDefinition, per spec §7: fatal for that view only —
// it's logged and skipped, and loading continues with the rest of the
// folder.
func loadPlans(folder string, log *logx.Logger) ([]*viewdef.Plan, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read view definitions folder %s: %w", folder, err)
	}

	var plans []*viewdef.Plan
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("invalid-view-definition", logx.F("file", path), logx.F("error", err.Error()))
			continue
		}

		var vd compiler.ViewDefinition
		if err := json.Unmarshal(data, &vd); err != nil {
			log.Error("invalid-view-definition", logx.F("file", path), logx.F("error", err.Error()))
			continue
		}

		plan, err := compiler.Compile(&vd)
		if err != nil {
			log.Error("invalid-view-definition", logx.F("file", path), logx.F("error", err.Error()))
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// resolveInputFiles expands the driver's input source into a concrete list
// of NDJSON files, per spec §6: a single ndjsonFilePath, or every .ndjson or
// .json file (subdirectories excluded) in a bulkExportFolder.
func resolveInputFiles(path string, isFolder bool) ([]string, error) {
	if !isFolder {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read bulk export folder %s: %w", path, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".ndjson") || strings.HasSuffix(name, ".json") {
			files = append(files, filepath.Join(path, name))
		}
	}
	return files, nil
}
