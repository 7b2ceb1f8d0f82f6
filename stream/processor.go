// Package stream implements the Stream Processor, spec §4.D: a
// line-oriented NDJSON reader that parses each candidate resource,
// dispatches it to the Row Materializer under bounded concurrency, and
// tallies progress — generalized from the reference validator's
// BundleValidator (bundle.go), which parsed FHIR Bundle.entry arrays under
// a worker pool in the same shape.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/logx"
	"github.com/gofhir/fhirview/metrics"
	"github.com/gofhir/fhirview/pool"
	"github.com/gofhir/fhirview/worker"
)

// RowMaterializer applies a compiled Plan to one parsed resource. The Row
// Materializer package's *Materializer satisfies this.
type RowMaterializer interface {
	Materialize(plan *viewdef.Plan, resource map[string]any) (rows []viewdef.Row, matched bool, err error)
}

// maxLineBytes bounds a single NDJSON line; FHIR resources with large
// embedded documents (e.g. DocumentReference.content) can run well past
// bufio.Scanner's 64KiB default.
const maxLineBytes = 32 * 1024 * 1024

// progressInterval is how often a progress event is emitted, per spec §4.D.
const progressInterval = 1000

// Processor reads an NDJSON file and materializes every admitted resource.
type Processor struct {
	materialize RowMaterializer
	limiter     *worker.Limiter
	metrics     *metrics.Counters
	log         *logx.Logger
	resources   *pool.MapPool[string, any]
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the logger used for progress and failed-record events.
func WithLogger(l *logx.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithMetrics attaches a Counters instance progress is recorded against.
func WithMetrics(c *metrics.Counters) Option {
	return func(p *Processor) { p.metrics = c }
}

// New creates a Processor. limiter bounds in-flight materializations, per
// spec §5 ("A single limiter of capacity concurrencyLimit guards both
// stream materialization and per-row inserts").
func New(materialize RowMaterializer, limiter *worker.Limiter, opts ...Option) *Processor {
	p := &Processor{
		materialize: materialize,
		limiter:     limiter,
		metrics:     metrics.New(),
		log:         logx.Default(),
		resources:   pool.NewMapPool[string, any](32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process reads path line by line, materializing every non-blank line
// against plan. Rows are appended in the completion order of their
// dispatched materializations; total output order across resources is not
// a correctness requirement, per spec §5.
func (p *Processor) Process(ctx context.Context, path string, plan *viewdef.Plan) ([]viewdef.Row, error) {
	runID := uuid.New().String()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fileSize := int64(0)
	if info, statErr := f.Stat(); statErr == nil {
		fileSize = info.Size()
	}

	scanBuf := pool.AcquireByteSlice()
	defer pool.ReleaseByteSlice(scanBuf)

	scanner := bufio.NewScanner(f)
	scanner.Buffer((*scanBuf)[:0:cap(*scanBuf)], maxLineBytes)

	var (
		mu        sync.Mutex
		rows      []viewdef.Row
		wg        sync.WaitGroup
		lineNum   int
		bytesRead int64
		startedAt = time.Now()
	)

	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		bytesRead += int64(len(line)) + 1
		p.metrics.RecordLine()

		if strings.TrimSpace(line) == "" {
			continue
		}

		wg.Add(1)
		dispatchErr := p.limiter.Go(ctx, func() {
			defer wg.Done()
			p.processLine(runID, plan, line, &mu, &rows)
		})
		if dispatchErr != nil {
			wg.Done()
			p.metrics.RecordInvalid()
			p.log.Warn("failed-record", logx.F("run_id", runID), logx.F("line", lineNum), logx.F("error", dispatchErr.Error()))
		}

		if lineNum%progressInterval == 0 {
			p.logProgress(runID, lineNum, bytesRead, fileSize, startedAt)
		}
	}

	wg.Wait()

	if err := scanner.Err(); err != nil {
		return rows, fmt.Errorf("stream: read %s: %w", path, err)
	}

	p.logSummary(runID)
	return rows, nil
}

// processLine parses one NDJSON line and materializes it, recording
// counters and logging a failed-record event on any error — per spec
// §4.D's failure isolation, an invalid line never aborts the stream.
func (p *Processor) processLine(runID string, plan *viewdef.Plan, line string, mu *sync.Mutex, rows *[]viewdef.Row) {
	resource := p.resources.Acquire()
	defer p.resources.Release(resource)

	if err := json.Unmarshal([]byte(line), &resource); err != nil {
		p.metrics.RecordInvalid()
		p.log.Warn("failed-record", logx.F("run_id", runID), logx.F("error", err.Error()), logx.F("reason", "invalid-json"))
		return
	}

	materialized, matched, err := p.materialize.Materialize(plan, resource)
	if err != nil {
		p.metrics.RecordInvalid()
		p.log.Warn("failed-record", logx.F("run_id", runID), logx.F("error", err.Error()), logx.F("reason", "materialize-failed"))
		return
	}
	if !matched {
		return
	}

	p.metrics.RecordParsed()
	p.metrics.RecordRows(len(materialized))

	mu.Lock()
	*rows = append(*rows, materialized...)
	mu.Unlock()
}

func (p *Processor) logProgress(runID string, lineNum int, bytesRead, fileSize int64, startedAt time.Time) {
	elapsed := time.Since(startedAt)
	rate := p.metrics.RecordsPerSecond()

	fields := []logx.Field{
		logx.F("run_id", runID),
		logx.F("lines", lineNum),
		logx.F("records_per_second", rate),
		logx.F("elapsed", elapsed.Round(time.Second).String()),
	}
	if fileSize > 0 && bytesRead > 0 {
		bytesPerSecond := float64(bytesRead) / elapsed.Seconds()
		if bytesPerSecond > 0 {
			remainingBytes := fileSize - bytesRead
			if remainingBytes < 0 {
				remainingBytes = 0
			}
			eta := time.Duration(float64(remainingBytes)/bytesPerSecond) * time.Second
			fields = append(fields, logx.F("estimated_remaining", eta.Round(time.Second).String()))
		}
	}

	p.log.Info("progress", fields...)
}

func (p *Processor) logSummary(runID string) {
	snap := p.metrics.Snapshot()
	p.log.Info("run-summary",
		logx.F("run_id", runID),
		logx.F("total_records", snap.TotalRecords),
		logx.F("parsed_records", snap.ParsedRecords),
		logx.F("invalid_records", snap.InvalidRecords),
		logx.F("rows_emitted", snap.RowsEmitted),
		logx.F("elapsed", snap.Elapsed.Round(time.Millisecond).String()),
	)
}
