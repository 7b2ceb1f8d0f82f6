// Package upsert implements the Upsert Engine, spec §4.F: transactional
// delete-by-resource-key + insert for a batch of rows, reporting
// {inserted, deleted, updated, errors}.
//
// Per SPEC_FULL.md §9 (resolving spec §9's open question), the whole call
// runs inside one transaction pinned to a single pooled connection; a
// per-row insert failure is isolated with a SAVEPOINT instead of aborting
// the call, while a failure in the count/delete phase is treated as fatal
// and rolls back everything, bumping errors by the full batch size.
package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/dbpool"
	"github.com/gofhir/fhirview/logx"
	"github.com/gofhir/fhirview/metrics"
	"github.com/gofhir/fhirview/pool"
	"github.com/gofhir/fhirview/worker"
)

// Result is the outcome of one Upsert call, per spec §4.F's contract.
type Result struct {
	Inserted int
	Deleted  int
	Updated  int
	Errors   int
}

// Engine upserts materialized rows into DuckDB tables.
type Engine struct {
	pool      *dbpool.Pool
	limiter   *worker.Limiter
	batchSize int
	log       *logx.Logger
	metrics   *metrics.Counters
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the logger used for failed-record events.
func WithLogger(l *logx.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches a Counters instance that upsert outcomes are
// recorded against.
func WithMetrics(c *metrics.Counters) Option {
	return func(e *Engine) { e.metrics = c }
}

// New creates an Engine. batchSize <= 0 is treated as 1.
func New(pool *dbpool.Pool, limiter *worker.Limiter, batchSize int, opts ...Option) *Engine {
	if batchSize <= 0 {
		batchSize = 1
	}
	e := &Engine{pool: pool, limiter: limiter, batchSize: batchSize, log: logx.Default(), metrics: metrics.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert applies rows (which may span many source resources) to plan's
// destination table, per spec §4.F.
func (e *Engine) Upsert(ctx context.Context, plan *viewdef.Plan, rows []viewdef.Row) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	// The shared Limiter bounds this whole call as one unit of work rather
	// than each row within it: every row insert below runs on the same
	// *sql.Tx inside its own savepoint, and savepoints on one transaction
	// aren't safe to push/release concurrently from multiple goroutines.
	if err := e.limiter.Acquire(ctx); err != nil {
		e.metrics.RecordErrors(len(rows))
		return Result{Errors: len(rows)}, fmt.Errorf("upsert: acquire concurrency slot: %w", err)
	}
	defer e.limiter.Release()

	tableName := plan.Table()
	keyColumn := plan.ResourceKeyColumn()

	lease, err := e.pool.Acquire()
	if err != nil {
		e.metrics.RecordPoolExhausted()
		e.metrics.RecordErrors(len(rows))
		return Result{Errors: len(rows)}, fmt.Errorf("upsert: acquire connection: %w", err)
	}
	e.metrics.RecordPoolAcquire()
	defer lease.Release()

	tx, err := lease.BeginTx(ctx, nil)
	if err != nil {
		e.metrics.RecordErrors(len(rows))
		return Result{Errors: len(rows)}, fmt.Errorf("upsert: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	columns, err := introspectColumns(ctx, tx, tableName)
	if err != nil {
		e.metrics.RecordErrors(len(rows))
		return Result{Errors: len(rows)}, fmt.Errorf("upsert: introspect columns: %w", err)
	}

	var result Result
	for _, g := range groupByKey(rows, keyColumn) {
		before, err := countByKey(ctx, tx, tableName, keyColumn, g.value)
		if err != nil {
			e.metrics.RecordErrors(len(rows))
			return Result{Errors: len(rows)}, fmt.Errorf("upsert: count existing rows for key %v: %w", g.value, err)
		}
		if before > 0 {
			if err := deleteByKey(ctx, tx, tableName, keyColumn, g.value); err != nil {
				e.metrics.RecordErrors(len(rows))
				return Result{Errors: len(rows)}, fmt.Errorf("upsert: delete existing rows for key %v: %w", g.value, err)
			}
			result.Deleted += before
			result.Updated += before
		}
	}

	inserted, insertErrs := e.insertAll(ctx, tx, tableName, columns, rows)
	result.Inserted += inserted
	result.Errors += insertErrs

	if err := tx.Commit(); err != nil {
		e.metrics.RecordErrors(len(rows))
		return Result{Errors: len(rows)}, fmt.Errorf("upsert: commit: %w", err)
	}
	committed = true

	e.metrics.RecordInserted(result.Inserted)
	e.metrics.RecordDeleted(result.Deleted)
	e.metrics.RecordUpdated(result.Updated)
	e.metrics.RecordErrors(result.Errors)

	return result, nil
}

// insertAll inserts rows one at a time, in chunks of batchSize, each wrapped
// in its own savepoint on the call's single shared transaction. Rows within
// a chunk (and across chunks) run sequentially, never concurrently: a
// SAVEPOINT/ROLLBACK TO SAVEPOINT pair pushes and pops a stack on the
// connection's transaction, and interleaving that stack from multiple
// goroutines would let one row's rollback discard another row's already-
// committed-to-the-savepoint insert. batchSize only groups rows for
// diagnostics locality here, not for concurrency.
func (e *Engine) insertAll(ctx context.Context, tx *sql.Tx, tableName string, columns []string, rows []viewdef.Row) (inserted, errCount int) {
	for start := 0; start < len(rows); start += e.batchSize {
		end := start + e.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		for i := start; i < end; i++ {
			spName := fmt.Sprintf("row_%d", i)
			if err := insertRow(ctx, tx, spName, tableName, columns, rows[i]); err != nil {
				e.log.Warn("failed-record", logx.F("table", tableName), logx.F("row", i), logx.F("error", err.Error()))
				errCount++
				continue
			}
			inserted++
		}
	}

	return inserted, errCount
}

// insertRow inserts one row inside a savepoint, rolling back only that
// savepoint (not the whole transaction) on failure, per spec §4.F.
func insertRow(ctx context.Context, tx *sql.Tx, savepoint, tableName string, columns []string, row viewdef.Row) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", savepoint)); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	quotedPtr := pool.AcquireStringSlice()
	defer pool.ReleaseStringSlice(quotedPtr)
	placeholdersPtr := pool.AcquireStringSlice()
	defer pool.ReleaseStringSlice(placeholdersPtr)

	args := make([]any, len(columns))
	for i, name := range columns {
		*quotedPtr = append(*quotedPtr, fmt.Sprintf("%q", name))
		*placeholdersPtr = append(*placeholdersPtr, "?")
		args[i] = row[name]
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, tableName, strings.Join(*quotedPtr, ","), strings.Join(*placeholdersPtr, ","))
	if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
		_, _ = tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", savepoint))
		return fmt.Errorf("insert: %w", err)
	}

	_, _ = tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", savepoint))
	return nil
}

// keyGroup is one distinct resource-key value appearing in the batch, in
// first-seen order.
type keyGroup struct {
	value any
}

func groupByKey(rows []viewdef.Row, keyColumn string) []keyGroup {
	seen := map[string]bool{}
	var groups []keyGroup
	for _, r := range rows {
		v := r[keyColumn]
		k := fmt.Sprintf("%v", v)
		if seen[k] {
			continue
		}
		seen[k] = true
		groups = append(groups, keyGroup{value: v})
	}
	return groups
}

func countByKey(ctx context.Context, tx *sql.Tx, tableName, keyColumn string, value any) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q = ?`, tableName, keyColumn)
	err := tx.QueryRowContext(ctx, query, value).Scan(&n)
	return n, err
}

func deleteByKey(ctx context.Context, tx *sql.Tx, tableName, keyColumn string, value any) error {
	query := fmt.Sprintf(`DELETE FROM %q WHERE %q = ?`, tableName, keyColumn)
	_, err := tx.ExecContext(ctx, query, value)
	return err
}

// introspectColumns returns the destination table's current column list,
// excluding the surrogate "id" and the "last_updated" system column, in
// ordinal order — the tuple row values are bound against, per spec §4.F.
func introspectColumns(ctx context.Context, tx *sql.Tx, tableName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = ? AND column_name NOT IN ('id', 'last_updated')
		ORDER BY ordinal_position`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}
