// Package metrics tracks pipeline throughput using lock-free atomic
// counters, in the same style as the reference validator's Metrics type:
// cheap to update from many concurrent materializations, cheap to snapshot
// for a run-summary log line.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters tracks the Stream Processor and Upsert Engine counters named in
// spec §4.D/§4.F/§6: line counts, row counts, and upsert outcome counts.
// All methods are safe for concurrent use.
type Counters struct {
	totalRecords   atomic.Uint64
	parsedRecords  atomic.Uint64
	invalidRecords atomic.Uint64
	rowsEmitted    atomic.Uint64

	inserted atomic.Uint64
	deleted  atomic.Uint64
	updated  atomic.Uint64
	errors   atomic.Uint64

	poolAcquires  atomic.Uint64
	poolExhausted atomic.Uint64

	startedAt time.Time
}

// New creates a Counters instance stamped with the current time, used to
// compute records-per-second for progress events.
func New() *Counters {
	return &Counters{startedAt: time.Now()}
}

// --- Stream Processor recording ---

// RecordLine increments totalRecords (one per NDJSON line seen).
func (c *Counters) RecordLine() { c.totalRecords.Add(1) }

// RecordParsed increments parsedRecords (resource-type-matched, where-admitted).
func (c *Counters) RecordParsed() { c.parsedRecords.Add(1) }

// RecordInvalid increments invalidRecords (malformed JSON or materialization error).
func (c *Counters) RecordInvalid() { c.invalidRecords.Add(1) }

// RecordRows adds n to rowsEmitted.
func (c *Counters) RecordRows(n int) {
	if n > 0 {
		c.rowsEmitted.Add(uint64(n))
	}
}

// --- Upsert Engine recording ---

// RecordInserted adds n to the inserted count.
func (c *Counters) RecordInserted(n int) {
	if n > 0 {
		c.inserted.Add(uint64(n))
	}
}

// RecordDeleted adds n to the deleted count.
func (c *Counters) RecordDeleted(n int) {
	if n > 0 {
		c.deleted.Add(uint64(n))
	}
}

// RecordUpdated adds n to the updated count.
func (c *Counters) RecordUpdated(n int) {
	if n > 0 {
		c.updated.Add(uint64(n))
	}
}

// RecordErrors adds n to the errors count.
func (c *Counters) RecordErrors(n int) {
	if n > 0 {
		c.errors.Add(uint64(n))
	}
}

// --- Pool recording ---

// RecordPoolAcquire increments the pool-acquire count.
func (c *Counters) RecordPoolAcquire() { c.poolAcquires.Add(1) }

// RecordPoolExhausted increments the pool-exhausted count.
func (c *Counters) RecordPoolExhausted() { c.poolExhausted.Add(1) }

// --- Query methods ---

// TotalRecords returns the number of NDJSON lines seen.
func (c *Counters) TotalRecords() uint64 { return c.totalRecords.Load() }

// ParsedRecords returns the number of resources admitted past the where filter.
func (c *Counters) ParsedRecords() uint64 { return c.parsedRecords.Load() }

// InvalidRecords returns the number of invalid lines/resources.
func (c *Counters) InvalidRecords() uint64 { return c.invalidRecords.Load() }

// RowsEmitted returns the number of rows the materializer produced.
func (c *Counters) RowsEmitted() uint64 { return c.rowsEmitted.Load() }

// RecordsPerSecond returns the current throughput based on totalRecords and
// elapsed wall time since New.
func (c *Counters) RecordsPerSecond() float64 {
	elapsed := time.Since(c.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.totalRecords.Load()) / elapsed
}

// Snapshot is a point-in-time view of all counters, suitable for a
// run-summary log event.
type Snapshot struct {
	TotalRecords   uint64
	ParsedRecords  uint64
	InvalidRecords uint64
	RowsEmitted    uint64
	Inserted       uint64
	Deleted        uint64
	Updated        uint64
	Errors         uint64
	PoolAcquires   uint64
	PoolExhausted  uint64
	Elapsed        time.Duration
}

// Snapshot returns the current value of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalRecords:   c.totalRecords.Load(),
		ParsedRecords:  c.parsedRecords.Load(),
		InvalidRecords: c.invalidRecords.Load(),
		RowsEmitted:    c.rowsEmitted.Load(),
		Inserted:       c.inserted.Load(),
		Deleted:        c.deleted.Load(),
		Updated:        c.updated.Load(),
		Errors:         c.errors.Load(),
		PoolAcquires:   c.poolAcquires.Load(),
		PoolExhausted:  c.poolExhausted.Load(),
		Elapsed:        time.Since(c.startedAt),
	}
}

// Export returns the snapshot as a map, for callers that want to forward
// metrics to an external system without depending on this package's types.
func (s Snapshot) Export() map[string]any {
	return map[string]any{
		"total_records":   s.TotalRecords,
		"parsed_records":  s.ParsedRecords,
		"invalid_records": s.InvalidRecords,
		"rows_emitted":    s.RowsEmitted,
		"inserted":        s.Inserted,
		"deleted":         s.Deleted,
		"updated":         s.Updated,
		"errors":          s.Errors,
		"pool_acquires":   s.PoolAcquires,
		"pool_exhausted":  s.PoolExhausted,
		"elapsed_ms":      s.Elapsed.Milliseconds(),
	}
}
