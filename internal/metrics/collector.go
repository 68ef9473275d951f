// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the collected statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Embedding     *OperationSnapshot `json:"embedding,omitempty"`
	IndexInsert   *OperationSnapshot `json:"index_insert,omitempty"`
	IndexQuery    *OperationSnapshot `json:"index_query,omitempty"`
	IndexDelete   *OperationSnapshot `json:"index_delete,omitempty"`
	SourceFetch   *OperationSnapshot `json:"source_fetch,omitempty"`
	PipelineRun   *OperationSnapshot `json:"pipeline_run,omitempty"`
}

// Operation names for the collector.
const (
	OpEmbedding   = "embedding"
	OpIndexInsert = "index_insert"
	OpIndexQuery  = "index_query"
	OpIndexDelete = "index_delete"
	OpSourceFetch = "source_fetch"
	OpPipelineRun = "pipeline_run"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. A nil *Collector discards everything.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for a successful operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.Record(op, duration, nil)
}

// Record records timing for an operation and counts it as an error when err
// is non-nil.
func (c *Collector) Record(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Errors++
	}

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Track starts timing op. Call the returned func with the operation's error.
func (c *Collector) Track(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		c.Record(op, time.Since(start), err)
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Embedding:     snapshotOp(c.ops[OpEmbedding]),
		IndexInsert:   snapshotOp(c.ops[OpIndexInsert]),
		IndexQuery:    snapshotOp(c.ops[OpIndexQuery]),
		IndexDelete:   snapshotOp(c.ops[OpIndexDelete]),
		SourceFetch:   snapshotOp(c.ops[OpSourceFetch]),
		PipelineRun:   snapshotOp(c.ops[OpPipelineRun]),
	}
}
