package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks engine-wide execution and monitoring counters.
type Metrics struct {
	ExecutionLatency *LatencyHistogram
	PollLatency      *LatencyHistogram

	executions   uint64
	execFailures uint64
	rollbacks    uint64
	ticks        uint64
	pollFailures uint64
	stopMoves    uint64
	firedRuns    uint64

	started time.Time
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionLatency: NewLatencyHistogram(500),
		PollLatency:      NewLatencyHistogram(2000),
		started:          time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of latency samples.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window holding at most size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records d in milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats is recomputed only when samples changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cached.Count > 0 {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) IncrementExecutions()    { atomic.AddUint64(&m.executions, 1) }
func (m *Metrics) IncrementExecFailures()  { atomic.AddUint64(&m.execFailures, 1) }
func (m *Metrics) IncrementRollbacks()     { atomic.AddUint64(&m.rollbacks, 1) }
func (m *Metrics) IncrementTicks()         { atomic.AddUint64(&m.ticks, 1) }
func (m *Metrics) IncrementPollFailures()  { atomic.AddUint64(&m.pollFailures, 1) }
func (m *Metrics) IncrementStopMoves()     { atomic.AddUint64(&m.stopMoves, 1) }
func (m *Metrics) IncrementScheduledRuns() { atomic.AddUint64(&m.firedRuns, 1) }

// MetricsSnapshot is a point-in-time view served by the operator API.
type MetricsSnapshot struct {
	ExecutionLatency LatencyStats `json:"execution_latency"`
	PollLatency      LatencyStats `json:"poll_latency"`
	Executions       uint64       `json:"executions"`
	ExecFailures     uint64       `json:"execution_failures"`
	Rollbacks        uint64       `json:"rollbacks"`
	Ticks            uint64       `json:"monitor_ticks"`
	PollFailures     uint64       `json:"poll_failures"`
	StopMoves        uint64       `json:"stop_moves"`
	ScheduledRuns    uint64       `json:"scheduled_runs"`
	ActiveMonitors   int          `json:"active_monitors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Snapshot reads all counters. activeMonitors is supplied by the caller.
func (m *Metrics) Snapshot(activeMonitors int) MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsSnapshot{
		ExecutionLatency: m.ExecutionLatency.Stats(),
		PollLatency:      m.PollLatency.Stats(),
		Executions:       atomic.LoadUint64(&m.executions),
		ExecFailures:     atomic.LoadUint64(&m.execFailures),
		Rollbacks:        atomic.LoadUint64(&m.rollbacks),
		Ticks:            atomic.LoadUint64(&m.ticks),
		PollFailures:     atomic.LoadUint64(&m.pollFailures),
		StopMoves:        atomic.LoadUint64(&m.stopMoves),
		ScheduledRuns:    atomic.LoadUint64(&m.firedRuns),
		ActiveMonitors:   activeMonitors,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		Uptime:           time.Since(m.started).Round(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
