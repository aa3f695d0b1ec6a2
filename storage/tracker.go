package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/metrics"
)

// Operation types recorded by the tracker.
const (
	OpWrite = "write"
	OpQuery = "query"
)

// Operation is one recorded repository call.
type Operation struct {
	OpType          string
	Timestamp       time.Time
	Duration        time.Duration
	PointsProcessed int
	PointsFailed    int
	Success         bool
}

// CurrentMetrics is the rolling summary for one backend.
type CurrentMetrics struct {
	AvgWriteLatencyMs float64 `json:"avg_write_latency_ms"`
	AvgQueryLatencyMs float64 `json:"avg_query_latency_ms"`
	ThroughputOpsPerS float64 `json:"throughput_ops_per_s"`
	ErrorRatePct      float64 `json:"error_rate_pct"`
	ActiveConnections int     `json:"active_connections"`
	QueueSize         int     `json:"queue_size"`
}

// LatencyPercentiles carries the distribution for one op type.
type LatencyPercentiles struct {
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// DetailedMetrics extends CurrentMetrics with totals and percentiles.
type DetailedMetrics struct {
	CurrentMetrics
	TotalOperations  int                `json:"total_operations"`
	TotalPoints      int                `json:"total_points"`
	TotalFailed      int                `json:"total_failed"`
	WritePercentiles LatencyPercentiles `json:"write_percentiles"`
	QueryPercentiles LatencyPercentiles `json:"query_percentiles"`
}

type backendWindow struct {
	ops               []Operation
	activeConnections int
	queueSize         int
}

// Tracker keeps a sliding window of operation metrics per backend and
// publishes per-backend summaries on a fixed cadence.
type Tracker struct {
	window  time.Duration
	cadence time.Duration
	bus     events.Bus

	mu       sync.Mutex
	backends map[string]*backendWindow

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup

	mLatency metrics.Histogram
	mErrors  metrics.Counter
}

// NewTracker builds a tracker. bus and provider may be nil.
func NewTracker(cfg config.StorageConfig, bus events.Bus, provider metrics.Provider) *Tracker {
	window := cfg.TrackerWindow
	if window <= 0 {
		window = config.DefaultTrackerWindow
	}
	cadence := cfg.TrackerCadence
	if cadence <= 0 {
		cadence = config.DefaultTrackerCadence
	}
	t := &Tracker{
		window:   window,
		cadence:  cadence,
		bus:      bus,
		backends: make(map[string]*backendWindow),
		stopCh:   make(chan struct{}),
	}
	if provider != nil {
		t.mLatency = provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "weighbridge", Subsystem: "storage", Name: "op_duration_seconds", Help: "Repository operation latency", Labels: []string{"backend", "op"}}})
		t.mErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "weighbridge", Subsystem: "storage", Name: "op_errors_total", Help: "Repository operation failures", Labels: []string{"backend", "op"}}})
	}
	return t
}

// Record appends one operation for a backend, pruning expired entries.
func (t *Tracker) Record(backend string, op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	t.mu.Lock()
	w := t.backends[backend]
	if w == nil {
		w = &backendWindow{}
		t.backends[backend] = w
	}
	w.ops = append(w.ops, op)
	t.pruneLocked(w, op.Timestamp)
	t.mu.Unlock()

	if t.mLatency != nil {
		t.mLatency.Observe(op.Duration.Seconds(), backend, op.OpType)
	}
	if !op.Success && t.mErrors != nil {
		t.mErrors.Inc(1, backend, op.OpType)
	}
}

// SetGauges records connection-pool figures reported by a backend.
func (t *Tracker) SetGauges(backend string, activeConnections, queueSize int) {
	t.mu.Lock()
	w := t.backends[backend]
	if w == nil {
		w = &backendWindow{}
		t.backends[backend] = w
	}
	w.activeConnections = activeConnections
	w.queueSize = queueSize
	t.mu.Unlock()
}

func (t *Tracker) pruneLocked(w *backendWindow, now time.Time) {
	cutoff := now.Add(-t.window)
	idx := 0
	for idx < len(w.ops) && w.ops[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.ops = append(w.ops[:0], w.ops[idx:]...)
	}
}

// Current returns the rolling summary for one backend.
func (t *Tracker) Current(backend string) CurrentMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.backends[backend]
	if w == nil {
		return CurrentMetrics{}
	}
	t.pruneLocked(w, time.Now())
	return t.currentLocked(w)
}

func (t *Tracker) currentLocked(w *backendWindow) CurrentMetrics {
	var out CurrentMetrics
	out.ActiveConnections = w.activeConnections
	out.QueueSize = w.queueSize
	if len(w.ops) == 0 {
		return out
	}
	var writeSum, querySum float64
	var writeN, queryN, failures int
	for _, op := range w.ops {
		switch op.OpType {
		case OpWrite:
			writeSum += float64(op.Duration.Milliseconds())
			writeN++
		case OpQuery:
			querySum += float64(op.Duration.Milliseconds())
			queryN++
		}
		if !op.Success {
			failures++
		}
	}
	if writeN > 0 {
		out.AvgWriteLatencyMs = writeSum / float64(writeN)
	}
	if queryN > 0 {
		out.AvgQueryLatencyMs = querySum / float64(queryN)
	}
	span := w.ops[len(w.ops)-1].Timestamp.Sub(w.ops[0].Timestamp).Seconds()
	if span <= 0 {
		span = 1
	}
	out.ThroughputOpsPerS = float64(len(w.ops)) / span
	out.ErrorRatePct = float64(failures) / float64(len(w.ops)) * 100
	return out
}

// Detailed returns totals plus latency percentiles for one backend.
func (t *Tracker) Detailed(backend string) DetailedMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.backends[backend]
	if w == nil {
		return DetailedMetrics{}
	}
	t.pruneLocked(w, time.Now())
	out := DetailedMetrics{CurrentMetrics: t.currentLocked(w)}
	var writes, queries []float64
	for _, op := range w.ops {
		out.TotalOperations++
		out.TotalPoints += op.PointsProcessed
		out.TotalFailed += op.PointsFailed
		ms := float64(op.Duration.Milliseconds())
		switch op.OpType {
		case OpWrite:
			writes = append(writes, ms)
		case OpQuery:
			queries = append(queries, ms)
		}
	}
	out.WritePercentiles = percentiles(writes)
	out.QueryPercentiles = percentiles(queries)
	return out
}

// Backends lists backends with recorded activity.
func (t *Tracker) Backends() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.backends))
	for name := range t.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches the cadence publisher.
func (t *Tracker) Start(ctx context.Context) {
	t.loopWG.Add(1)
	go func() {
		defer t.loopWG.Done()
		ticker := time.NewTicker(t.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.publish()
			}
		}
	}()
}

// Stop halts the cadence publisher.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.loopWG.Wait()
}

func (t *Tracker) publish() {
	if t.bus == nil {
		return
	}
	for _, name := range t.Backends() {
		cur := t.Current(name)
		_ = t.bus.Publish(events.Event{
			Category: events.CategoryStorage,
			Type:     "performance_snapshot",
			Labels:   map[string]string{"backend": name},
			Fields: map[string]interface{}{
				"avg_write_latency_ms": cur.AvgWriteLatencyMs,
				"avg_query_latency_ms": cur.AvgQueryLatencyMs,
				"throughput_ops_per_s": cur.ThroughputOpsPerS,
				"error_rate_pct":       cur.ErrorRatePct,
				"active_connections":   cur.ActiveConnections,
				"queue_size":           cur.QueueSize,
			},
		})
	}
}

// percentiles computes p50/p95/p99 over a copied sample set.
func percentiles(xs []float64) LatencyPercentiles {
	if len(xs) == 0 {
		return LatencyPercentiles{}
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	pick := func(q float64) float64 {
		idx := int(q * float64(len(cp)-1))
		return cp[idx]
	}
	return LatencyPercentiles{P50Ms: pick(0.50), P95Ms: pick(0.95), P99Ms: pick(0.99)}
}
