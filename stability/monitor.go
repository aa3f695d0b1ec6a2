package stability

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/metrics"
)

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Monitor keeps a rolling window of byte-stream samples, classifies the
// link on a periodic tick, and filters frames according to the current
// state. Producers are transport callbacks; the consumer is the analysis
// tick. The window never grows beyond SampleBufferSize.
type Monitor struct {
	cfg   config.StabilityConfig
	clock Clock
	bus   events.Bus

	mu           sync.RWMutex
	window       []models.StabilitySample
	state        models.StabilityState
	report       models.StabilityReport
	lastActivity time.Time
	started      time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup

	mScore    metrics.Gauge
	mSamples  metrics.Counter
	mRejected metrics.Counter
}

// NewMonitor builds a monitor. bus may be nil (no reports published);
// provider may be nil (no instrumentation).
func NewMonitor(cfg config.StabilityConfig, bus events.Bus, provider metrics.Provider) *Monitor {
	if cfg.SampleBufferSize <= 0 {
		cfg.SampleBufferSize = config.DefaultSampleBufferSize
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = config.DefaultAnalysisInterval
	}
	if cfg.DropoutThreshold <= 0 {
		cfg.DropoutThreshold = config.DefaultDropoutThreshold
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = config.DefaultStabilityThreshold
	}
	if cfg.MinSamplesForState <= 0 {
		cfg.MinSamplesForState = config.DefaultMinSamplesForState
	}
	if cfg.NoiseKeepFraction <= 0 {
		cfg.NoiseKeepFraction = 0.7
	}
	if cfg.CorruptControlLimit <= 0 {
		cfg.CorruptControlLimit = 0.1
	}
	if cfg.DisconnectValidLimit <= 0 {
		cfg.DisconnectValidLimit = 0.1
	}
	m := &Monitor{
		cfg:    cfg,
		clock:  realClock{},
		bus:    bus,
		window: make([]models.StabilitySample, 0, cfg.SampleBufferSize),
		state:  models.StateUnknown,
		report: models.StabilityReport{State: models.StateUnknown},
		stopCh: make(chan struct{}),
	}
	if provider != nil {
		m.mScore = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "weighbridge", Subsystem: "stability", Name: "score", Help: "Current stability score (0-100)"}})
		m.mSamples = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "weighbridge", Subsystem: "stability", Name: "samples_total", Help: "Samples observed"}})
		m.mRejected = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "weighbridge", Subsystem: "stability", Name: "frames_rejected_total", Help: "Frames rejected by the filter"}})
	}
	return m
}

// WithClock swaps the clock, for tests.
func (m *Monitor) WithClock(c Clock) *Monitor {
	if c != nil {
		m.clock = c
	}
	return m
}

// Start runs the periodic analysis loop until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = m.clock.Now()
	m.lastActivity = m.started
	m.mu.Unlock()
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		ticker := time.NewTicker(m.cfg.AnalysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Analyze()
			}
		}
	}()
}

// Stop halts the analysis loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loopWG.Wait()
}

// AddSample appends a sample, evicting the oldest when the window is full.
func (m *Monitor) AddSample(data []byte, ts time.Time, valid bool) {
	s := buildSample(data, ts, valid)
	m.mu.Lock()
	if len(m.window) >= m.cfg.SampleBufferSize {
		copy(m.window, m.window[1:])
		m.window = m.window[:len(m.window)-1]
	}
	m.window = append(m.window, s)
	if ts.After(m.lastActivity) {
		m.lastActivity = ts
	}
	m.mu.Unlock()
	if m.mSamples != nil {
		m.mSamples.Inc(1)
	}
}

// State returns the current classification.
func (m *Monitor) State() models.StabilityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Report returns the last published report.
func (m *Monitor) Report() models.StabilityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

// buildSample derives byte-level features from a chunk.
func buildSample(data []byte, ts time.Time, valid bool) models.StabilitySample {
	cp := make([]byte, len(data))
	copy(cp, data)
	s := models.StabilitySample{Bytes: cp, Timestamp: ts, Valid: valid, Length: len(cp)}
	good := 0
	for _, b := range cp {
		switch {
		case b == 0:
			s.HasNullBytes = true
		case b < 32 && !whitelistedControl(b):
			s.HasControlChars = true
		}
		if b >= 32 || whitelistedControl(b) {
			good++
		}
	}
	if len(cp) > 0 {
		s.SignalStrength = float64(good) / float64(len(cp))
	}
	return s
}

func whitelistedControl(b byte) bool { return b == 9 || b == 10 || b == 13 }

// Analyze runs one analysis pass over the window, re-evaluates the state,
// and publishes a report. Safe to call directly; the Start loop calls it
// on every tick.
func (m *Monitor) Analyze() models.StabilityReport {
	now := m.clock.Now()
	m.mu.Lock()
	window := make([]models.StabilitySample, len(m.window))
	copy(window, m.window)
	lastActivity := m.lastActivity
	prevState := m.state
	m.mu.Unlock()

	analysis, score := m.analyzeWindow(window, now, lastActivity)

	newState := prevState
	if len(window) >= m.cfg.MinSamplesForState || m.silence(now, lastActivity) {
		newState = m.evaluateState(analysis, score)
	}

	report := models.StabilityReport{
		Timestamp:          now,
		State:              newState,
		Score:              score,
		Analysis:           analysis,
		SampleCount:        len(window),
		RecommendedActions: RecommendedActions(newState),
	}

	m.mu.Lock()
	m.state = newState
	m.report = report
	m.mu.Unlock()

	if m.mScore != nil {
		m.mScore.Set(score)
	}
	if m.bus != nil {
		_ = m.bus.Publish(events.Event{
			Category: events.CategoryStability,
			Type:     "report",
			Severity: severityFor(newState),
			Fields: map[string]interface{}{
				"state":        string(newState),
				"score":        score,
				"sample_count": len(window),
				"changed":      newState != prevState,
			},
		})
	}
	return report
}

func (m *Monitor) silence(now, lastActivity time.Time) bool {
	return !lastActivity.IsZero() && now.Sub(lastActivity) > m.cfg.DropoutThreshold
}

// analyzeWindow computes the window statistics and the overall score.
func (m *Monitor) analyzeWindow(window []models.StabilitySample, now, lastActivity time.Time) (models.StabilityAnalysis, float64) {
	var a models.StabilityAnalysis
	n := len(window)
	if n == 0 || m.silence(now, lastActivity) {
		// A silent link is indistinguishable from a dead one: report zero
		// valid samples so the disconnect rule fires.
		a.DropoutsDetected = n > 0
		return a, 0
	}

	var validCount, nullCount, badCtrlCount int
	lengths := make([]float64, 0, n)
	strengths := make([]float64, 0, n)
	for _, s := range window {
		if s.Valid {
			validCount++
		}
		if s.HasNullBytes {
			nullCount++
		}
		if s.HasControlChars {
			badCtrlCount++
		}
		lengths = append(lengths, float64(s.Length))
		strengths = append(strengths, s.SignalStrength*100)
	}

	a.ValidSampleRate = float64(validCount) / float64(n) * 100
	noNullRate := float64(n-nullCount) / float64(n) * 100
	noBadCtrlRate := float64(n-badCtrlCount) / float64(n) * 100
	meanStrength := mean(strengths)
	a.SignalStrength = meanStrength
	a.DataQuality = (a.ValidSampleRate + noNullRate + noBadCtrlRate + meanStrength) / 4

	a.LengthConsistency = consistencyFromCV(lengths)

	intervals := make([]float64, 0, n-1)
	longGaps := 0
	for i := 1; i < n; i++ {
		gap := window[i].Timestamp.Sub(window[i-1].Timestamp)
		intervals = append(intervals, float64(gap.Milliseconds()))
		if gap > m.cfg.DropoutThreshold {
			longGaps++
		}
	}
	a.TimingConsistency = consistencyFromCV(intervals)

	// Condition detection (fixed rules).
	maxLen, meanLen := maxOf(lengths), mean(lengths)
	corruptionSignals := 0
	if float64(nullCount)/float64(n) > 0.3 {
		corruptionSignals++
	}
	if float64(badCtrlCount)/float64(n) > 0.2 {
		corruptionSignals++
	}
	if meanLen > 0 && maxLen > 3*meanLen {
		corruptionSignals++
	}
	a.CorruptionDetected = corruptionSignals >= 2
	if len(intervals) > 0 {
		a.DropoutsDetected = float64(longGaps)/float64(len(intervals)) > 0.1
	}
	a.NoiseDetected = variance(strengths) > 400
	a.TimingIssues = a.TimingConsistency < 50

	score := 0.40*a.DataQuality + 0.25*a.LengthConsistency + 0.20*a.TimingConsistency + 0.15*a.SignalStrength
	return a, clamp(score, 0, 100)
}

// evaluateState applies the state machine in rule order.
func (m *Monitor) evaluateState(a models.StabilityAnalysis, score float64) models.StabilityState {
	switch {
	case a.ValidSampleRate < m.cfg.DisconnectValidLimit*100:
		return models.StateDisconnected
	case a.CorruptionDetected && a.DataQuality < 30:
		return models.StateCorrupted
	case a.DropoutsDetected && a.ValidSampleRate < 70:
		return models.StateIntermittent
	case a.NoiseDetected && a.DataQuality > 60:
		return models.StateNoisy
	case score >= m.cfg.StabilityThreshold:
		return models.StateStable
	case a.TimingIssues:
		return models.StateIntermittent
	default:
		return models.StateUnstable
	}
}

// Filter returns a possibly trimmed copy of data, or nil to reject, per
// the current state. Pure with respect to its input.
func (m *Monitor) Filter(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := m.filterFor(m.State(), data)
	if out == nil && m.mRejected != nil {
		m.mRejected.Inc(1)
	}
	return out
}

func (m *Monitor) filterFor(state models.StabilityState, data []byte) []byte {
	switch state {
	case models.StateStable, models.StateUnstable:
		return copyBytes(data)
	case models.StateNoisy:
		kept := make([]byte, 0, len(data))
		for _, b := range data {
			if b == 0 {
				continue
			}
			if b < 32 && !whitelistedControl(b) {
				continue
			}
			kept = append(kept, b)
		}
		if float64(len(kept)) < m.cfg.NoiseKeepFraction*float64(len(data)) {
			return nil
		}
		return kept
	case models.StateIntermittent:
		for _, b := range data {
			if b >= '0' && b <= '9' {
				return copyBytes(data)
			}
		}
		return nil
	case models.StateCorrupted:
		badCtrl := 0
		for _, b := range data {
			if b == 0 {
				return nil
			}
			if b < 32 && !whitelistedControl(b) {
				badCtrl++
			}
		}
		if float64(badCtrl)/float64(len(data)) > m.cfg.CorruptControlLimit {
			return nil
		}
		return copyBytes(data)
	case models.StateDisconnected:
		return nil
	default: // Unknown
		if m.cfg.AllowUnknownSignals {
			return copyBytes(data)
		}
		return nil
	}
}

func copyBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func severityFor(state models.StabilityState) string {
	switch state {
	case models.StateStable, models.StateUnknown:
		return "info"
	case models.StateDisconnected, models.StateCorrupted:
		return "error"
	default:
		return "warn"
	}
}

// statistics helpers ---------------------------------------------------------

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return sum / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	var max float64
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	return max
}

// consistencyFromCV maps a coefficient of variation to a 0-100 score.
func consistencyFromCV(xs []float64) float64 {
	if len(xs) < 2 {
		return 100
	}
	mu := mean(xs)
	if mu == 0 {
		return 100
	}
	cv := math.Sqrt(variance(xs)) / math.Abs(mu)
	return clamp(100*(1-cv), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
