package discovery

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Step scoring thresholds and bands.
const (
	stepPassScore      = 70.0
	synthesisThreshold = 70.0
)

// Recommended next actions derived from the overall correlation.
const (
	ActionGenerate         = "Generate template"
	ActionGenerateValidate = "Generate template with validation"
	ActionCollectMore      = "Collect more data"
	ActionReviewSetup      = "Review setup"
)

// CorrelationResult is the ground-truth outcome across completed steps.
type CorrelationResult struct {
	OverallCorrelation float64 `json:"overall_correlation"`
	CompletedSteps     int     `json:"completed_steps"`
	FailedSteps        int     `json:"failed_steps"`
	RecommendedAction  string  `json:"recommended_action"`
}

// correlationOf averages the completed step scores and derives the
// recommended next action band.
func correlationOf(steps []*Step) CorrelationResult {
	var out CorrelationResult
	var scores []float64
	for _, s := range steps {
		switch s.Status {
		case StepCompleted:
			out.CompletedSteps++
			scores = append(scores, s.Analysis.Confidence)
		case StepFailed:
			out.FailedSteps++
		}
	}
	out.OverallCorrelation = mean(scores)
	switch {
	case out.OverallCorrelation >= 85:
		out.RecommendedAction = ActionGenerate
	case out.OverallCorrelation >= 70:
		out.RecommendedAction = ActionGenerateValidate
	case out.OverallCorrelation >= 50:
		out.RecommendedAction = ActionCollectMore
	default:
		out.RecommendedAction = ActionReviewSetup
	}
	return out
}

// stepCapture accumulates the lines observed during one step window.
type stepCapture struct {
	lines     []string
	crlfLines int
	bareLines int
	residual  string
}

// ingest splits a chunk into non-empty stripped lines, tracking the
// observed line terminator for later framing synthesis.
func (c *stepCapture) ingest(data []byte) {
	text := c.residual + string(data)
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := text[:idx]
		text = text[idx+1:]
		if strings.HasSuffix(line, "\r") {
			c.crlfLines++
		} else {
			c.bareLines++
		}
		line = strings.TrimSpace(line)
		if line != "" {
			c.lines = append(c.lines, line)
		}
	}
	c.residual = text
}

// analyzeStep scores one step's captured lines against the guidance.
func analyzeStep(g StepGuidance, lines []string, captureTime time.Duration) StepAnalysis {
	var a StepAnalysis
	a.FormatConsistency = formatConsistency(lines)
	a.DataConsistency = a.FormatConsistency

	// Volume expectation: a settled scale emits at least one frame every
	// half second of the capture window.
	expectedMin := int(captureTime / (500 * time.Millisecond))
	if expectedMin < 1 {
		expectedMin = 1
	}
	volumeScore := math.Min(100, 100*float64(len(lines))/float64(expectedMin))
	a.TimingConsistency = 0.3*volumeScore + 0.7*a.FormatConsistency

	if g.ExpectedWeight != nil {
		if closest, ok := closestTo(lines, *g.ExpectedWeight); ok {
			a.ClosestNumeric = &closest
			a.WeightCorrelation = weightCorrelation(closest, *g.ExpectedWeight)
			a.DetectedPatterns = append(a.DetectedPatterns, fmt.Sprintf("numeric %v near expected %v", closest, *g.ExpectedWeight))
		}
	} else if len(lines) > 0 {
		// Steps without a ground-truth weight (tare, empty pan) score on
		// signal shape alone.
		a.WeightCorrelation = a.FormatConsistency
	}

	if suffix := commonSuffix(lines, 3); suffix != "" {
		a.DetectedPatterns = append(a.DetectedPatterns, fmt.Sprintf("common suffix %q", strings.TrimSpace(suffix)))
	}
	a.IsStable = a.FormatConsistency >= 80 && len(lines) >= expectedMin
	a.Confidence = 0.5*a.WeightCorrelation + 0.25*a.TimingConsistency + 0.25*a.DataConsistency
	return a
}

// runStep subscribes a per-step capturer to the transport, waits out the
// capture window, then detaches and scores. Filtering applies the same
// state-aware stability filter as baseline capture.
func (e *Engine) runStep(ctx context.Context, s *Session, step *Step, g StepGuidance) error {
	capture := &stepCapture{}
	var mu sync.Mutex
	cancelSub := s.transport.Subscribe(func(data []byte, ts time.Time) {
		e.monitor.AddSample(data, ts, true)
		filtered := e.monitor.Filter(data)
		if filtered == nil {
			return
		}
		mu.Lock()
		capture.ingest(filtered)
		mu.Unlock()
	})

	captureTime := g.CaptureTime
	if captureTime <= 0 {
		captureTime = e.cfg.StepCaptureTime
	}
	timer := time.NewTimer(captureTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		cancelSub()
		return ctx.Err()
	case <-timer.C:
	}
	cancelSub()

	mu.Lock()
	lines := append([]string(nil), capture.lines...)
	crlf, bare := capture.crlfLines, capture.bareLines
	mu.Unlock()

	s.mu.Lock()
	s.crlfLines += crlf
	s.bareLines += bare
	s.mu.Unlock()

	step.CapturedData = lines
	step.Analysis = analyzeStep(g, lines, captureTime)
	if step.Analysis.Confidence >= stepPassScore {
		step.Status = StepCompleted
	} else {
		step.Status = StepFailed
	}
	return nil
}
