package discovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/stability"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/logging"
	"github.com/hexaline/weighbridge/telemetry/tracing"
	"github.com/hexaline/weighbridge/templates"
	"github.com/hexaline/weighbridge/transport"
)

// Engine drives discovery sessions through the phase graph: baseline
// capture, passive template matching, interactive ground truth, and
// template synthesis.
type Engine struct {
	cfg     config.DiscoveryConfig
	store   *templates.Store
	monitor *stability.Monitor
	bus     events.Bus
	tracer  *tracing.Tracer
	log     logging.Logger
}

// NewEngine wires the discovery engine to its collaborators.
func NewEngine(cfg config.DiscoveryConfig, store *templates.Store, monitor *stability.Monitor, bus events.Bus, tracer *tracing.Tracer, log logging.Logger) *Engine {
	if tracer == nil {
		tracer = tracing.NewTracer(tracing.Options{})
	}
	return &Engine{cfg: cfg, store: store, monitor: monitor, bus: bus, tracer: tracer, log: log}
}

// NewSession creates a session bound to a transport.
func (e *Engine) NewSession(tr transport.Transport) *Session {
	return newSession(e.cfg, tr)
}

// publishProgress emits one ordered progress event for a session. The
// percentage ratchets so consumers see a monotonic sequence.
func (e *Engine) publishProgress(ctx context.Context, s *Session, pct float64, message string, data map[string]interface{}) {
	pct = s.markProgress(pct)
	if e.bus == nil {
		return
	}
	fields := map[string]interface{}{
		"session_id":   s.ID(),
		"phase":        string(s.Phase()),
		"progress_pct": pct,
		"message":      message,
	}
	if data != nil {
		fields["data"] = data
	}
	_ = e.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryDiscovery,
		Type:     "progress",
		Labels:   map[string]string{"session_id": s.ID()},
		Fields:   fields,
	})
}

// publishResult emits the one terminal event for a session.
func (e *Engine) publishResult(ctx context.Context, s *Session, result Result) {
	if e.bus == nil {
		return
	}
	_ = e.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryDiscovery,
		Type:     "result",
		Labels:   map[string]string{"session_id": s.ID()},
		Fields: map[string]interface{}{
			"session_id":        result.SessionID,
			"success":           result.Success,
			"confidence":        result.Confidence,
			"captured_frames":   result.CapturedFrames,
			"tested_templates":  result.TestedTemplates,
			"interactive_steps": result.InteractiveSteps,
			"reason":            result.Reason,
		},
	})
}

// RunBaseline executes capture plus passive matching. It either completes
// the session (phase A confidence cleared the bar) or leaves it parked in
// interactive discovery for the caller to continue.
func (e *Engine) RunBaseline(ctx context.Context, s *Session) error {
	ctx, finish := e.tracer.StartSpan(ctx, "discovery.baseline", attribute.String("session_id", s.ID()))
	var err error
	defer func() { finish(err) }()

	if !s.transition(PhaseCapturingData) {
		err = models.NewError(models.KindInvalidPhase, "discovery.baseline", fmt.Errorf("cannot capture from phase %s", s.Phase()))
		return err
	}
	e.publishProgress(ctx, s, 10, "capturing baseline data", nil)

	disconnected, err := e.captureBaseline(ctx, s)
	if err != nil {
		if !s.Phase().Terminal() {
			e.fail(ctx, s, err)
		}
		return err
	}

	if disconnected && s.frameCount() == 0 {
		s.transition(PhaseInteractiveDiscovery)
		e.publishProgress(ctx, s, 70, "stream disconnected during baseline; continuing with interactive discovery", map[string]interface{}{
			"captured_frames": 0,
		})
		return nil
	}

	if !s.transition(PhaseTestingTemplates) {
		err = models.NewError(models.KindInvalidPhase, "discovery.baseline", models.ErrSessionTerminal)
		return err
	}
	e.publishProgress(ctx, s, 40, fmt.Sprintf("testing templates against %d frames", s.frameCount()), nil)

	candidates, err := e.store.List()
	if err != nil {
		e.fail(ctx, s, err)
		return err
	}
	active := candidates[:0]
	for _, t := range candidates {
		if t.IsActive {
			active = append(active, t)
		}
	}
	results := testAll(ctx, active, s.snapshotFrames(), e.cfg.MaxTestedFrames, 4)

	s.mu.Lock()
	s.templateResults = results
	if len(results) > 0 {
		s.bestConfidence = results[0].Confidence
	}
	s.mu.Unlock()

	if len(results) > 0 && results[0].Confidence >= e.cfg.ConfidenceThreshold {
		best, gerr := e.store.Get(results[0].TemplateName)
		if gerr == nil {
			s.mu.Lock()
			s.bestTemplate = best
			s.mu.Unlock()
			e.completeSession(ctx, s, false, "")
			return nil
		}
	}

	s.transition(PhaseInteractiveDiscovery)
	msg := "no template cleared the confidence threshold; interactive discovery required"
	if len(results) > 0 {
		msg = fmt.Sprintf("best template %s at %.1f%%; interactive discovery required", results[0].TemplateName, results[0].Confidence)
	}
	e.publishProgress(ctx, s, 70, msg, nil)
	return nil
}

// captureBaseline subscribes to the transport and buffers filtered frames
// until enough accumulate, the timeout lapses, or the link goes dead.
func (e *Engine) captureBaseline(ctx context.Context, s *Session) (disconnected bool, err error) {
	full := make(chan struct{}, 1)
	cancelSub := s.transport.Subscribe(func(data []byte, ts time.Time) {
		e.monitor.AddSample(data, ts, true)
		filtered := e.monitor.Filter(data)
		if filtered == nil {
			return
		}
		if !s.addFrame(models.Frame{Bytes: filtered, Timestamp: ts, Valid: true}) {
			return
		}
		if s.frameCount() >= e.cfg.MinFramesForAnalysis {
			select {
			case full <- struct{}{}:
			default:
			}
		}
	})
	defer cancelSub()

	timeout := e.cfg.BaselineTimeout
	if timeout <= 0 {
		timeout = config.DefaultBaselineTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, models.NewError(models.KindCancelled, "discovery.capture", ctx.Err())
		case <-full:
			return false, nil
		case <-deadline.C:
			if s.frameCount() == 0 {
				return e.monitor.State() == models.StateDisconnected, nil
			}
			return false, nil
		case <-poll.C:
			captured := s.frameCount()
			if captured >= e.cfg.MinFramesForAnalysis {
				return false, nil
			}
			if e.monitor.State() == models.StateDisconnected {
				return true, nil
			}
			if captured > 0 && captured%10 == 0 {
				pct := 10 + 30*float64(captured)/float64(e.cfg.MinFramesForAnalysis)
				e.publishProgress(ctx, s, pct, fmt.Sprintf("captured %d frames", captured), nil)
			}
		}
	}
}

// ContinueInteractive executes the guidance steps sequentially in
// guidance-list order.
func (e *Engine) ContinueInteractive(ctx context.Context, s *Session, guidance InteractiveGuidance) error {
	if len(guidance.Steps) == 0 {
		return models.NewError(models.KindValidation, "discovery.interactive", models.ErrGuidanceIncomplete)
	}
	if s.Phase().Terminal() {
		return models.NewError(models.KindAlreadyCompleted, "discovery.interactive", models.ErrSessionTerminal)
	}
	if s.Phase() != PhaseInteractiveDiscovery {
		return models.NewError(models.KindInvalidPhase, "discovery.interactive", fmt.Errorf("phase %s does not accept guidance", s.Phase()))
	}

	ctx, finish := e.tracer.StartSpan(ctx, "discovery.interactive", attribute.String("session_id", s.ID()))
	var err error
	defer func() { finish(err) }()

	total := len(guidance.Steps)
	for i, g := range guidance.Steps {
		if ctx.Err() != nil {
			err = models.NewError(models.KindCancelled, "discovery.interactive", ctx.Err())
			return err
		}
		step := &Step{
			StepNumber:    i + 1,
			Action:        g.Action,
			ExpectedValue: g.ExpectedWeight,
			Instructions:  g.Instructions,
			Status:        StepInProgress,
		}
		s.mu.Lock()
		s.steps = append(s.steps, step)
		s.mu.Unlock()

		pct := 70 + 20*float64(i)/float64(total)
		e.publishProgress(ctx, s, pct, fmt.Sprintf("interactive step %d/%d: %s", i+1, total, g.Action), nil)

		if serr := e.runStep(ctx, s, step, g); serr != nil {
			err = models.NewError(models.KindCancelled, "discovery.interactive", serr)
			return err
		}
		if e.log != nil {
			e.log.InfoCtx(ctx, "interactive step analyzed",
				"session_id", s.ID(), "step", step.StepNumber,
				"status", string(step.Status), "score", step.Analysis.Confidence)
		}
	}
	e.publishProgress(ctx, s, 90, "interactive steps complete", map[string]interface{}{
		"correlation": correlationOf(s.stepsSnapshot()).OverallCorrelation,
	})
	return nil
}

func (s *Session) stepsSnapshot() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Complete finalizes a session. After phase A auto-completion it returns
// the stored result; parked in interactive discovery it attempts template
// synthesis with the evidence gathered so far.
func (e *Engine) Complete(ctx context.Context, s *Session, guidance *InteractiveGuidance, save bool) (Result, error) {
	s.mu.Lock()
	phase := s.phase
	stored := s.result
	s.mu.Unlock()
	if phase.Terminal() {
		if stored != nil {
			return *stored, nil
		}
		return Result{}, models.NewError(models.KindAlreadyCompleted, "discovery.complete", models.ErrSessionTerminal)
	}
	if phase != PhaseInteractiveDiscovery {
		return Result{}, models.NewError(models.KindInvalidPhase, "discovery.complete", fmt.Errorf("cannot complete from phase %s", phase))
	}

	steps := s.stepsSnapshot()
	corr := correlationOf(steps)
	minSteps := 1
	if guidance != nil && guidance.MinimumSteps > 0 {
		minSteps = guidance.MinimumSteps
	}

	if corr.CompletedSteps < minSteps || corr.OverallCorrelation < synthesisThreshold {
		reason := fmt.Sprintf("%v: correlation %.1f, completed steps %d/%d (%s)",
			models.ErrLowCorrelation, corr.OverallCorrelation, corr.CompletedSteps, minSteps, corr.RecommendedAction)
		result := e.fail(ctx, s, fmt.Errorf("%s", reason))
		return result, nil
	}

	if !s.transition(PhaseGeneratingTemplate) {
		return Result{}, models.NewError(models.KindInvalidPhase, "discovery.complete", models.ErrSessionTerminal)
	}
	e.publishProgress(ctx, s, 95, "generating template from interactive evidence", nil)

	s.mu.Lock()
	crlf, bare := s.crlfLines, s.bareLines
	s.mu.Unlock()
	candidate, err := Synthesize(steps, crlf, bare, corr.OverallCorrelation)
	if err != nil {
		result := e.fail(ctx, s, err)
		return result, nil
	}

	// Confirm the candidate against its own evidence before accepting it.
	verify := TestTemplate(candidate, framesFromSteps(steps, candidate.Framing.Delimiter), e.cfg.MaxTestedFrames)
	s.mu.Lock()
	s.bestTemplate = candidate
	s.bestConfidence = verify.Confidence
	if corr.OverallCorrelation > s.bestConfidence {
		s.bestConfidence = corr.OverallCorrelation
	}
	s.mu.Unlock()

	if save {
		if serr := e.store.Save(candidate); serr != nil {
			result := e.fail(ctx, s, serr)
			return result, nil
		}
	}
	return e.completeSession(ctx, s, true, ""), nil
}

// framesFromSteps rebuilds frames from the captured step lines so a
// synthesized template can be verified with the same scoring path.
func framesFromSteps(steps []*Step, delimiter string) []models.Frame {
	var frames []models.Frame
	now := time.Now().UTC()
	for _, s := range steps {
		for _, line := range s.CapturedData {
			frames = append(frames, models.Frame{Bytes: []byte(line + delimiter), Timestamp: now, Valid: true})
		}
	}
	return frames
}

// completeSession transitions to Completed, records usage, and publishes
// the terminal result.
func (e *Engine) completeSession(ctx context.Context, s *Session, interactive bool, reason string) Result {
	if !s.transition(PhaseCompleted) {
		s.mu.Lock()
		stored := s.result
		s.mu.Unlock()
		if stored != nil {
			return *stored
		}
		return Result{SessionID: s.id}
	}
	e.publishProgress(ctx, s, 100, "discovery completed", nil)

	s.mu.Lock()
	result := Result{
		SessionID:        s.id,
		Success:          true,
		BestTemplate:     s.bestTemplate,
		Confidence:       s.bestConfidence,
		Duration:         time.Since(s.startedAt),
		CapturedFrames:   len(s.frames),
		TestedTemplates:  len(s.templateResults),
		InteractiveSteps: len(s.steps),
		Reason:           reason,
		TemplateResults:  s.templateResults,
	}
	s.result = &result
	best := s.bestTemplate
	s.mu.Unlock()

	if best != nil {
		if err := e.store.BumpUsage(best.TemplateName, true); err != nil && e.log != nil {
			e.log.WarnCtx(ctx, "usage bump failed", "template", best.TemplateName, "error", err)
		}
	}
	e.publishResult(ctx, s, result)
	return result
}

// fail moves the session to Failed and publishes the terminal result.
// A session that is already terminal keeps its original result; only one
// terminal event is ever published.
func (e *Engine) fail(ctx context.Context, s *Session, cause error) Result {
	if !s.transition(PhaseFailed) {
		s.mu.Lock()
		stored := s.result
		s.mu.Unlock()
		if stored != nil {
			return *stored
		}
		return Result{SessionID: s.id, Reason: cause.Error()}
	}
	s.mu.Lock()
	result := Result{
		SessionID:        s.id,
		Success:          false,
		Confidence:       s.bestConfidence,
		Duration:         time.Since(s.startedAt),
		CapturedFrames:   len(s.frames),
		TestedTemplates:  len(s.templateResults),
		InteractiveSteps: len(s.steps),
		Reason:           cause.Error(),
		TemplateResults:  s.templateResults,
	}
	s.result = &result
	s.mu.Unlock()
	if e.log != nil {
		e.log.ErrorCtx(ctx, "discovery session failed", "session_id", s.ID(), "reason", cause.Error())
	}
	e.publishProgress(ctx, s, 100, fmt.Sprintf("discovery failed: %v", cause), nil)
	e.publishResult(ctx, s, result)
	return result
}

// CancelSession moves a session to Cancelled. Calling it on a terminal
// session is a no-op.
func (e *Engine) CancelSession(ctx context.Context, s *Session) Result {
	if !s.transition(PhaseCancelled) {
		s.mu.Lock()
		stored := s.result
		s.mu.Unlock()
		if stored != nil {
			return *stored
		}
		return Result{SessionID: s.id}
	}
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	s.mu.Lock()
	result := Result{
		SessionID:        s.id,
		Success:          false,
		Confidence:       s.bestConfidence,
		Duration:         time.Since(s.startedAt),
		CapturedFrames:   len(s.frames),
		TestedTemplates:  len(s.templateResults),
		InteractiveSteps: len(s.steps),
		Reason:           "cancelled",
	}
	s.result = &result
	s.mu.Unlock()
	e.publishProgress(ctx, s, 100, "discovery cancelled", nil)
	e.publishResult(ctx, s, result)
	return result
}
