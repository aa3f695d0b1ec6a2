package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/templates"
	"github.com/hexaline/weighbridge/transport"
)

// Phase is a discovery session's lifecycle state.
type Phase string

const (
	PhaseInitializing         Phase = "initializing"
	PhaseCapturingData        Phase = "capturing_data"
	PhaseTestingTemplates     Phase = "testing_templates"
	PhaseInteractiveDiscovery Phase = "interactive_discovery"
	PhaseGeneratingTemplate   Phase = "generating_template"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
	PhaseCancelled            Phase = "cancelled"
)

// Terminal reports whether a phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// allowedTransitions is the phase graph. The only back-edge is
// interactive discovery returning to capture for additional sampling;
// Failed and Cancelled are reachable from every live phase.
var allowedTransitions = map[Phase][]Phase{
	PhaseInitializing:         {PhaseCapturingData},
	PhaseCapturingData:        {PhaseTestingTemplates, PhaseInteractiveDiscovery},
	PhaseTestingTemplates:     {PhaseCompleted, PhaseInteractiveDiscovery},
	PhaseInteractiveDiscovery: {PhaseGeneratingTemplate, PhaseCapturingData},
	PhaseGeneratingTemplate:   {PhaseCompleted},
}

func transitionAllowed(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseCancelled {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus tracks one interactive step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepAnalysis holds the scored outcome of one interactive step.
type StepAnalysis struct {
	Confidence        float64  `json:"confidence"`
	WeightCorrelation float64  `json:"weight_correlation"`
	TimingConsistency float64  `json:"timing_consistency"`
	DataConsistency   float64  `json:"data_consistency"`
	DetectedPatterns  []string `json:"detected_patterns,omitempty"`
	IsStable          bool     `json:"is_stable"`
	FormatConsistency float64  `json:"format_consistency"`
	ClosestNumeric    *float64 `json:"closest_numeric,omitempty"`
}

// Step is one interactive discovery step with its captured evidence.
type Step struct {
	StepNumber    int          `json:"step_number"`
	Action        string       `json:"action"`
	ExpectedValue *float64     `json:"expected_value,omitempty"`
	Instructions  string       `json:"instructions"`
	CapturedData  []string     `json:"captured_data"`
	Analysis      StepAnalysis `json:"analysis"`
	Status        StepStatus   `json:"status"`
}

// StepGuidance describes one operator-driven step to execute.
type StepGuidance struct {
	Action         string        `json:"action"`
	ExpectedWeight *float64      `json:"expected_weight,omitempty"`
	Instructions   string        `json:"instructions"`
	CaptureTime    time.Duration `json:"capture_time"`
}

// InteractiveGuidance is the caller-provided plan for phase B.
type InteractiveGuidance struct {
	Steps        []StepGuidance `json:"steps"`
	MinimumSteps int            `json:"minimum_steps"`
}

// Result is the terminal outcome of a discovery session.
type Result struct {
	SessionID        string               `json:"session_id"`
	Success          bool                 `json:"success"`
	BestTemplate     *templates.Template  `json:"best_template,omitempty"`
	Confidence       float64              `json:"confidence"`
	Duration         time.Duration        `json:"duration"`
	CapturedFrames   int                  `json:"captured_frames"`
	TestedTemplates  int                  `json:"tested_templates"`
	InteractiveSteps int                  `json:"interactive_steps"`
	Reason           string               `json:"reason,omitempty"`
	TemplateResults  []TemplateTestResult `json:"template_results,omitempty"`
}

// Status is the supervisor's queryable view of a session.
type Status struct {
	SessionID       string        `json:"session_id"`
	Phase           Phase         `json:"phase"`
	Active          bool          `json:"active"`
	Duration        time.Duration `json:"duration"`
	CapturedFrames  int           `json:"captured_frames"`
	BestConfidence  float64       `json:"best_confidence"`
	CurrentStep     int           `json:"current_step"`
	TestedTemplates int           `json:"tested_templates"`
}

// Session is one discovery run bound to a transport. The supervisor owns
// it exclusively; frames buffered here belong to the session.
type Session struct {
	id        string
	cfg       config.DiscoveryConfig
	transport transport.Transport
	startedAt time.Time

	mu              sync.Mutex
	phase           Phase
	frames          []models.Frame
	templateResults []TemplateTestResult
	steps           []*Step
	bestTemplate    *templates.Template
	bestConfidence  float64
	result          *Result
	cancelled       bool
	lastActive      time.Time
	progressPct     float64
	crlfLines       int
	bareLines       int

	cancelCtx context.CancelFunc
}

func newSession(cfg config.DiscoveryConfig, tr transport.Transport) *Session {
	now := time.Now().UTC()
	return &Session{
		id:         xid.New().String(),
		cfg:        cfg,
		transport:  tr,
		startedAt:  now,
		phase:      PhaseInitializing,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// transition moves the session to a new phase if the graph allows it.
func (s *Session) transition(to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !transitionAllowed(s.phase, to) {
		return false
	}
	s.phase = to
	s.lastActive = time.Now().UTC()
	return true
}

// addFrame appends a captured frame, honoring the bounded buffer.
func (s *Session) addFrame(f models.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= s.cfg.MaxBufferedFrames {
		return false
	}
	s.frames = append(s.frames, f)
	s.lastActive = time.Now().UTC()
	return true
}

func (s *Session) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Session) snapshotFrames() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// markProgress ratchets the progress percentage; it never goes backward.
func (s *Session) markProgress(pct float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct > s.progressPct {
		s.progressPct = pct
	}
	return s.progressPct
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	currentStep := 0
	for _, st := range s.steps {
		if st.Status == StepInProgress || st.Status == StepPending {
			currentStep = st.StepNumber
			break
		}
		currentStep = st.StepNumber
	}
	return Status{
		SessionID:       s.id,
		Phase:           s.phase,
		Active:          !s.phase.Terminal(),
		Duration:        time.Since(s.startedAt),
		CapturedFrames:  len(s.frames),
		BestConfidence:  s.bestConfidence,
		CurrentStep:     currentStep,
		TestedTemplates: len(s.templateResults),
	}
}

// idleFor reports how long the session has been inactive.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// age reports time since the session started.
func (s *Session) age(now time.Time) time.Duration {
	return now.Sub(s.startedAt)
}
