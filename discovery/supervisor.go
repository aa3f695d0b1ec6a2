package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/logging"
	"github.com/hexaline/weighbridge/transport"
)

// Supervisor owns the session map. Sessions are created here, run on
// their own goroutine, and disposed when terminal or aged out.
type Supervisor struct {
	cfg    config.DiscoveryConfig
	engine *Engine
	bus    events.Bus
	log    logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	guidance map[string]*InteractiveGuidance

	stopCh   chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup
	runWG    sync.WaitGroup
}

// NewSupervisor builds a supervisor around a discovery engine.
func NewSupervisor(cfg config.DiscoveryConfig, engine *Engine, bus events.Bus, log logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		engine:   engine,
		bus:      bus,
		log:      log,
		sessions: make(map[string]*Session),
		guidance: make(map[string]*InteractiveGuidance),
		stopCh:   make(chan struct{}),
	}
}

// Start creates a session bound to the transport and launches its
// baseline run. Returns the session id immediately.
func (sv *Supervisor) Start(ctx context.Context, tr transport.Transport) (string, error) {
	if tr == nil {
		return "", models.NewError(models.KindTransportUnavailable, "supervisor.start", fmt.Errorf("transport is required"))
	}
	if err := sv.cfg.Validate(); err != nil {
		return "", models.NewError(models.KindValidation, "supervisor.start", err)
	}

	s := sv.engine.NewSession(tr)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel

	sv.mu.Lock()
	sv.sessions[s.ID()] = s
	sv.mu.Unlock()

	sv.runWG.Add(1)
	go func() {
		defer sv.runWG.Done()
		defer cancel()
		if err := sv.engine.RunBaseline(runCtx, s); err != nil && sv.log != nil {
			sv.log.WarnCtx(runCtx, "baseline run ended with error", "session_id", s.ID(), "error", err)
		}
	}()
	return s.ID(), nil
}

func (sv *Supervisor) session(id string) (*Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "supervisor", fmt.Errorf("%w: %s", models.ErrSessionNotFound, id))
	}
	return s, nil
}

// ContinueInteractive runs the guidance steps for a parked session.
func (sv *Supervisor) ContinueInteractive(ctx context.Context, id string, guidance InteractiveGuidance) error {
	s, err := sv.session(id)
	if err != nil {
		return err
	}
	sv.mu.Lock()
	sv.guidance[id] = &guidance
	sv.mu.Unlock()
	return sv.engine.ContinueInteractive(ctx, s, guidance)
}

// Complete finalizes a session, optionally persisting a synthesized
// template, and returns the terminal result.
func (sv *Supervisor) Complete(ctx context.Context, id string, saveTemplate bool) (Result, error) {
	s, err := sv.session(id)
	if err != nil {
		return Result{}, err
	}
	sv.mu.Lock()
	g := sv.guidance[id]
	sv.mu.Unlock()
	return sv.engine.Complete(ctx, s, g, saveTemplate)
}

// Cancel moves a session to Cancelled. A terminal session is a no-op.
func (sv *Supervisor) Cancel(ctx context.Context, id string) error {
	s, err := sv.session(id)
	if err != nil {
		return err
	}
	sv.engine.CancelSession(ctx, s)
	return nil
}

// GetStatus returns a session's queryable view.
func (sv *Supervisor) GetStatus(id string) (Status, error) {
	s, err := sv.session(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// ActiveSessions lists live (non-terminal) session ids.
func (sv *Supervisor) ActiveSessions() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]string, 0, len(sv.sessions))
	for id, s := range sv.sessions {
		if !s.Phase().Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// StartSweeper launches the background eviction loop: sessions older
// than the max age (or long idle) are cancelled and removed through the
// same cancellation path a caller would use.
func (sv *Supervisor) StartSweeper(ctx context.Context) {
	interval := sv.cfg.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	sv.sweepWG.Add(1)
	go func() {
		defer sv.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sv.stopCh:
				return
			case <-ticker.C:
				sv.sweep(ctx)
			}
		}
	}()
}

func (sv *Supervisor) sweep(ctx context.Context) {
	maxAge := sv.cfg.SessionMaxAge
	if maxAge <= 0 {
		maxAge = config.DefaultSessionMaxAge
	}
	now := time.Now().UTC()

	sv.mu.Lock()
	var expired []*Session
	for id, s := range sv.sessions {
		if s.age(now) > maxAge || (s.Phase().Terminal() && s.idleFor(now) > maxAge) {
			expired = append(expired, s)
			delete(sv.sessions, id)
			delete(sv.guidance, id)
		}
	}
	sv.mu.Unlock()

	for _, s := range expired {
		sv.engine.CancelSession(ctx, s)
		if sv.log != nil {
			sv.log.InfoCtx(ctx, "session evicted", "session_id", s.ID(), "phase", string(s.Phase()))
		}
	}
}

// Stop cancels all live sessions and halts the sweeper.
func (sv *Supervisor) Stop(ctx context.Context) {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
	sv.mu.Lock()
	live := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		live = append(live, s)
	}
	sv.mu.Unlock()
	for _, s := range live {
		sv.engine.CancelSession(ctx, s)
	}
	sv.runWG.Wait()
	sv.sweepWG.Wait()
}

// SubscribeProgress returns a channel of progress events for one session.
// A consumer joining mid-session first receives a synthetic event with
// the current phase, then every subsequent event in order.
func (sv *Supervisor) SubscribeProgress(ctx context.Context, id string) (<-chan events.Event, func(), error) {
	s, err := sv.session(id)
	if err != nil {
		return nil, nil, err
	}
	sub, err := sv.bus.Subscribe(64)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan events.Event, 64)

	st := s.status()
	out <- events.Event{
		Time:     time.Now().UTC(),
		Category: events.CategoryDiscovery,
		Type:     "progress",
		Labels:   map[string]string{"session_id": id},
		Fields: map[string]interface{}{
			"session_id":   id,
			"phase":        string(st.Phase),
			"progress_pct": progressForPhase(st.Phase),
			"message":      "subscribed",
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if ev.Category != events.CategoryDiscovery || ev.Labels["session_id"] != id {
					continue
				}
				select {
				case out <- ev:
				default:
				}
				// The terminal event completes the stream.
				if ev.Type == "result" {
					return
				}
			}
		}
	}()
	var once sync.Once
	return out, func() { once.Do(func() { close(done) }) }, nil
}

// progressForPhase maps a phase to its coarse floor percentage.
func progressForPhase(p Phase) float64 {
	switch p {
	case PhaseInitializing:
		return 5
	case PhaseCapturingData:
		return 10
	case PhaseTestingTemplates:
		return 40
	case PhaseInteractiveDiscovery:
		return 70
	case PhaseGeneratingTemplate:
		return 95
	default:
		return 100
	}
}
