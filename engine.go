// Package weighbridge composes the scale ingestion engine: transport,
// stability monitoring, protocol discovery, template management, and
// storage routing behind a single facade.
package weighbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/discovery"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/stability"
	"github.com/hexaline/weighbridge/storage"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/health"
	"github.com/hexaline/weighbridge/telemetry/logging"
	"github.com/hexaline/weighbridge/telemetry/metrics"
	"github.com/hexaline/weighbridge/telemetry/tracing"
	"github.com/hexaline/weighbridge/templates"
	"github.com/hexaline/weighbridge/transport"
)

// EventObserver receives engine telemetry events.
type EventObserver func(ev events.Event)

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt      time.Time              `json:"started_at"`
	Uptime         time.Duration          `json:"uptime"`
	TransportState transport.State        `json:"transport_state"`
	Stability      models.StabilityReport `json:"stability"`
	ActiveSessions []string               `json:"active_sessions"`
	Backends       []string               `json:"backends"`
	EventBus       events.BusStats        `json:"event_bus"`
	BoundTemplate  string                 `json:"bound_template,omitempty"`
}

// Engine composes all subsystems behind a single facade. Hosts construct
// it with New, register repositories, then Start it.
type Engine struct {
	cfg config.Config
	log logging.Logger

	provider metrics.Provider
	promProv *metrics.PrometheusProvider
	bus      events.Bus
	tracer   *tracing.Tracer
	healthEv *health.Evaluator

	client     *transport.Client
	monitor    *stability.Monitor
	store      *templates.Store
	tracker    *storage.Tracker
	router     *storage.Router
	discoverer *discovery.Engine
	supervisor *discovery.Supervisor
	ingestor   *Ingestor

	started   atomic.Bool
	startedAt time.Time
	cancelRun context.CancelFunc
	runWG     sync.WaitGroup

	obsMu     sync.RWMutex
	observers []EventObserver
	obsSub    events.Subscription
}

// New validates the configuration and wires every subsystem. Nothing
// touches the network until Start.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.NewError(models.KindValidation, "engine.new", err)
	}

	e := &Engine{cfg: cfg}
	e.provider, e.promProv = buildMetricsProvider(cfg.Telemetry)
	e.tracer = tracing.NewTracer(tracing.Options{
		Enabled:         cfg.Telemetry.TracingEnabled,
		ServiceName:     "weighbridge",
		SamplingPercent: cfg.Telemetry.SamplingPercent,
	})
	e.log = logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)})))
	e.bus = events.NewBus(e.provider)

	e.client = transport.NewClient(cfg.Transport)
	e.monitor = stability.NewMonitor(cfg.Stability, e.bus, e.provider)

	var persist templates.Persistence
	if cfg.Templates.PersistPath != "" {
		persist = &templates.FilePersistence{Dir: cfg.Templates.PersistPath}
	}
	e.store = templates.NewStore(cfg.Templates, persist, e.log)

	e.tracker = storage.NewTracker(cfg.Storage, e.bus, e.provider)
	e.router = storage.NewRouter(cfg.Storage, e.tracker)

	e.discoverer = discovery.NewEngine(cfg.Discovery, e.store, e.monitor, e.bus, e.tracer, e.log)
	e.supervisor = discovery.NewSupervisor(cfg.Discovery, e.discoverer, e.bus, e.log)
	e.ingestor = NewIngestor(cfg.Ingest, e.client, e.monitor, e.router, e.bus, e.log)

	e.healthEv = health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if err := e.provider.Health(ctx); err != nil {
				return health.Degraded("metrics", err.Error())
			}
			return health.Healthy("metrics")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if e.client.State() == transport.StateConnected {
				return health.Healthy("transport")
			}
			return health.Degraded("transport", string(e.client.State()))
		}),
	)
	return e, nil
}

func buildMetricsProvider(cfg config.TelemetryConfig) (metrics.Provider, *metrics.PrometheusProvider) {
	if !cfg.MetricsEnabled || cfg.MetricsBackend == "noop" {
		return metrics.NewNoopProvider(), nil
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "weighbridge"}), nil
	default:
		p := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		return p, p
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RegisterRepository adds a storage backend and a health probe for it.
func (e *Engine) RegisterRepository(repo storage.Repository) {
	e.router.Register(repo)
	e.healthEv.Register(storage.HealthProbe(repo))
}

// Router exposes the storage router for direct routing by hosts.
func (e *Engine) Router() *storage.Router { return e.router }

// Templates exposes the template store.
func (e *Engine) Templates() *templates.Store { return e.store }

// Tracker exposes the performance tracker.
func (e *Engine) Tracker() *storage.Tracker { return e.tracker }

// Transport exposes the engine's transport for discovery sessions.
func (e *Engine) Transport() transport.Transport { return e.client }

// Start brings up the transport pump, the stability analysis loop, the
// tracker cadence, the template watcher, and the session sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.startedAt = time.Now().UTC()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		if err := e.client.Run(runCtx); err != nil {
			e.log.InfoCtx(runCtx, "transport loop ended", "reason", err.Error())
		}
	}()
	e.monitor.Start(runCtx)
	e.tracker.Start(runCtx)
	e.supervisor.StartSweeper(runCtx)
	if err := e.store.Watch(runCtx); err != nil {
		e.log.WarnCtx(runCtx, "template catalog watch unavailable", "error", err)
	}

	// Health refresh keeps the router's eligibility map live.
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.router.RefreshHealth(runCtx)
			}
		}
	}()

	e.log.InfoCtx(ctx, "engine started",
		"host", e.cfg.Transport.Host, "port", e.cfg.Transport.Port)
	return nil
}

// Stop winds everything down in dependency order.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.ingestor.Stop()
	e.supervisor.Stop(ctx)
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.monitor.Stop()
	e.tracker.Stop()
	_ = e.store.Close()
	_ = e.client.Close()
	if e.obsSub != nil {
		_ = e.obsSub.Close()
	}
	_ = e.tracer.Shutdown(ctx)
	e.runWG.Wait()
	return nil
}

// Snapshot returns a point-in-time view of the engine.
func (e *Engine) Snapshot() Snapshot {
	bound := ""
	if t := e.ingestor.BoundTemplate(); t != nil {
		bound = t.TemplateName
	}
	return Snapshot{
		StartedAt:      e.startedAt,
		Uptime:         time.Since(e.startedAt),
		TransportState: e.client.State(),
		Stability:      e.monitor.Report(),
		ActiveSessions: e.supervisor.ActiveSessions(),
		Backends:       e.tracker.Backends(),
		EventBus:       e.bus.Stats(),
		BoundTemplate:  bound,
	}
}

// HealthSnapshot evaluates all registered probes.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.healthEv.Evaluate(ctx)
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// metrics backend is not Prometheus.
func (e *Engine) MetricsHandler() http.Handler {
	if e.promProv == nil {
		return nil
	}
	return e.promProv.MetricsHandler()
}

// RegisterEventObserver attaches an observer fed from the event bus.
func (e *Engine) RegisterEventObserver(obs EventObserver) error {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, obs)
	if e.obsSub != nil {
		return nil
	}
	sub, err := e.bus.Subscribe(256)
	if err != nil {
		return err
	}
	e.obsSub = sub
	go func() {
		for ev := range sub.C() {
			e.obsMu.RLock()
			observers := append([]EventObserver(nil), e.observers...)
			e.obsMu.RUnlock()
			for _, fn := range observers {
				fn(ev)
			}
		}
	}()
	return nil
}

// Discovery operations -------------------------------------------------------

// StartDiscovery opens a discovery session on the engine's transport.
func (e *Engine) StartDiscovery(ctx context.Context) (string, error) {
	return e.supervisor.Start(ctx, e.client)
}

// StartDiscoveryOn opens a discovery session on a caller-supplied transport.
func (e *Engine) StartDiscoveryOn(ctx context.Context, tr transport.Transport) (string, error) {
	return e.supervisor.Start(ctx, tr)
}

// ContinueInteractive feeds operator guidance to a parked session.
func (e *Engine) ContinueInteractive(ctx context.Context, sessionID string, guidance discovery.InteractiveGuidance) error {
	return e.supervisor.ContinueInteractive(ctx, sessionID, guidance)
}

// CompleteDiscovery finalizes a session, optionally saving the template.
func (e *Engine) CompleteDiscovery(ctx context.Context, sessionID string, saveTemplate bool) (discovery.Result, error) {
	return e.supervisor.Complete(ctx, sessionID, saveTemplate)
}

// CancelDiscovery cancels a session; terminal sessions are a no-op.
func (e *Engine) CancelDiscovery(ctx context.Context, sessionID string) error {
	return e.supervisor.Cancel(ctx, sessionID)
}

// DiscoveryStatus returns a session's current status.
func (e *Engine) DiscoveryStatus(sessionID string) (discovery.Status, error) {
	return e.supervisor.GetStatus(sessionID)
}

// SubscribeProgress streams progress events for a session.
func (e *Engine) SubscribeProgress(ctx context.Context, sessionID string) (<-chan events.Event, func(), error) {
	return e.supervisor.SubscribeProgress(ctx, sessionID)
}

// Runtime ingest operations --------------------------------------------------

// BindTemplate binds a stored template to the runtime ingest pipeline and
// starts it.
func (e *Engine) BindTemplate(ctx context.Context, templateName string) error {
	t, err := e.store.Get(templateName)
	if err != nil {
		return err
	}
	return e.ingestor.Bind(ctx, t)
}

// SendCommand transmits a template-declared auxiliary command.
func (e *Engine) SendCommand(ctx context.Context, name string) error {
	return e.ingestor.SendCommand(ctx, name)
}
