package weighbridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/parser"
	"github.com/hexaline/weighbridge/stability"
	"github.com/hexaline/weighbridge/storage"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/logging"
	"github.com/hexaline/weighbridge/templates"
	"github.com/hexaline/weighbridge/transport"
)

// Ingestor is the runtime pipeline: transport bytes pass the stability
// filter, the bound template parses them, and the resulting readings are
// routed to storage. Quality grading follows the stability state and the
// parse outcome.
type Ingestor struct {
	cfg     config.IngestConfig
	tr      transport.Transport
	monitor *stability.Monitor
	router  *storage.Router
	bus     events.Bus
	log     logging.Logger

	mu        sync.Mutex
	parser    *parser.Parser
	residual  string
	cancelSub func()
	cancelCtx context.CancelFunc
	recovered map[string]bool
	running   bool
}

// NewIngestor wires the runtime pipeline; it stays idle until Bind.
func NewIngestor(cfg config.IngestConfig, tr transport.Transport, monitor *stability.Monitor, router *storage.Router, bus events.Bus, log logging.Logger) *Ingestor {
	return &Ingestor{cfg: cfg, tr: tr, monitor: monitor, router: router, bus: bus, log: log, recovered: make(map[string]bool)}
}

// BoundTemplate returns the currently bound template, nil when idle.
func (in *Ingestor) BoundTemplate() *templates.Template {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.parser == nil {
		return nil
	}
	return in.parser.Template()
}

// Bind attaches a template, subscribes to the transport, and starts the
// request-weight poll loop when the template declares one.
func (in *Ingestor) Bind(ctx context.Context, t *templates.Template) error {
	p, err := parser.New(t)
	if err != nil {
		return models.NewError(models.KindValidation, "ingest.bind", err)
	}

	in.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.parser = p
	in.residual = ""
	in.cancelCtx = cancel
	in.recovered = make(map[string]bool)
	in.running = true
	in.mu.Unlock()

	in.cancelSub = in.tr.Subscribe(func(data []byte, ts time.Time) {
		in.monitor.AddSample(data, ts, true)
		filtered := in.monitor.Filter(data)
		if filtered == nil {
			return
		}
		in.consume(runCtx, filtered, ts)
	})

	if cmd := t.Commands.RequestWeight; cmd != "" && in.cfg.PollInterval > 0 {
		go in.pollLoop(runCtx, cmd)
	}
	if in.log != nil {
		in.log.InfoCtx(ctx, "template bound to ingest pipeline", "template", t.TemplateName)
	}
	return nil
}

// Stop detaches the pipeline; safe to call when idle.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	cancelSub := in.cancelSub
	cancelCtx := in.cancelCtx
	in.cancelSub = nil
	in.cancelCtx = nil
	in.running = false
	in.mu.Unlock()
	if cancelSub != nil {
		cancelSub()
	}
	if cancelCtx != nil {
		cancelCtx()
	}
}

func (in *Ingestor) pollLoop(ctx context.Context, cmd string) {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.tr.Send(ctx, []byte(cmd)); err != nil && in.log != nil {
				in.log.WarnCtx(ctx, "request-weight send failed", "error", err)
			}
		}
	}
}

// consume splits filtered bytes into frames on the template delimiter and
// processes each complete frame.
func (in *Ingestor) consume(ctx context.Context, data []byte, ts time.Time) {
	in.mu.Lock()
	p := in.parser
	if p == nil {
		in.mu.Unlock()
		return
	}
	delim := p.Template().Framing.Delimiter
	if delim == "" {
		delim = "\n"
	}
	text := in.residual + string(data)
	var frames []string
	for {
		idx := strings.Index(text, delim)
		if idx < 0 {
			break
		}
		frames = append(frames, text[:idx+len(delim)])
		text = text[idx+len(delim):]
	}
	// A stream that never produces the delimiter must not grow without bound.
	if len(text) > 64*1024 {
		text = text[len(text)-4096:]
	}
	in.residual = text
	in.mu.Unlock()

	for _, frame := range frames {
		in.processFrame(ctx, p, []byte(frame), ts)
	}
}

func (in *Ingestor) processFrame(ctx context.Context, p *parser.Parser, raw []byte, ts time.Time) {
	decoded := p.DecodeFrame(raw)
	if strings.TrimSpace(decoded) == "" {
		return
	}
	tmpl := p.Template()
	reading := &models.Reading{
		DeviceID:   in.cfg.DeviceID,
		Channel:    in.cfg.Channel,
		Timestamp:  ts,
		RawValue:   decoded,
		Quality:    models.QualityGood,
		TemplateID: tmpl.ID,
	}
	reading.SetTag("device_type", "scale")
	reading.SetTag("template_name", tmpl.TemplateName)

	// Device-reported errors outrank parsing.
	if label, ok := p.MatchError(decoded); ok {
		reading.Quality = models.QualityDeviceFailure
		reading.SetTag("error", label)
		in.maybeRecover(ctx, p, label)
	} else {
		parsed := p.Parse(decoded)
		if w, ok := parsed.Fields["weight"].(float64); ok {
			v := w
			reading.ProcessedValue = &v
			if err := p.CheckWeight(w); err != nil {
				reading.Quality = models.QualityBad
				reading.SetTag("error", err.Error())
			}
		}
		if u, ok := parsed.Fields["unit"].(string); ok && u != "" {
			reading.Unit = u
		}
		if st, ok := parsed.Fields["status"].(string); ok {
			reading.Status = st
		} else if st, ok := parsed.Fields["stability"].(string); ok {
			reading.Status = st
		}
		if !parsed.Valid {
			reading.Quality = models.QualityBad
			reading.SetTag("error", strings.Join(parsed.Errors, "; "))
		}
	}

	report := in.monitor.Report()
	score := report.Score
	reading.StabilityScore = &score
	if reading.Quality == models.QualityGood && report.State != models.StateStable && report.State != models.StateUnknown {
		reading.Quality = models.QualityUncertain
		reading.Status = string(report.State)
	}

	result, err := in.router.Route(ctx, reading)
	if err != nil {
		if in.log != nil {
			in.log.ErrorCtx(ctx, "reading route failed", "error", err)
		}
		return
	}
	if in.bus != nil {
		_ = in.bus.Publish(events.Event{
			Category: events.CategoryStorage,
			Type:     "reading_routed",
			Labels:   map[string]string{"backend": strings.Join(result.BackendsUsed, ",")},
			Fields: map[string]interface{}{
				"device_id":      reading.DeviceID,
				"quality":        string(reading.Quality),
				"classification": string(result.Classification),
			},
		})
	}
}

// maybeRecover sends a template-declared recovery command once per label.
func (in *Ingestor) maybeRecover(ctx context.Context, p *parser.Parser, label string) {
	in.mu.Lock()
	done := in.recovered[label]
	if !done {
		in.recovered[label] = true
	}
	in.mu.Unlock()
	if done {
		return
	}
	if cmd, ok := p.RecoveryCommand(label); ok {
		if err := in.tr.Send(ctx, []byte(cmd)); err != nil && in.log != nil {
			in.log.WarnCtx(ctx, "recovery command send failed", "label", label, "error", err)
		}
	}
}

// SendCommand transmits a template auxiliary command by name; the
// request-weight command is addressable as "request_weight".
func (in *Ingestor) SendCommand(ctx context.Context, name string) error {
	in.mu.Lock()
	p := in.parser
	in.mu.Unlock()
	if p == nil {
		return models.NewError(models.KindValidation, "ingest.send_command", models.ErrNoBoundTemplate)
	}
	tmpl := p.Template()
	cmd := ""
	if name == "request_weight" {
		cmd = tmpl.Commands.RequestWeight
	} else if tmpl.Commands.Extra != nil {
		cmd = tmpl.Commands.Extra[name]
	}
	if cmd == "" {
		return models.NewError(models.KindNotFound, "ingest.send_command", models.ErrUnknownCommand)
	}
	if err := in.tr.Send(ctx, []byte(cmd)); err != nil {
		return models.NewError(models.KindTransportUnavailable, "ingest.send_command", err)
	}
	return nil
}
