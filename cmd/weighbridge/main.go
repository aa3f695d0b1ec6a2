package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	weighbridge "github.com/hexaline/weighbridge"
	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/discovery"
	"github.com/hexaline/weighbridge/storage"
)

func main() {
	var (
		configPath    string
		host          string
		port          int
		discover      bool
		bindTemplate  string
		saveTemplate  bool
		metricsAddr   string
		snapshotEvery time.Duration
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&host, "host", "", "Converter host (overrides config)")
	flag.IntVar(&port, "port", 0, "Converter port (overrides config)")
	flag.BoolVar(&discover, "discover", false, "Run protocol discovery instead of runtime ingest")
	flag.StringVar(&bindTemplate, "template", "", "Template name to bind for runtime ingest")
	flag.BoolVar(&saveTemplate, "save-template", false, "Persist a synthesized template on discovery completion")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address for Prometheus metrics exposure (e.g. :2112)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between state snapshots (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version info")
	flag.Parse()

	if showVersion {
		fmt.Println("weighbridge scale ingestion engine")
		return
	}

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if host != "" {
		cfg.Transport.Host = host
	}
	if port != 0 {
		cfg.Transport.Port = port
	}
	if cfg.Transport.Host == "" {
		fmt.Println("No converter host provided. Use -host or a config file.")
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.Telemetry.MetricsEnabled = true
	}

	eng, err := weighbridge.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	// Development backends; production hosts register driver-backed
	// repositories through the same contract.
	relational := storage.NewMemoryRepository(storage.BackendRelational)
	timeseries := storage.NewMemoryRepository(storage.BackendTimeSeries)
	eng.RegisterRepository(relational)
	eng.RegisterRepository(timeseries)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = relational.Connect(ctx)
	_ = timeseries.Connect(ctx)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	if metricsAddr != "" {
		if handler := eng.MetricsHandler(); handler != nil {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", handler)
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Printf("metrics server: %v", err)
				}
			}()
		}
	}

	if snapshotEvery > 0 {
		go func() {
			ticker := time.NewTicker(snapshotEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					printSnapshot(eng)
				}
			}
		}()
	}

	if discover {
		runDiscovery(ctx, eng, saveTemplate)
		return
	}

	if bindTemplate != "" {
		if err := eng.BindTemplate(ctx, bindTemplate); err != nil {
			log.Fatalf("bind template: %v", err)
		}
		log.Printf("ingesting with template %s", bindTemplate)
	}
	<-ctx.Done()
}

func runDiscovery(ctx context.Context, eng *weighbridge.Engine, save bool) {
	sessionID, err := eng.StartDiscovery(ctx)
	if err != nil {
		log.Fatalf("start discovery: %v", err)
	}
	log.Printf("discovery session %s started", sessionID)

	events, cancel, err := eng.SubscribeProgress(ctx, sessionID)
	if err != nil {
		log.Fatalf("subscribe progress: %v", err)
	}
	defer cancel()

	parkedNotice := false
	for {
		select {
		case <-ctx.Done():
			_ = eng.CancelDiscovery(context.Background(), sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == "progress" {
				log.Printf("[%v%%] %v", ev.Fields["progress_pct"], ev.Fields["message"])
			}
			if ev.Type == "result" {
				printResult(ctx, eng, sessionID, save)
				return
			}
			if !parkedNotice {
				if status, err := eng.DiscoveryStatus(sessionID); err == nil && status.Phase == discovery.PhaseInteractiveDiscovery {
					parkedNotice = true
					log.Printf("session parked for interactive discovery; provide guidance via the host API")
				}
			}
		}
	}
}

func printResult(ctx context.Context, eng *weighbridge.Engine, sessionID string, save bool) {
	result, err := eng.CompleteDiscovery(ctx, sessionID, save)
	if err != nil {
		log.Printf("complete discovery: %v", err)
		return
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

func printSnapshot(eng *weighbridge.Engine) {
	snap := eng.Snapshot()
	data, _ := json.Marshal(snap)
	log.Printf("snapshot %s", string(data))
}
