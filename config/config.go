package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Central defaults. Every externally bounded operation takes its timeout
// from here unless overridden per config.
const (
	DefaultPort                = 4001
	DefaultConnectTimeout      = 5 * time.Second
	DefaultReconnectBaseDelay  = 100 * time.Millisecond
	DefaultReconnectMaxDelay   = 2 * time.Second
	DefaultWriteTimeout        = 2 * time.Second
	DefaultReadBufferSize      = 4096
	DefaultSampleBufferSize    = 200
	DefaultAnalysisInterval    = 2 * time.Second
	DefaultDropoutThreshold    = 5 * time.Second
	DefaultStabilityThreshold  = 80.0
	DefaultMinSamplesForState  = 10
	DefaultMinFramesForMatch   = 10
	DefaultMaxBufferedFrames   = 1000
	DefaultBaselineTimeout     = 30 * time.Second
	DefaultConfidenceThreshold = 85.0
	DefaultStepCaptureTime     = 2 * time.Second
	DefaultSessionMaxAge       = time.Hour
	DefaultSweepInterval       = time.Minute
	DefaultTrackerWindow       = 5 * time.Minute
	DefaultTrackerCadence      = 10 * time.Second
	DefaultRouteTimeout        = 10 * time.Second
	DefaultBatchSize           = 100
	DefaultFlushInterval       = 5 * time.Second
	DefaultPollInterval        = time.Second
)

// TransportConfig configures the raw-TCP link to the serial converter.
type TransportConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" json:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay" json:"reconnect_max_delay"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadBufferSize     int           `yaml:"read_buffer_size" json:"read_buffer_size"`
}

// StabilityConfig tunes the signal monitor.
type StabilityConfig struct {
	SampleBufferSize     int           `yaml:"sample_buffer_size" json:"sample_buffer_size"`
	AnalysisInterval     time.Duration `yaml:"analysis_interval" json:"analysis_interval"`
	DropoutThreshold     time.Duration `yaml:"dropout_threshold" json:"dropout_threshold"`
	StabilityThreshold   float64       `yaml:"stability_threshold" json:"stability_threshold"`
	MinSamplesForState   int           `yaml:"min_samples_for_state" json:"min_samples_for_state"`
	AllowUnknownSignals  bool          `yaml:"allow_unknown_signals" json:"allow_unknown_signals"`
	NoiseKeepFraction    float64       `yaml:"noise_keep_fraction" json:"noise_keep_fraction"`
	CorruptControlLimit  float64       `yaml:"corrupt_control_limit" json:"corrupt_control_limit"`
	DisconnectValidLimit float64       `yaml:"disconnect_valid_limit" json:"disconnect_valid_limit"`
}

// DiscoveryConfig bounds a discovery session.
type DiscoveryConfig struct {
	MinFramesForAnalysis int           `yaml:"min_frames_for_analysis" json:"min_frames_for_analysis"`
	MaxBufferedFrames    int           `yaml:"max_buffered_frames" json:"max_buffered_frames"`
	BaselineTimeout      time.Duration `yaml:"baseline_timeout" json:"baseline_timeout"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold" json:"confidence_threshold"`
	MaxTestedFrames      int           `yaml:"max_tested_frames" json:"max_tested_frames"`
	StepCaptureTime      time.Duration `yaml:"step_capture_time" json:"step_capture_time"`
	SessionMaxAge        time.Duration `yaml:"session_max_age" json:"session_max_age"`
	SweepInterval        time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// TemplatesConfig configures the template store.
type TemplatesConfig struct {
	CatalogDir  string `yaml:"catalog_dir" json:"catalog_dir"`
	WatchDir    bool   `yaml:"watch_dir" json:"watch_dir"`
	PersistPath string `yaml:"persist_path" json:"persist_path"`
}

// StorageConfig configures routing and the performance tracker.
type StorageConfig struct {
	RouteTimeout   time.Duration `yaml:"route_timeout" json:"route_timeout"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval" json:"flush_interval"`
	TrackerWindow  time.Duration `yaml:"tracker_window" json:"tracker_window"`
	TrackerCadence time.Duration `yaml:"tracker_cadence" json:"tracker_cadence"`
}

// TelemetryConfig selects observability backends.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsBackend  string  `yaml:"metrics_backend" json:"metrics_backend"` // prom | otel | noop
	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	SamplingPercent float64 `yaml:"sampling_percent" json:"sampling_percent"`
	LogLevel        string  `yaml:"log_level" json:"log_level"`
}

// IngestConfig configures the runtime parse-and-store loop.
type IngestConfig struct {
	DeviceID     string        `yaml:"device_id" json:"device_id"`
	Channel      int           `yaml:"channel" json:"channel"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Config aggregates all subsystem configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Stability StabilityConfig `yaml:"stability" json:"stability"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Templates TemplatesConfig `yaml:"templates" json:"templates"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
}

// Defaults returns a Config with every knob at its documented default.
func Defaults() Config {
	return Config{
		Transport: TransportConfig{
			Port:               DefaultPort,
			ConnectTimeout:     DefaultConnectTimeout,
			ReconnectBaseDelay: DefaultReconnectBaseDelay,
			ReconnectMaxDelay:  DefaultReconnectMaxDelay,
			WriteTimeout:       DefaultWriteTimeout,
			ReadBufferSize:     DefaultReadBufferSize,
		},
		Stability: StabilityConfig{
			SampleBufferSize:     DefaultSampleBufferSize,
			AnalysisInterval:     DefaultAnalysisInterval,
			DropoutThreshold:     DefaultDropoutThreshold,
			StabilityThreshold:   DefaultStabilityThreshold,
			MinSamplesForState:   DefaultMinSamplesForState,
			AllowUnknownSignals:  true,
			NoiseKeepFraction:    0.7,
			CorruptControlLimit:  0.1,
			DisconnectValidLimit: 0.1,
		},
		Discovery: DiscoveryConfig{
			MinFramesForAnalysis: DefaultMinFramesForMatch,
			MaxBufferedFrames:    DefaultMaxBufferedFrames,
			BaselineTimeout:      DefaultBaselineTimeout,
			ConfidenceThreshold:  DefaultConfidenceThreshold,
			MaxTestedFrames:      50,
			StepCaptureTime:      DefaultStepCaptureTime,
			SessionMaxAge:        DefaultSessionMaxAge,
			SweepInterval:        DefaultSweepInterval,
		},
		Templates: TemplatesConfig{},
		Storage: StorageConfig{
			RouteTimeout:   DefaultRouteTimeout,
			BatchSize:      DefaultBatchSize,
			FlushInterval:  DefaultFlushInterval,
			TrackerWindow:  DefaultTrackerWindow,
			TrackerCadence: DefaultTrackerCadence,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			MetricsBackend:  "prom",
			TracingEnabled:  false,
			SamplingPercent: 5,
			LogLevel:        "info",
		},
		Ingest: IngestConfig{
			DeviceID:     "scale-1",
			Channel:      0,
			PollInterval: DefaultPollInterval,
		},
	}
}

// Load reads a YAML config file and overlays it onto Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints on the aggregate config.
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Stability.Validate(); err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (t *TransportConfig) Validate() error {
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port %d out of range", t.Port)
	}
	if t.ReconnectBaseDelay < 100*time.Millisecond {
		return fmt.Errorf("reconnect_base_delay must be at least 100ms")
	}
	if t.ReconnectMaxDelay < 2*time.Second {
		return fmt.Errorf("reconnect_max_delay must be at least 2s")
	}
	if t.ReconnectMaxDelay < t.ReconnectBaseDelay {
		return fmt.Errorf("reconnect_max_delay below base delay")
	}
	return nil
}

func (s *StabilityConfig) Validate() error {
	if s.SampleBufferSize <= 0 {
		return fmt.Errorf("sample_buffer_size must be positive")
	}
	if s.StabilityThreshold < 0 || s.StabilityThreshold > 100 {
		return fmt.Errorf("stability_threshold %v outside [0,100]", s.StabilityThreshold)
	}
	if s.NoiseKeepFraction <= 0 || s.NoiseKeepFraction > 1 {
		return fmt.Errorf("noise_keep_fraction %v outside (0,1]", s.NoiseKeepFraction)
	}
	return nil
}

func (d *DiscoveryConfig) Validate() error {
	if d.MinFramesForAnalysis <= 0 {
		return fmt.Errorf("min_frames_for_analysis must be positive")
	}
	if d.MaxBufferedFrames < d.MinFramesForAnalysis {
		return fmt.Errorf("max_buffered_frames below min_frames_for_analysis")
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold %v outside [0,100]", d.ConfidenceThreshold)
	}
	return nil
}

func (s *StorageConfig) Validate() error {
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if s.RouteTimeout <= 0 {
		return fmt.Errorf("route_timeout must be positive")
	}
	return nil
}
