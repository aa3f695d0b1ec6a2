package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// yaml.v3 has no native handling for "2s"-style duration strings, so the
// duration-bearing sections decode through shadow structs. Pointer fields
// distinguish "absent" (keep the default) from an explicit zero.

type durationString time.Duration

func (d *durationString) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration node %q", node.Value)
	}
	if parsed, err := time.ParseDuration(asString); err == nil {
		*d = durationString(parsed)
		return nil
	}
	// Bare integers are taken as nanoseconds.
	var asInt int64
	if _, err := fmt.Sscanf(asString, "%d", &asInt); err == nil {
		*d = durationString(asInt)
		return nil
	}
	return fmt.Errorf("invalid duration %q", asString)
}

func applyDur(dst *time.Duration, src *durationString) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

func (t *TransportConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Host               *string         `yaml:"host"`
		Port               *int            `yaml:"port"`
		ConnectTimeout     *durationString `yaml:"connect_timeout"`
		ReconnectBaseDelay *durationString `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay  *durationString `yaml:"reconnect_max_delay"`
		WriteTimeout       *durationString `yaml:"write_timeout"`
		ReadBufferSize     *int            `yaml:"read_buffer_size"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Host != nil {
		t.Host = *raw.Host
	}
	if raw.Port != nil {
		t.Port = *raw.Port
	}
	applyDur(&t.ConnectTimeout, raw.ConnectTimeout)
	applyDur(&t.ReconnectBaseDelay, raw.ReconnectBaseDelay)
	applyDur(&t.ReconnectMaxDelay, raw.ReconnectMaxDelay)
	applyDur(&t.WriteTimeout, raw.WriteTimeout)
	if raw.ReadBufferSize != nil {
		t.ReadBufferSize = *raw.ReadBufferSize
	}
	return nil
}

func (s *StabilityConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		SampleBufferSize     *int            `yaml:"sample_buffer_size"`
		AnalysisInterval     *durationString `yaml:"analysis_interval"`
		DropoutThreshold     *durationString `yaml:"dropout_threshold"`
		StabilityThreshold   *float64        `yaml:"stability_threshold"`
		MinSamplesForState   *int            `yaml:"min_samples_for_state"`
		AllowUnknownSignals  *bool           `yaml:"allow_unknown_signals"`
		NoiseKeepFraction    *float64        `yaml:"noise_keep_fraction"`
		CorruptControlLimit  *float64        `yaml:"corrupt_control_limit"`
		DisconnectValidLimit *float64        `yaml:"disconnect_valid_limit"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.SampleBufferSize != nil {
		s.SampleBufferSize = *raw.SampleBufferSize
	}
	applyDur(&s.AnalysisInterval, raw.AnalysisInterval)
	applyDur(&s.DropoutThreshold, raw.DropoutThreshold)
	if raw.StabilityThreshold != nil {
		s.StabilityThreshold = *raw.StabilityThreshold
	}
	if raw.MinSamplesForState != nil {
		s.MinSamplesForState = *raw.MinSamplesForState
	}
	if raw.AllowUnknownSignals != nil {
		s.AllowUnknownSignals = *raw.AllowUnknownSignals
	}
	if raw.NoiseKeepFraction != nil {
		s.NoiseKeepFraction = *raw.NoiseKeepFraction
	}
	if raw.CorruptControlLimit != nil {
		s.CorruptControlLimit = *raw.CorruptControlLimit
	}
	if raw.DisconnectValidLimit != nil {
		s.DisconnectValidLimit = *raw.DisconnectValidLimit
	}
	return nil
}

func (d *DiscoveryConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MinFramesForAnalysis *int            `yaml:"min_frames_for_analysis"`
		MaxBufferedFrames    *int            `yaml:"max_buffered_frames"`
		BaselineTimeout      *durationString `yaml:"baseline_timeout"`
		ConfidenceThreshold  *float64        `yaml:"confidence_threshold"`
		MaxTestedFrames      *int            `yaml:"max_tested_frames"`
		StepCaptureTime      *durationString `yaml:"step_capture_time"`
		SessionMaxAge        *durationString `yaml:"session_max_age"`
		SweepInterval        *durationString `yaml:"sweep_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MinFramesForAnalysis != nil {
		d.MinFramesForAnalysis = *raw.MinFramesForAnalysis
	}
	if raw.MaxBufferedFrames != nil {
		d.MaxBufferedFrames = *raw.MaxBufferedFrames
	}
	applyDur(&d.BaselineTimeout, raw.BaselineTimeout)
	if raw.ConfidenceThreshold != nil {
		d.ConfidenceThreshold = *raw.ConfidenceThreshold
	}
	if raw.MaxTestedFrames != nil {
		d.MaxTestedFrames = *raw.MaxTestedFrames
	}
	applyDur(&d.StepCaptureTime, raw.StepCaptureTime)
	applyDur(&d.SessionMaxAge, raw.SessionMaxAge)
	applyDur(&d.SweepInterval, raw.SweepInterval)
	return nil
}

func (s *StorageConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RouteTimeout   *durationString `yaml:"route_timeout"`
		BatchSize      *int            `yaml:"batch_size"`
		FlushInterval  *durationString `yaml:"flush_interval"`
		TrackerWindow  *durationString `yaml:"tracker_window"`
		TrackerCadence *durationString `yaml:"tracker_cadence"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	applyDur(&s.RouteTimeout, raw.RouteTimeout)
	if raw.BatchSize != nil {
		s.BatchSize = *raw.BatchSize
	}
	applyDur(&s.FlushInterval, raw.FlushInterval)
	applyDur(&s.TrackerWindow, raw.TrackerWindow)
	applyDur(&s.TrackerCadence, raw.TrackerCadence)
	return nil
}

func (i *IngestConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		DeviceID     *string         `yaml:"device_id"`
		Channel      *int            `yaml:"channel"`
		PollInterval *durationString `yaml:"poll_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.DeviceID != nil {
		i.DeviceID = *raw.DeviceID
	}
	if raw.Channel != nil {
		i.Channel = *raw.Channel
	}
	applyDur(&i.PollInterval, raw.PollInterval)
	return nil
}
