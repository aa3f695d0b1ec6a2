package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPort, cfg.Transport.Port)
	assert.Equal(t, DefaultSampleBufferSize, cfg.Stability.SampleBufferSize)
	assert.Equal(t, DefaultConfidenceThreshold, cfg.Discovery.ConfidenceThreshold)
	assert.True(t, cfg.Stability.AllowUnknownSignals)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weighbridge.yaml")
	content := `
transport:
  host: 10.0.0.7
  port: 4002
stability:
  dropout_threshold: 2s
discovery:
  confidence_threshold: 90
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", cfg.Transport.Host)
	assert.Equal(t, 4002, cfg.Transport.Port)
	assert.Equal(t, 2*time.Second, cfg.Stability.DropoutThreshold)
	assert.Equal(t, 90.0, cfg.Discovery.ConfidenceThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultReconnectBaseDelay, cfg.Transport.ReconnectBaseDelay)
	assert.Equal(t, DefaultBatchSize, cfg.Storage.BatchSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  port: -1\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidateBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.ReconnectBaseDelay = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Stability.StabilityThreshold = 150
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Discovery.MaxBufferedFrames = 1
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Storage.BatchSize = 0
	assert.Error(t, cfg.Validate())
}
