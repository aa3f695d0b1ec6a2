package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/telemetry/events"
	"github.com/hexaline/weighbridge/telemetry/metrics"
)

func newTestSupervisor(t *testing.T, cfg config.DiscoveryConfig) (*Supervisor, events.Bus) {
	t.Helper()
	bus := events.NewBus(metrics.NewNoopProvider())
	eng, _, _ := newTestEngine(t, cfg, bus)
	return NewSupervisor(cfg, eng, bus, nil), bus
}

func waitForPhase(t *testing.T, sv *Supervisor, id string, want Phase) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = sv.GetStatus(id)
		return err == nil && st.Phase == want
	}, 5*time.Second, 20*time.Millisecond, "session never reached %s", want)
	return st
}

func TestSupervisorFullPassiveRun(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	tr := newScriptedTransport(2*time.Millisecond, mettlerScript(50))

	id, err := sv.Start(t.Context(), tr)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st := waitForPhase(t, sv, id, PhaseCompleted)
	assert.GreaterOrEqual(t, st.BestConfidence, 85.0)
	assert.False(t, st.Active)

	result, err := sv.Complete(t.Context(), id, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, id, result.SessionID)
}

func TestSupervisorRejectsNilTransport(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	_, err := sv.Start(t.Context(), nil)
	require.Error(t, err)
	assert.Equal(t, models.KindTransportUnavailable, models.KindOf(err))
}

func TestSupervisorRejectsBadConfig(t *testing.T) {
	cfg := fastDiscoveryConfig()
	cfg.MinFramesForAnalysis = 0
	sv, _ := newTestSupervisor(t, cfg)
	_, err := sv.Start(t.Context(), newScriptedTransport(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestSupervisorUnknownSession(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	_, err := sv.GetStatus("missing")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	err = sv.Cancel(t.Context(), "missing")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	_, err = sv.Complete(t.Context(), "missing", false)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestSupervisorCancelTwiceIsNoop(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	tr := newScriptedTransport(5*time.Millisecond, lines("ST,GS,+00123.5,kg\r\n"))
	id, err := sv.Start(t.Context(), tr)
	require.NoError(t, err)

	waitForPhase(t, sv, id, PhaseInteractiveDiscovery)
	require.NoError(t, sv.Cancel(t.Context(), id))
	st, err := sv.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, st.Phase)

	require.NoError(t, sv.Cancel(t.Context(), id), "cancel on a terminal session never errors")
}

func TestSupervisorInteractiveFlow(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	tr := newScriptedTransport(5*time.Millisecond,
		lines("ST,GS,+00123.5,kg\r\n"),
		lines("ST,GS,+00002.0,kg\r\n"),
	)
	id, err := sv.Start(t.Context(), tr)
	require.NoError(t, err)
	waitForPhase(t, sv, id, PhaseInteractiveDiscovery)

	w := 2.0
	guidance := InteractiveGuidance{MinimumSteps: 1, Steps: []StepGuidance{
		{Action: "place_weight", ExpectedWeight: &w, CaptureTime: 250 * time.Millisecond},
	}}
	require.NoError(t, sv.ContinueInteractive(t.Context(), id, guidance))

	result, err := sv.Complete(t.Context(), id, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.InteractiveSteps)
}

func TestSupervisorSweeperEvictsAgedSessions(t *testing.T) {
	cfg := fastDiscoveryConfig()
	cfg.SessionMaxAge = 150 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	sv, _ := newTestSupervisor(t, cfg)
	sv.StartSweeper(t.Context())
	defer sv.Stop(t.Context())

	tr := newScriptedTransport(5*time.Millisecond, lines("ST,GS,+00123.5,kg\r\n"))
	id, err := sv.Start(t.Context(), tr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := sv.GetStatus(id)
		return models.KindOf(err) == models.KindNotFound
	}, 3*time.Second, 50*time.Millisecond, "aged session must be evicted")
}

func TestSupervisorProgressStreamDeliversCurrentPhase(t *testing.T) {
	sv, _ := newTestSupervisor(t, fastDiscoveryConfig())
	tr := newScriptedTransport(5*time.Millisecond, lines("ST,GS,+00123.5,kg\r\n"))
	id, err := sv.Start(t.Context(), tr)
	require.NoError(t, err)
	waitForPhase(t, sv, id, PhaseInteractiveDiscovery)

	ch, cancel, err := sv.SubscribeProgress(t.Context(), id)
	require.NoError(t, err)
	defer cancel()

	select {
	case ev := <-ch:
		assert.Equal(t, string(PhaseInteractiveDiscovery), ev.Fields["phase"], "late joiner sees the current phase first")
	case <-time.After(time.Second):
		t.Fatal("no initial progress event")
	}
}
