package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/config"
)

func TestTrackerCurrentMetrics(t *testing.T) {
	tr := NewTracker(config.Defaults().Storage, nil, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.Record("db", Operation{
			OpType:          OpWrite,
			Timestamp:       now.Add(time.Duration(i) * time.Second),
			Duration:        20 * time.Millisecond,
			PointsProcessed: 1,
			Success:         i != 0, // one failure
		})
	}
	tr.Record("db", Operation{OpType: OpQuery, Timestamp: now.Add(10 * time.Second), Duration: 40 * time.Millisecond, Success: true})

	cur := tr.Current("db")
	assert.InDelta(t, 20, cur.AvgWriteLatencyMs, 0.5)
	assert.InDelta(t, 40, cur.AvgQueryLatencyMs, 0.5)
	assert.Greater(t, cur.ThroughputOpsPerS, 0.0)
	assert.InDelta(t, 100.0/11.0, cur.ErrorRatePct, 0.01)
}

func TestTrackerDetailedPercentiles(t *testing.T) {
	tr := NewTracker(config.Defaults().Storage, nil, nil)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		tr.Record("db", Operation{
			OpType:          OpWrite,
			Timestamp:       now,
			Duration:        time.Duration(i) * time.Millisecond,
			PointsProcessed: 1,
			Success:         true,
		})
	}
	det := tr.Detailed("db")
	assert.Equal(t, 100, det.TotalOperations)
	assert.Equal(t, 100, det.TotalPoints)
	assert.Equal(t, 0, det.TotalFailed)
	assert.InDelta(t, 50, det.WritePercentiles.P50Ms, 2)
	assert.InDelta(t, 95, det.WritePercentiles.P95Ms, 2)
	assert.InDelta(t, 99, det.WritePercentiles.P99Ms, 2)
}

func TestTrackerWindowPrunes(t *testing.T) {
	cfg := config.Defaults().Storage
	cfg.TrackerWindow = 100 * time.Millisecond
	tr := NewTracker(cfg, nil, nil)

	tr.Record("db", Operation{OpType: OpWrite, Timestamp: time.Now().Add(-time.Second), Duration: time.Millisecond, Success: true})
	tr.Record("db", Operation{OpType: OpWrite, Timestamp: time.Now(), Duration: time.Millisecond, Success: true})

	det := tr.Detailed("db")
	assert.Equal(t, 1, det.TotalOperations, "expired operations leave the window")
}

func TestTrackerUnknownBackend(t *testing.T) {
	tr := NewTracker(config.Defaults().Storage, nil, nil)
	cur := tr.Current("ghost")
	assert.Zero(t, cur.ThroughputOpsPerS)
	assert.Empty(t, tr.Backends())
}

func TestTrackerGauges(t *testing.T) {
	tr := NewTracker(config.Defaults().Storage, nil, nil)
	tr.SetGauges("db", 4, 17)
	cur := tr.Current("db")
	assert.Equal(t, 4, cur.ActiveConnections)
	assert.Equal(t, 17, cur.QueueSize)
	require.Equal(t, []string{"db"}, tr.Backends())
}
