package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
)

func scaleReading(weight float64) *models.Reading {
	v := weight
	r := &models.Reading{
		DeviceID:       "scale-1",
		Timestamp:      time.Now().UTC(),
		RawValue:       fmt.Sprintf("%.3f kg", weight),
		ProcessedValue: &v,
		Unit:           "kg",
		Quality:        models.QualityGood,
	}
	r.SetTag("device_type", "scale")
	return r
}

func newTestRouter(t *testing.T) (*Router, *MemoryRepository, *MemoryRepository) {
	t.Helper()
	tracker := NewTracker(config.Defaults().Storage, nil, nil)
	router := NewRouter(config.Defaults().Storage, tracker)
	relational := NewMemoryRepository(BackendRelational)
	timeseries := NewMemoryRepository(BackendTimeSeries)
	require.NoError(t, relational.Connect(context.Background()))
	require.NoError(t, timeseries.Connect(context.Background()))
	router.Register(relational)
	router.Register(timeseries)
	router.RefreshHealth(context.Background())
	return router, relational, timeseries
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name string
		tags map[string]interface{}
		want models.DataClassification
	}{
		{"scale", map[string]interface{}{"device_type": "scale"}, models.ClassDiscreteReading},
		{"counter", map[string]interface{}{"device_type": "adam-6051"}, models.ClassTimeSeries},
		{"configuration", map[string]interface{}{"data_type": "configuration"}, models.ClassConfiguration},
		{"template", map[string]interface{}{"data_type": "protocol_template"}, models.ClassProtocolTemplate},
		{"default", nil, models.ClassTimeSeries},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &models.Reading{Metadata: tc.tags}
			assert.Equal(t, tc.want, Classify(r))
		})
	}
	assert.Equal(t, models.ClassUnknown, Classify(nil))
}

func TestClassificationFirstMatchWins(t *testing.T) {
	// A scale reading that also carries a configuration tag stays discrete.
	r := &models.Reading{}
	r.SetTag("device_type", "scale")
	r.SetTag("data_type", "configuration")
	assert.Equal(t, models.ClassDiscreteReading, Classify(r))
}

func TestRoutePrimarySucceeds(t *testing.T) {
	router, relational, timeseries := newTestRouter(t)
	result, err := router.Route(context.Background(), scaleReading(12.5))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.ClassDiscreteReading, result.Classification)
	assert.Equal(t, []string{BackendRelational}, result.BackendsUsed)
	assert.Len(t, relational.Readings(), 1)
	assert.Empty(t, timeseries.Readings())
}

func TestRouteFailover(t *testing.T) {
	router, relational, timeseries := newTestRouter(t)
	relational.FailNext(1, fmt.Errorf("%w: connection reset", ErrTransient))

	result, err := router.Route(context.Background(), scaleReading(12.5))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{BackendTimeSeries}, result.BackendsUsed)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, BackendRelational, result.Attempts[0].Backend)
	assert.False(t, result.Attempts[0].Success)
	assert.NotEmpty(t, result.Attempts[0].Error)
	assert.Equal(t, BackendTimeSeries, result.Attempts[1].Backend)
	assert.True(t, result.Attempts[1].Success)
	assert.Len(t, timeseries.Readings(), 1)
	assert.Empty(t, relational.Readings(), "no same-backend retry within one call")
}

func TestRouteAllBackendsFail(t *testing.T) {
	router, relational, timeseries := newTestRouter(t)
	relational.FailNext(1, fmt.Errorf("%w: down", ErrTransient))
	timeseries.FailNext(1, fmt.Errorf("%w: schema", ErrPermanent))

	result, err := router.Route(context.Background(), scaleReading(1))
	require.Error(t, err)
	assert.Equal(t, models.KindAllBackendsFailed, models.KindOf(err))
	assert.False(t, result.Success)
	require.Len(t, result.Attempts, 2)
	for _, attempt := range result.Attempts {
		assert.NotEmpty(t, attempt.Error, "every failed backend carries its error message")
	}
}

func TestRouteSkipsIneligibleBackend(t *testing.T) {
	router, relational, timeseries := newTestRouter(t)
	require.NoError(t, relational.Disconnect(context.Background()))
	router.RefreshHealth(context.Background())

	result, err := router.Route(context.Background(), scaleReading(2))
	require.NoError(t, err)
	assert.Equal(t, []string{BackendTimeSeries}, result.BackendsUsed)
	assert.Empty(t, relational.Readings())
	assert.Len(t, timeseries.Readings(), 1)
}

func TestRouteNoEligibleBackend(t *testing.T) {
	tracker := NewTracker(config.Defaults().Storage, nil, nil)
	router := NewRouter(config.Defaults().Storage, tracker)
	_, err := router.Route(context.Background(), scaleReading(3))
	require.Error(t, err)
	assert.Equal(t, models.KindBackendUnavailable, models.KindOf(err))
}

func TestRouteSuccessImpliesListedBackend(t *testing.T) {
	router, _, _ := newTestRouter(t)
	policy, ok := router.Policy(models.ClassDiscreteReading)
	require.True(t, ok)

	result, err := router.Route(context.Background(), scaleReading(4))
	require.NoError(t, err)
	require.True(t, result.Success)
	names := map[string]bool{}
	for _, b := range policy.Backends {
		names[b.Name] = true
	}
	for _, used := range result.BackendsUsed {
		assert.True(t, names[used], "used backend %s must come from the policy list", used)
	}
}

func TestRouteBatchEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)
	result, err := router.RouteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Backends)
}

func TestRouteBatchGroupsByClassification(t *testing.T) {
	router, relational, timeseries := newTestRouter(t)

	counter := &models.Reading{DeviceID: "counter-1", Quality: models.QualityGood}
	counter.SetTag("device_type", "adam-6051")

	result, err := router.RouteBatch(context.Background(), []*models.Reading{
		scaleReading(1), scaleReading(2), counter,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	rel := result.Backends[BackendRelational]
	assert.Equal(t, 2, rel.BatchSize)
	assert.Equal(t, 2, rel.SuccessfulWrites)
	ts := result.Backends[BackendTimeSeries]
	assert.Equal(t, 1, ts.BatchSize)
	assert.Equal(t, 1, ts.SuccessfulWrites)
	assert.Len(t, relational.Readings(), 2)
	assert.Len(t, timeseries.Readings(), 1)
}

func TestRouteBatchCancellationPreservesPartials(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := router.RouteBatch(ctx, []*models.Reading{scaleReading(1)})
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
	assert.NotNil(t, result.Backends)
}

func TestRecommend(t *testing.T) {
	router, _, _ := newTestRouter(t)
	policy, _ := router.Policy(models.ClassDiscreteReading)

	rec := router.Recommend(context.Background(), models.ClassDiscreteReading, policy)
	assert.Equal(t, BackendRelational, rec.Primary, "policy primary wins while healthy")
	assert.Contains(t, rec.Secondary, BackendTimeSeries)
	assert.Greater(t, rec.Confidence, 0.0)
}

func TestRecommendNoHealthyBackends(t *testing.T) {
	tracker := NewTracker(config.Defaults().Storage, nil, nil)
	router := NewRouter(config.Defaults().Storage, tracker)
	policy := DefaultPolicies()[models.ClassDiscreteReading]
	rec := router.Recommend(context.Background(), models.ClassDiscreteReading, policy)
	assert.Empty(t, rec.Primary)
	assert.Equal(t, "no healthy backends", rec.PerformanceEstimate)
}

func TestTrackerRecordsRouteOperations(t *testing.T) {
	router, relational, _ := newTestRouter(t)
	_, err := router.Route(context.Background(), scaleReading(9))
	require.NoError(t, err)

	cur := router.tracker.Current(relational.Name())
	assert.Greater(t, cur.ThroughputOpsPerS, 0.0)
	assert.Equal(t, 0.0, cur.ErrorRatePct)
}
