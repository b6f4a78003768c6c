package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.BatchSubmitted(3)
	m.ItemFinished(estimation.StatusCompleted)
	m.ItemFinished(estimation.StatusCompleted)
	m.ItemFinished(estimation.StatusFailed)
	m.StageObserved(estimation.StatusFetching, 200*time.Millisecond)
	m.ObserverAttached()
	m.ObserverAttached()
	m.ObserverDetached()
	m.SnapshotDelivered(true)
	m.SnapshotDelivered(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesSubmitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.itemsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.itemsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeObservers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsDelivery.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsDelivery.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration, "estimator_stage_duration_seconds"))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
