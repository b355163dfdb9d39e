package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_observe_seconds",
		Help: "test histogram",
	})
	timer := NewTimer()
	timer.ObserveDuration(h)

	var m dto.Metric
	require.NoError(t, h.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestTimerObserveDurationVec(t *testing.T) {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_observe_vec_seconds",
		Help: "test histogram vec",
	}, []string{"op"})

	timer := NewTimer()
	timer.ObserveDurationVec(h, "claim")

	var m dto.Metric
	obs, err := h.GetMetricWithLabelValues("claim")
	require.NoError(t, err)
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestSnapshotIncludesCounters(t *testing.T) {
	TasksClaimed.Add(1)

	snap, err := Snapshot()
	assert.NoError(t, err)
	assert.Contains(t, snap, "asyncgate_tasks_claimed_total")
	assert.GreaterOrEqual(t, snap["asyncgate_tasks_claimed_total"], 1.0)
}
