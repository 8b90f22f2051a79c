package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Transition("node", "RUNNING")
	r.Transition("node", "RUNNING")
	r.Transition("plan", "SUCCEEDED")
	r.LostRace("node")
	r.Interrupt("RETRY", "PROCESSED_SUCCESSFULLY")
	r.Notification("PIPELINE_START", "delivered")
	r.Task("http", "dispatched")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("node", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("plan", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lostRaces.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.interrupts.WithLabelValues("RETRY", "PROCESSED_SUCCESSFULLY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues("PIPELINE_START", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasks.WithLabelValues("http", "dispatched")))
}

func TestRecorderActiveNodes(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.NodeStarted()
	r.NodeStarted()
	r.NodeFinished("ECHO", 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeNodes))
	assert.Equal(t, 1, testutil.CollectAndCount(r.stepDuration))
}

func TestRecorderRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Transition("node", "RUNNING")
		r.LostRace("node")
		r.Interrupt("ABORT", "PROCESSED_SUCCESSFULLY")
		r.Notification("x", "ok")
		r.Task("t", "ok")
		r.NodeStarted()
		r.NodeFinished("s", 1)
	})
}
