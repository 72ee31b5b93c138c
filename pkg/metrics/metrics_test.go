package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IterationDispatched("t1")
	m.IterationDispatched("t1")
	m.IterationAccumulated("t1", false)
	m.IterationAccumulated("t1", true)
	m.DuplicateAbsorbed("t1")
	m.TaskCompleted("t1", "ERROR")
	m.ObserveAction("std.echo", false, 10*time.Millisecond)
	m.SetActiveActions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.iterationsDispatched.WithLabelValues("t1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.iterationsAccumulated.WithLabelValues("t1", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicatesAbsorbed.WithLabelValues("t1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted.WithLabelValues("t1", "ERROR")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.limiterActive))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "daedalus_iterations_dispatched_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IterationDispatched("t")
		m.IterationAccumulated("t", true)
		m.DuplicateAbsorbed("t")
		m.TaskCompleted("t", "SUCCESS")
		m.ObserveAction("a", false, time.Second)
		m.SetActiveActions(1)
		m.SetBreakerState(1)
	})
}
