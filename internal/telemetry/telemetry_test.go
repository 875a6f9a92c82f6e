package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObservePass("reminders", 20*time.Millisecond, 2)
	m.Notification("overdue", nil)
	m.Notification("overdue", errors.New("down"))
	m.Transition("approve_task", nil)
	m.IdentityUnresolved()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.passRuns.WithLabelValues("reminders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.passErrors.WithLabelValues("reminders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("overdue", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unresolved))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskflow_transitions_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePass("reminders", time.Second, 1)
	m.Notification("due", nil)
	m.Transition("x", nil)
	m.IdentityUnresolved()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
