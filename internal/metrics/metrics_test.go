package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/taskpilot/internal/metrics"
)

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	m := metrics.New()
	m.RecordEvent("end")
	m.RecordEvent("end")
	m.RecordSideEffectFailure("history")
	m.RecordSession("start", "finished", 2*time.Second)
	m.SetSubscriptionState(2)
	m.SetTriggerQueueDepth(3)

	assert.Equal(t, 2.0, counterValue(t, m, "taskpilot_events_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "taskpilot_side_effect_failures_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "taskpilot_sessions_total"))
	assert.Equal(t, 2.0, counterValue(t, m, "taskpilot_subscription_state"))
	assert.Equal(t, 3.0, counterValue(t, m, "taskpilot_trigger_queue_depth"))
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.RecordTrigger("enqueued")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `taskpilot_trigger_tasks_total{event="enqueued"} 1`)
}
