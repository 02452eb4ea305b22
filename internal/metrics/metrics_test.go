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

func TestRelayMetrics_EventOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.EventPersisted("sample_db", "users", 5*time.Millisecond)
	m.EventPersisted("sample_db", "users", 7*time.Millisecond)
	m.ParseFailure()
	m.PersistFailure("sample_db", "orders")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(OutcomePersisted, "sample_db", "users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(OutcomeParseFailed, "", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(OutcomePersistFailed, "sample_db", "orders")))
}

func TestRelayMetrics_DeadLettered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.DeadLettered("maxwell.dead")
	m.DeadLettered("maxwell.dead")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deadLetteredWith.WithLabelValues("maxwell.dead")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(OutcomeDeadLettered, "", "")))
}

func TestRelayMetrics_Connected(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Register())

	m.SetConnected("broker", true)
	m.SetConnected("store", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("broker")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected.WithLabelValues("store")))
}

func TestRelayMetrics_RegisterIdempotent(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestRelayMetrics_HandlerServesRegistry(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Register())
	m.ParseFailure()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	if !strings.Contains(rec.Body.String(), "maxrelay_pipeline_events_total") {
		t.Fatalf("expected events counter in output, got:\n%s", rec.Body.String())
	}
}
