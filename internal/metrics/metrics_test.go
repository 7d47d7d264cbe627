package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("append")
		m.ObserveSummaryPatch()
		m.ObserveDropped("message")
		m.ObserveSendFailure("upload")
		m.ObserveReconnect()
		m.SetConnected(true)
		m.SetTypingActive(2)
		m.ObserveRPC("GetChats", "OK")
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveDecision("append")
	m.ObserveDecision("append")
	m.ObserveDecision("replace")
	m.SetConnected(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.decisions.WithLabelValues("append")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisions.WithLabelValues("replace")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `craftworks_chat_reconcile_decisions_total{action="append"} 2`))
}
