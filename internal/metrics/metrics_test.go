package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))

	m.Emitted("request")
	m.Emitted("request")
	m.Received("acknowledgement")
	m.Dropped("type_mismatch")
	m.AckTimeout()
	m.Cleaned(3)
	m.PendingAdd(1)
	m.ObserveCall("ack", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.emitted.WithLabelValues("request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.received.WithLabelValues("acknowledgement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("type_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackTimeouts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cleaned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingCalls))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Emitted("request")
		m.Dropped("malformed")
		m.ObserveCall("timeout", time.Second)
		m.TabsAdd(1)
	})
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(WithNamespace("origin"), WithRegistry(prometheus.NewRegistry()))
	m.ListenerPanic()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "origin_listener_panics_total 1"))
}
