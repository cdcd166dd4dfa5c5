package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EnvelopeBuilt("request", false)
	m.EnvelopeBuilt("response", true)
	m.EnvelopeBuilt("response", false)
	m.EnvelopeDropped("response", "escape")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopes.WithLabelValues("request")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopes.WithLabelValues("response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.truncated.WithLabelValues("response")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.truncated.WithLabelValues("request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("response", "escape")))
}

func TestRelayGaugeAndOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RelayStarted()
	m.RelayStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	m.RelayFinished("request", OutcomeSent, 3*time.Millisecond, 512)
	m.RelayFinished("response", OutcomeFailed, time.Second, 2048)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("request", OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("response", OutcomeFailed)))

	m.RelayDropped("response", "queue_full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("response", OutcomeDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("response", "queue_full")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.relayDuration))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FlowProxied()
		m.EnvelopeBuilt("request", true)
		m.EnvelopeDropped("request", "oom")
		m.RelayStarted()
		m.RelayFinished("request", OutcomeSent, time.Millisecond, 1)
		m.RelayDropped("request", "closed")
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.FlowProxied()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "http_mirror_flows_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
