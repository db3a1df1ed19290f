package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postfixrelay/imapforward/internal/forwarder"
	"github.com/postfixrelay/imapforward/internal/mail"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var m dto.Metric
	require.NoError(t, (<-ch).Write(&m))
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestObserver_Connection(t *testing.T) {
	var obs Observer
	before := value(t, ConnectAttemptsTotal.WithLabelValues("failure"))

	obs.Observe(forwarder.Event{Kind: forwarder.EventConnectRetry})
	obs.Observe(forwarder.Event{Kind: forwarder.EventConnected, Count: 12})

	assert.Equal(t, before+1, value(t, ConnectAttemptsTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), value(t, Connected))
	assert.Equal(t, float64(12), value(t, Baseline))

	obs.Observe(forwarder.Event{Kind: forwarder.EventDisconnected, Reason: "wait failed"})
	assert.Equal(t, float64(0), value(t, Connected))
}

func TestObserver_Deliveries(t *testing.T) {
	var obs Observer
	ok := value(t, DeliveriesTotal.WithLabelValues("success"))
	failed := value(t, DeliveriesTotal.WithLabelValues("failure"))

	obs.Observe(forwarder.Event{Kind: forwarder.EventForwarded, Recipient: "b@y.com"})
	obs.Observe(forwarder.Event{Kind: forwarder.EventForwardFailed, Recipient: "a@x.com"})
	obs.Observe(forwarder.Event{Kind: forwarder.EventWaitOutcome, Outcome: mail.NoChange, Count: 3})

	assert.Equal(t, ok+1, value(t, DeliveriesTotal.WithLabelValues("success")))
	assert.Equal(t, failed+1, value(t, DeliveriesTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(3), value(t, Baseline))
}
