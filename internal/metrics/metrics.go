package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/postfixrelay/imapforward/internal/forwarder"
)

// Connection metrics
var (
	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapforward_connect_attempts_total",
			Help: "Total number of mailbox connect attempts by result",
		},
		[]string{"result"},
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapforward_connected",
			Help: "Whether a mailbox session is currently held (1) or not (0)",
		},
	)

	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapforward_disconnects_total",
			Help: "Total number of mailbox disconnects by reason",
		},
		[]string{"reason"},
	)

	Baseline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapforward_mailbox_messages",
			Help: "Last known message count of the watched folder",
		},
	)
)

// Watch and forward metrics
var (
	WaitOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapforward_wait_outcomes_total",
			Help: "Total number of finished waits by outcome",
		},
		[]string{"outcome"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapforward_messages_total",
			Help: "Total number of candidate messages by result",
		},
		[]string{"result"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapforward_deliveries_total",
			Help: "Total number of per-recipient deliveries by status",
		},
		[]string{"status"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imapforward_delivery_duration_seconds",
			Help:    "Time spent delivering to one recipient, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	CycleErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapforward_cycle_errors_total",
			Help: "Total number of watch cycles abandoned by an unexpected error",
		},
	)
)

// Observer records loop events as metrics
type Observer struct{}

func (Observer) Observe(e forwarder.Event) {
	switch e.Kind {
	case forwarder.EventConnected:
		ConnectAttemptsTotal.WithLabelValues("success").Inc()
		Connected.Set(1)
		Baseline.Set(float64(e.Count))
	case forwarder.EventConnectRetry, forwarder.EventConnectFailed:
		ConnectAttemptsTotal.WithLabelValues("failure").Inc()
	case forwarder.EventDisconnected:
		Connected.Set(0)
		DisconnectsTotal.WithLabelValues(e.Reason).Inc()
	case forwarder.EventWaitOutcome:
		WaitOutcomesTotal.WithLabelValues(e.Outcome.String()).Inc()
		Baseline.Set(float64(e.Count))
	case forwarder.EventRejected:
		MessagesTotal.WithLabelValues("rejected").Inc()
	case forwarder.EventAbandoned:
		MessagesTotal.WithLabelValues("abandoned").Inc()
	case forwarder.EventForwarded:
		DeliveriesTotal.WithLabelValues("success").Inc()
		DeliveryDuration.Observe(e.Duration.Seconds())
	case forwarder.EventForwardFailed:
		DeliveriesTotal.WithLabelValues("failure").Inc()
		DeliveryDuration.Observe(e.Duration.Seconds())
	case forwarder.EventCycleError:
		CycleErrorsTotal.Inc()
	}
}
