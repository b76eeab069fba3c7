package fly402

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by the guard, the
// processor and the clients. A nil *Metrics records nothing.
type Metrics struct {
	challengesIssued  prometheus.Counter
	verifications     *prometheus.CounterVec
	verifyDuration    prometheus.Histogram
	payments          *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fly402",
			Name:      "challenges_issued_total",
			Help:      "Payment challenges issued by the guard.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fly402",
			Name:      "verifications_total",
			Help:      "Payment verifications by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fly402",
			Name:      "verification_duration_seconds",
			Help:      "Latency of payment verification against the ledger.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fly402",
			Name:      "client_payments_total",
			Help:      "Automatic payments attempted by clients, by outcome.",
		}, []string{"outcome"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fly402",
			Name:      "broadcast_confirmation_seconds",
			Help:      "Time from broadcast to the required confirmation depth.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.challengesIssued, m.verifications, m.verifyDuration, m.payments, m.broadcastDuration)
	}
	return m
}

func (m *Metrics) challengeIssued() {
	if m == nil {
		return
	}
	m.challengesIssued.Inc()
}

func (m *Metrics) verification(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verifyDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.verifications.WithLabelValues("verified", "").Inc()
		return
	}
	m.verifications.WithLabelValues("rejected", string(reasonOf(err))).Inc()
}

func (m *Metrics) payment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) broadcast(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(elapsed.Seconds())
}
