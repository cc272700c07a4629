package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors shared by all brokers.
//
//   - conductord_approval_pending{broker}: currently pending requests
//   - conductord_approval_resolutions_total{broker,reason}: resolved requests
type Metrics struct {
	Pending     *prometheus.GaugeVec
	Resolutions *prometheus.CounterVec
}

// NewMetrics creates approval collectors registered with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductord",
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Number of requests waiting for a human decision",
		}, []string{"broker"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductord",
			Subsystem: "approval",
			Name:      "resolutions_total",
			Help:      "Total number of resolved requests by reason",
		}, []string{"broker", "reason"}),
	}
}

func (m *Metrics) setPending(broker string, n int) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(broker).Set(float64(n))
}

func (m *Metrics) resolved(broker string, reason Reason) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(broker, string(reason)).Inc()
}
