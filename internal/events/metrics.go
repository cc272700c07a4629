package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the hub.
//
//   - conductord_events_observers: currently connected observers
//   - conductord_events_broadcasts_total{domain}: broadcast events
//   - conductord_events_dropped_total: events dropped on full buffers
type Metrics struct {
	Observers  prometheus.Gauge
	Broadcasts *prometheus.CounterVec
	Dropped    prometheus.Counter
}

// NewMetrics creates hub collectors registered with reg. A nil reg
// leaves them unregistered, which keeps parallel tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductord",
			Subsystem: "events",
			Name:      "observers",
			Help:      "Number of connected event observers",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductord",
			Subsystem: "events",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast events by domain",
		}, []string{"domain"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "conductord",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped because an observer buffer was full",
		}),
	}
}
