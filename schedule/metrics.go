package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	Submitted    prometheus.Counter
	Failed       prometheus.Counter
	Indexed      prometheus.Counter
	IndexRetries prometheus.Counter
	InFlight     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeingest_tasks_submitted_total",
			Help: "The total number of tasks submitted to the executor",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeingest_tasks_failed_total",
			Help: "The total number of tasks that failed, timed out or could not be submitted",
		}),
		Indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeingest_datasets_indexed_total",
			Help: "The total number of datasets indexed",
		}),
		IndexRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeingest_index_retries_total",
			Help: "The total number of failed indexing passes",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubeingest_tasks_in_flight",
			Help: "The number of submitted tasks not yet resolved",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Failed, m.Indexed, m.IndexRetries, m.InFlight)
	}
	return m
}
