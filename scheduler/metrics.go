package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorledger/metric"
)

// Metrics holds Prometheus metrics for the commit scheduler
type Metrics struct {
	commits        *prometheus.CounterVec
	attempts       prometheus.Counter
	deferred       prometheus.Counter
	confirmed      prometheus.Counter
	commitDuration prometheus.Histogram
	pending        prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "records_total",
			Help:      "Commit records finished by status and trigger",
		}, []string{"status", "trigger"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "attempts_total",
			Help:      "StoreSensorData submissions, including retries",
		}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "deferred_total",
			Help:      "Ticks with a newer ready snapshot held back by the commit interval",
		}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "confirmed_after_timeout_total",
			Help:      "Records found on the ledger after a timed-out submission",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "commit",
			Name:      "pending",
			Help:      "Whether a commit record is PENDING",
		}),
	}

	registry.Register("scheduler", "records", m.commits)
	registry.Register("scheduler", "attempts", m.attempts)
	registry.Register("scheduler", "deferred", m.deferred)
	registry.Register("scheduler", "confirmed", m.confirmed)
	registry.Register("scheduler", "duration", m.commitDuration)
	registry.Register("scheduler", "pending", m.pending)

	return m
}
