package journal

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/reading"
)

// Deps holds runtime dependencies shared by journal implementations
type Deps struct {
	// Capacity bounds the in-memory journal.
	Capacity        int
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type metrics struct {
	writes *prometheus.CounterVec
	size   prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *metrics {
	if registry == nil {
		return nil
	}
	m := &metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Commit records written by status",
		}, []string{"status"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "records",
			Help:      "Commit records held by the journal",
		}),
	}
	registry.Register("journal", "writes", m.writes)
	registry.Register("journal", "records", m.size)
	return m
}

// observe records a write; size < 0 leaves the gauge untouched.
func (m *metrics) observe(status reading.CommitStatus, size int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(status)).Inc()
	if size >= 0 {
		m.size.Set(float64(size))
	}
}
