package input

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorledger/metric"
)

// Metrics holds Prometheus metrics for the ingestion path
type Metrics struct {
	lines         prometheus.Counter
	decodeErrors  prometheus.Counter
	parseErrors   prometheus.Counter
	unrecognized  prometheus.Counter
	opens         *prometheus.CounterVec
	lastActivity  prometheus.Gauge
	bytesReceived prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "lines_total",
			Help:      "Lines decoded from the device channel",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "decode_errors_total",
			Help:      "Records rejected by the line decoder",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "parse_errors_total",
			Help:      "Lines rejected by the record parser",
		}),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "unrecognized_keys_total",
			Help:      "Unrecognized keys seen in accepted lines",
		}),
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "opens_total",
			Help:      "Device channel open attempts by outcome",
		}, []string{"outcome"}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last decoded line",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "input",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the device channel",
		}),
	}

	registry.Register("input", "lines", m.lines)
	registry.Register("input", "decode_errors", m.decodeErrors)
	registry.Register("input", "parse_errors", m.parseErrors)
	registry.Register("input", "unrecognized_keys", m.unrecognized)
	registry.Register("input", "opens", m.opens)
	registry.Register("input", "last_activity", m.lastActivity)
	registry.Register("input", "bytes_received", m.bytesReceived)

	return m
}
