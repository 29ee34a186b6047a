package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains gateway-wide metrics that are not owned by one component
type Metrics struct {
	BuildInfo         *prometheus.GaugeVec
	ServiceStatus     *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
}

// Service status values
const (
	StatusStopped = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// NewMetrics creates the gateway-wide metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "build_info",
				Help:      "Build information, value is always 1",
			},
			[]string{"version"},
		),

		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.BuildInfo, c.ServiceStatus, c.HealthCheckStatus, c.ErrorsTotal)
}

// RecordBuildInfo publishes the running version
func (c *Metrics) RecordBuildInfo(version string) {
	c.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordServiceStatus updates a component's lifecycle status
func (c *Metrics) RecordServiceStatus(component string, status int) {
	c.ServiceStatus.WithLabelValues(component).Set(float64(status))
}

// RecordHealthStatus updates a component's health gauge
func (c *Metrics) RecordHealthStatus(component, status string) {
	value := 0.0
	switch status {
	case "healthy":
		value = 2
	case "degraded":
		value = 1
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter for a component and error class
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}
