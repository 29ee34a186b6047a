// Package accumulator merges field-updates into the current sensor snapshot.
//
// The accumulator has a single writer (the ingestion loop) and any number of
// readers. Each change publishes a new immutable snapshot through an atomic
// pointer, so readers never block the writer and never observe a half-applied
// update.
package accumulator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/reading"
)

// Metrics holds Prometheus metrics for the accumulator
type Metrics struct {
	updatesApplied  prometheus.Counter
	staleDropped    *prometheus.CounterVec
	snapshotVersion prometheus.Gauge
	deviceConnected prometheus.Gauge
	commitReady     prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "accumulator",
			Name:      "field_updates_total",
			Help:      "Field updates applied to the snapshot",
		}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "accumulator",
			Name:      "stale_updates_total",
			Help:      "Field updates dropped because they were older than the stored value",
		}, []string{"field"}),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "accumulator",
			Name:      "snapshot_version",
			Help:      "Version of the current snapshot",
		}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "Device channel status (0=disconnected, 1=connected)",
		}),
		commitReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "accumulator",
			Name:      "commit_ready",
			Help:      "Whether the current snapshot passes the commit gate",
		}),
	}

	registry.Register("accumulator", "field_updates", m.updatesApplied)
	registry.Register("accumulator", "stale_updates", m.staleDropped)
	registry.Register("accumulator", "snapshot_version", m.snapshotVersion)
	registry.Register("accumulator", "device_connected", m.deviceConnected)
	registry.Register("accumulator", "commit_ready", m.commitReady)

	return m
}

// Deps holds runtime dependencies for the accumulator
type Deps struct {
	Gate            reading.Gate
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Stats is a point-in-time view of the accumulator counters.
type Stats struct {
	Applied uint64 `json:"applied"`
	Stale   uint64 `json:"stale"`
}

// Accumulator owns the current SensorSnapshot.
type Accumulator struct {
	gate   reading.Gate
	logger *slog.Logger

	// writeMu serializes writers; readers only touch current.
	writeMu sync.Mutex
	current atomic.Pointer[reading.SensorSnapshot]

	notifyMu sync.Mutex
	changed  chan struct{}

	applied atomic.Uint64
	stale   atomic.Uint64

	metrics *Metrics
}

// New creates an accumulator with an empty, disconnected snapshot.
func New(deps Deps) *Accumulator {
	gate := deps.Gate
	if gate == "" {
		gate = reading.GateMinimum
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "accumulator")
	}

	a := &Accumulator{
		gate:    gate,
		logger:  logger,
		changed: make(chan struct{}),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	a.current.Store(&reading.SensorSnapshot{})
	return a
}

// Gate returns the configured commit gate.
func (a *Accumulator) Gate() reading.Gate {
	return a.gate
}

// Snapshot returns the current snapshot. It never blocks on the writer.
func (a *Accumulator) Snapshot() reading.SensorSnapshot {
	return *a.current.Load()
}

// Changed returns a channel that is closed on the next published change.
func (a *Accumulator) Changed() <-chan struct{} {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	return a.changed
}

// WaitForVersion blocks until the snapshot version exceeds since or ctx ends,
// then returns the current snapshot. It never returns an error; a timed-out
// wait simply yields the unchanged snapshot.
func (a *Accumulator) WaitForVersion(ctx context.Context, since uint64) reading.SensorSnapshot {
	for {
		ch := a.Changed()
		snap := a.Snapshot()
		if snap.Version > since {
			return snap
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return a.Snapshot()
		}
	}
}

// Apply merges one reading into the snapshot. Each present field is written
// only if the reading is not older than the field's last update. It returns
// how many fields were applied and how many were dropped as stale.
func (a *Accumulator) Apply(r reading.SensorReading) (applied, stale int) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	next := *a.current.Load()
	at := r.ObservedAt

	record := func(field string, ok bool) {
		if ok {
			applied++
			return
		}
		stale++
		if a.metrics != nil {
			a.metrics.staleDropped.WithLabelValues(field).Inc()
		}
	}

	if r.Temperature != nil {
		record("temperature", next.Temperature.Apply(*r.Temperature, at))
	}
	if r.Humidity != nil {
		record("humidity", next.Humidity.Apply(*r.Humidity, at))
	}
	if r.LightStatus != "" && r.LightStatus != reading.LightUnknown {
		record("light", next.LightStatus.Apply(r.LightStatus, at))
	}
	if r.VibrationStatus != "" && r.VibrationStatus != reading.VibrationUnknown {
		record("vibration", next.VibrationStatus.Apply(r.VibrationStatus, at))
	}
	if r.Latitude != nil {
		record("latitude", next.Latitude.Apply(*r.Latitude, at))
	}
	if r.Longitude != nil {
		record("longitude", next.Longitude.Apply(*r.Longitude, at))
	}

	a.applied.Add(uint64(applied))
	a.stale.Add(uint64(stale))
	if a.metrics != nil {
		a.metrics.updatesApplied.Add(float64(applied))
	}

	if applied == 0 {
		if stale > 0 {
			a.logger.Debug("Dropped stale reading", "observed_at", at, "stale_fields", stale)
		}
		return applied, stale
	}

	if at.After(next.ObservedAt) {
		next.ObservedAt = at
	}
	a.publish(next)
	return applied, stale
}

// SetDeviceConnected records the device channel state. Disconnecting clears
// every value so readers see an all-null snapshot; per-field watermarks are
// kept so replayed older lines stay stale after reconnect.
func (a *Accumulator) SetDeviceConnected(connected bool) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	next := *a.current.Load()
	if next.DeviceConnected == connected {
		return
	}

	next.DeviceConnected = connected
	if !connected {
		next.Temperature.Clear()
		next.Humidity.Clear()
		next.LightStatus.Clear()
		next.VibrationStatus.Clear()
		next.Latitude.Clear()
		next.Longitude.Clear()
	}

	if a.metrics != nil {
		v := 0.0
		if connected {
			v = 1
		}
		a.metrics.deviceConnected.Set(v)
	}

	a.logger.Info("Device connection changed", "connected", connected)
	a.publish(next)
}

// Stats returns the accumulator counters.
func (a *Accumulator) Stats() Stats {
	return Stats{Applied: a.applied.Load(), Stale: a.stale.Load()}
}

// publish must be called with writeMu held.
func (a *Accumulator) publish(next reading.SensorSnapshot) {
	next.Version++
	next.CommitReady = next.Ready(a.gate)
	a.current.Store(&next)

	if a.metrics != nil {
		a.metrics.snapshotVersion.Set(float64(next.Version))
		ready := 0.0
		if next.CommitReady {
			ready = 1
		}
		a.metrics.commitReady.Set(ready)
	}

	a.notifyMu.Lock()
	close(a.changed)
	a.changed = make(chan struct{})
	a.notifyMu.Unlock()
}

// WaitTimeout is a convenience for long-poll callers bounded by a duration.
func (a *Accumulator) WaitTimeout(ctx context.Context, since uint64, wait time.Duration) reading.SensorSnapshot {
	if wait <= 0 {
		return a.Snapshot()
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return a.WaitForVersion(ctx, since)
}
