package accumulator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/reading"
)

var t0 = time.Date(2025, 3, 25, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func fullReading(at time.Time) reading.SensorReading {
	r := reading.NewSensorReading(at)
	r.Temperature = f(9)
	r.Humidity = f(90)
	r.LightStatus = reading.LightOn
	r.VibrationStatus = reading.VibrationLow
	r.Latitude = f(12.34)
	r.Longitude = f(56.78)
	return r
}

func TestAccumulator_EmptySnapshot(t *testing.T) {
	a := New(Deps{})
	snap := a.Snapshot()

	assert.Equal(t, uint64(0), snap.Version)
	assert.False(t, snap.DeviceConnected)
	assert.False(t, snap.Temperature.Valid)
	assert.False(t, snap.CommitReady)
	assert.Equal(t, reading.GateMinimum, a.Gate())
}

func TestAccumulator_ApplyFullReading(t *testing.T) {
	a := New(Deps{})
	a.SetDeviceConnected(true)

	applied, stale := a.Apply(fullReading(t0))
	assert.Equal(t, 6, applied)
	assert.Equal(t, 0, stale)

	snap := a.Snapshot()
	assert.Equal(t, 9.0, snap.Temperature.Value)
	assert.Equal(t, 90.0, snap.Humidity.Value)
	assert.Equal(t, reading.LightOn, snap.LightStatus.Value)
	assert.Equal(t, reading.VibrationLow, snap.VibrationStatus.Value)
	assert.Equal(t, 12.34, snap.Latitude.Value)
	assert.Equal(t, 56.78, snap.Longitude.Value)
	assert.Equal(t, t0, snap.ObservedAt)
	assert.True(t, snap.CommitReady)
	assert.Equal(t, uint64(2), snap.Version)
}

func TestAccumulator_MergesPartialUpdates(t *testing.T) {
	a := New(Deps{})

	r1 := reading.NewSensorReading(t0)
	r1.Temperature = f(9)
	a.Apply(r1)
	assert.False(t, a.Snapshot().CommitReady)

	r2 := reading.NewSensorReading(t0.Add(time.Second))
	r2.Humidity = f(90)
	a.Apply(r2)

	snap := a.Snapshot()
	assert.Equal(t, 9.0, snap.Temperature.Value)
	assert.Equal(t, t0, snap.Temperature.UpdatedAt)
	assert.Equal(t, 90.0, snap.Humidity.Value)
	assert.True(t, snap.CommitReady)
}

func TestAccumulator_DropsStaleUpdates(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	a := New(Deps{MetricsRegistry: registry})

	newer := reading.NewSensorReading(t0.Add(time.Minute))
	newer.Temperature = f(20)
	a.Apply(newer)
	version := a.Snapshot().Version

	older := reading.NewSensorReading(t0)
	older.Temperature = f(5)
	older.Humidity = f(50)
	applied, stale := a.Apply(older)

	assert.Equal(t, 1, applied, "humidity has no watermark yet")
	assert.Equal(t, 1, stale)

	snap := a.Snapshot()
	assert.Equal(t, 20.0, snap.Temperature.Value)
	assert.Equal(t, t0.Add(time.Minute), snap.Temperature.UpdatedAt)
	assert.Equal(t, version+1, snap.Version)
	assert.Equal(t, Stats{Applied: 2, Stale: 1}, a.Stats())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.staleDropped.WithLabelValues("temperature")))
}

func TestAccumulator_FullyStaleReadingDoesNotPublish(t *testing.T) {
	a := New(Deps{})
	a.Apply(fullReading(t0))
	before := a.Snapshot()

	applied, stale := a.Apply(fullReading(t0.Add(-time.Hour)))
	assert.Equal(t, 0, applied)
	assert.Equal(t, 6, stale)
	assert.Equal(t, before, a.Snapshot())
}

func TestAccumulator_MonotonicUnderShuffledArrival(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		a := New(Deps{})
		var readings []reading.SensorReading
		for i := 0; i < 40; i++ {
			r := reading.NewSensorReading(t0.Add(time.Duration(rng.Intn(20)) * time.Second))
			r.Temperature = f(float64(i))
			if rng.Intn(2) == 0 {
				r.Latitude = f(float64(i % 90))
			}
			readings = append(readings, r)
		}
		rng.Shuffle(len(readings), func(i, j int) { readings[i], readings[j] = readings[j], readings[i] })

		var lastTemp, lastLat time.Time
		for _, r := range readings {
			a.Apply(r)
			snap := a.Snapshot()
			require.False(t, snap.Temperature.UpdatedAt.Before(lastTemp))
			require.False(t, snap.Latitude.UpdatedAt.Before(lastLat))
			lastTemp, lastLat = snap.Temperature.UpdatedAt, snap.Latitude.UpdatedAt
		}
	}
}

func TestAccumulator_DisconnectClearsValuesKeepsWatermarks(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	a := New(Deps{MetricsRegistry: registry})
	a.SetDeviceConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.deviceConnected))

	a.Apply(fullReading(t0))
	a.SetDeviceConnected(false)

	snap := a.Snapshot()
	assert.False(t, snap.DeviceConnected)
	assert.False(t, snap.Temperature.Valid)
	assert.False(t, snap.LightStatus.Valid)
	assert.False(t, snap.CommitReady)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.deviceConnected))

	a.SetDeviceConnected(true)
	applied, stale := a.Apply(fullReading(t0.Add(-time.Second)))
	assert.Equal(t, 0, applied)
	assert.Equal(t, 6, stale)

	applied, _ = a.Apply(fullReading(t0.Add(time.Second)))
	assert.Equal(t, 6, applied)
	assert.True(t, a.Snapshot().CommitReady)
}

func TestAccumulator_CompleteGate(t *testing.T) {
	a := New(Deps{Gate: reading.GateComplete})

	r := reading.NewSensorReading(t0)
	r.Temperature = f(9)
	r.Humidity = f(90)
	a.Apply(r)
	assert.False(t, a.Snapshot().CommitReady)

	a.Apply(fullReading(t0.Add(time.Second)))
	assert.True(t, a.Snapshot().CommitReady)
}

func TestAccumulator_ChangedAndWait(t *testing.T) {
	a := New(Deps{})
	ch := a.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any update")
	default:
	}

	done := make(chan reading.SensorSnapshot, 1)
	go func() {
		done <- a.WaitForVersion(context.Background(), 0)
	}()

	a.Apply(fullReading(t0))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("changed channel not closed")
	}

	select {
	case snap := <-done:
		assert.Equal(t, uint64(1), snap.Version)
	case <-time.After(time.Second):
		t.Fatal("WaitForVersion did not return")
	}
}

func TestAccumulator_WaitTimeout(t *testing.T) {
	a := New(Deps{})
	a.Apply(fullReading(t0))

	start := time.Now()
	snap := a.WaitTimeout(context.Background(), 1, 50*time.Millisecond)
	assert.Equal(t, uint64(1), snap.Version)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	snap = a.WaitTimeout(context.Background(), 0, time.Second)
	assert.Equal(t, uint64(1), snap.Version, "already newer returns immediately")

	snap = a.WaitTimeout(context.Background(), 5, 0)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestAccumulator_ConcurrentReaders(t *testing.T) {
	a := New(Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for ctx.Err() == nil {
				snap := a.Snapshot()
				assert.GreaterOrEqual(t, snap.Version, last)
				last = snap.Version
			}
		}()
	}

	for i := 0; i < 500; i++ {
		a.Apply(fullReading(t0.Add(time.Duration(i) * time.Millisecond)))
	}
	cancel()
	wg.Wait()
	assert.Equal(t, uint64(500), a.Snapshot().Version)
}
