// Package reading defines the sensor data model shared by the ingestion,
// commit and query paths.
package reading

import (
	"encoding/json"
	"time"
)

// LightStatus is the state reported by the LIGHT_ON / LIGHT_OFF flags.
type LightStatus string

// Light states
const (
	LightUnknown LightStatus = "unknown"
	LightOn      LightStatus = "ON"
	LightOff     LightStatus = "OFF"
)

// VibrationStatus is the state reported by the VIBRATION_LOW / VIBRATION_HIGH flags.
type VibrationStatus string

// Vibration states
const (
	VibrationUnknown VibrationStatus = "unknown"
	VibrationLow     VibrationStatus = "LOW"
	VibrationHigh    VibrationStatus = "HIGH"
)

// ParseVibration maps a ledger vibration string back to a status.
func ParseVibration(s string) VibrationStatus {
	switch VibrationStatus(s) {
	case VibrationLow:
		return VibrationLow
	case VibrationHigh:
		return VibrationHigh
	default:
		return VibrationUnknown
	}
}

// SensorReading is one decoded field-update. Only the fields present on the
// source line are set; unset numeric fields are nil and unset statuses are unknown.
type SensorReading struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	Humidity        *float64        `json:"humidity,omitempty"`
	LightStatus     LightStatus     `json:"lightStatus"`
	VibrationStatus VibrationStatus `json:"vibrationStatus"`
	Latitude        *float64        `json:"latitude,omitempty"`
	Longitude       *float64        `json:"longitude,omitempty"`
	ObservedAt      time.Time       `json:"observedAt"`
}

// NewSensorReading returns a reading with both statuses unknown.
func NewSensorReading(observedAt time.Time) SensorReading {
	return SensorReading{
		LightStatus:     LightUnknown,
		VibrationStatus: VibrationUnknown,
		ObservedAt:      observedAt,
	}
}

// Empty reports whether the reading carries no field at all.
func (r SensorReading) Empty() bool {
	return r.Temperature == nil && r.Humidity == nil &&
		r.Latitude == nil && r.Longitude == nil &&
		(r.LightStatus == "" || r.LightStatus == LightUnknown) &&
		(r.VibrationStatus == "" || r.VibrationStatus == VibrationUnknown)
}

// Field is one tracked quantity in a snapshot. UpdatedAt is the watermark the
// accumulator compares incoming updates against; it survives Clear so a
// reconnecting device cannot replay older values.
type Field[T any] struct {
	Value     T
	UpdatedAt time.Time
	Valid     bool
}

type fieldJSON[T any] struct {
	Value     T         `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarshalJSON renders an invalid field as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(fieldJSON[T]{Value: f.Value, UpdatedAt: f.UpdatedAt})
}

// UnmarshalJSON accepts null or {value, updatedAt}.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Field[T]{}
		return nil
	}
	var v fieldJSON[T]
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Field[T]{Value: v.Value, UpdatedAt: v.UpdatedAt, Valid: true}
	return nil
}

// Apply stores value if at is not older than the watermark. It reports
// whether the update was applied.
func (f *Field[T]) Apply(value T, at time.Time) bool {
	if at.Before(f.UpdatedAt) {
		return false
	}
	f.Value = value
	f.UpdatedAt = at
	f.Valid = true
	return true
}

// Clear drops the value and keeps the watermark.
func (f *Field[T]) Clear() {
	var zero T
	f.Value = zero
	f.Valid = false
}

// Gate decides when a snapshot is complete enough to commit.
type Gate string

// Commit gates
const (
	// GateMinimum requires temperature and humidity.
	GateMinimum Gate = "minimum"
	// GateComplete requires all six fields.
	GateComplete Gate = "complete"
)

// SensorSnapshot is the accumulator's merged, point-in-time view.
type SensorSnapshot struct {
	Version         uint64                 `json:"version"`
	DeviceConnected bool                   `json:"deviceConnected"`
	ObservedAt      time.Time              `json:"observedAt"`
	Temperature     Field[float64]         `json:"temperature"`
	Humidity        Field[float64]         `json:"humidity"`
	LightStatus     Field[LightStatus]     `json:"lightStatus"`
	VibrationStatus Field[VibrationStatus] `json:"vibrationStatus"`
	Latitude        Field[float64]         `json:"latitude"`
	Longitude       Field[float64]         `json:"longitude"`
	CommitReady     bool                   `json:"commitReady"`
}

// MarshalJSON renders a zero ObservedAt as null.
func (s SensorSnapshot) MarshalJSON() ([]byte, error) {
	type plain SensorSnapshot
	var observed *time.Time
	if !s.ObservedAt.IsZero() {
		observed = &s.ObservedAt
	}
	return json.Marshal(struct {
		plain
		ObservedAt *time.Time `json:"observedAt"`
	}{plain(s), observed})
}

// UnmarshalJSON accepts null for ObservedAt.
func (s *SensorSnapshot) UnmarshalJSON(data []byte) error {
	type plain SensorSnapshot
	aux := struct {
		*plain
		ObservedAt *time.Time `json:"observedAt"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.ObservedAt = time.Time{}
	if aux.ObservedAt != nil {
		s.ObservedAt = *aux.ObservedAt
	}
	return nil
}

// Ready evaluates gate against the snapshot's current values.
func (s SensorSnapshot) Ready(gate Gate) bool {
	minimum := s.Temperature.Valid && s.Humidity.Valid
	if gate != GateComplete {
		return minimum
	}
	return minimum &&
		s.LightStatus.Valid && s.VibrationStatus.Valid &&
		s.Latitude.Valid && s.Longitude.Valid
}

// LatestUpdate returns the newest field watermark among valid fields.
func (s SensorSnapshot) LatestUpdate() time.Time {
	var latest time.Time
	for _, f := range []struct {
		valid bool
		at    time.Time
	}{
		{s.Temperature.Valid, s.Temperature.UpdatedAt},
		{s.Humidity.Valid, s.Humidity.UpdatedAt},
		{s.LightStatus.Valid, s.LightStatus.UpdatedAt},
		{s.VibrationStatus.Valid, s.VibrationStatus.UpdatedAt},
		{s.Latitude.Valid, s.Latitude.UpdatedAt},
		{s.Longitude.Valid, s.Longitude.UpdatedAt},
	} {
		if f.valid && f.at.After(latest) {
			latest = f.at
		}
	}
	return latest
}

// CommitStatus is the lifecycle state of a CommitRecord.
type CommitStatus string

// Commit statuses
const (
	StatusPending   CommitStatus = "PENDING"
	StatusCommitted CommitStatus = "COMMITTED"
	StatusFailed    CommitStatus = "FAILED"
)

// Terminal reports whether the status ends the record's lifecycle.
func (s CommitStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// CommitRecord tracks one logical ledger write. Retries reuse the same ID.
type CommitRecord struct {
	ID          string         `json:"id"`
	Snapshot    SensorSnapshot `json:"snapshot"`
	SubmittedAt time.Time      `json:"submittedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Status      CommitStatus   `json:"status"`
	Attempts    int            `json:"attempts"`
	Reason      string         `json:"reason,omitempty"`
	OutOfBand   bool           `json:"outOfBand,omitempty"`
}
