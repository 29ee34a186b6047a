package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/sensorledger/reading"
)

// Contract transaction names
const (
	TxInitLedger         = "InitLedger"
	TxStoreSensorData    = "StoreSensorData"
	TxRetrieveSensorData = "RetrieveSensorData"
)

// DefaultLocation is recorded when no location is configured.
const DefaultLocation = "Warehouse-A"

// Record is a sensor entry as stored by the contract.
type Record struct {
	ID          string                  `json:"id"`
	Temperature *float64                `json:"temperature"`
	Humidity    *float64                `json:"humidity"`
	Location    string                  `json:"location"`
	Vibration   reading.VibrationStatus `json:"vibration,omitempty"`
	Latitude    *float64                `json:"latitude"`
	Longitude   *float64                `json:"longitude"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Contract encodes sensor transactions for the deployed chaincode.
type Contract struct {
	invoker  Invoker
	location string
}

// NewContract binds the codec to an invoker. An empty location uses DefaultLocation.
func NewContract(invoker Invoker, location string) *Contract {
	if location == "" {
		location = DefaultLocation
	}
	return &Contract{invoker: invoker, location: location}
}

// Location returns the location argument sent with every store.
func (c *Contract) Location() string {
	return c.location
}

// InitLedger submits the contract's bootstrap transaction.
func (c *Contract) InitLedger(ctx context.Context) error {
	_, err := c.invoker.Submit(ctx, TxInitLedger)
	return err
}

// StoreSensorData submits snap under id.
func (c *Contract) StoreSensorData(ctx context.Context, id string, snap reading.SensorSnapshot) error {
	_, err := c.invoker.Submit(ctx, TxStoreSensorData, StoreArgs(id, c.location, snap)...)
	return err
}

// RetrieveSensorData evaluates the stored record for id.
func (c *Contract) RetrieveSensorData(ctx context.Context, id string) (Record, error) {
	raw, err := c.invoker.Evaluate(ctx, TxRetrieveSensorData, id)
	if err != nil {
		return Record{}, err
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return Record{}, NewError(KindEndorsement, TxRetrieveSensorData, PhaseEvaluate, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// StoreArgs renders the positional StoreSensorData arguments:
// id, temperature, humidity, location, vibration, latitude, longitude, timestamp.
// Absent values are sent as empty strings.
func StoreArgs(id, location string, snap reading.SensorSnapshot) []string {
	ts := snap.LatestUpdate()
	if ts.IsZero() {
		ts = snap.ObservedAt
	}

	vibration := ""
	if snap.VibrationStatus.Valid && snap.VibrationStatus.Value != reading.VibrationUnknown {
		vibration = string(snap.VibrationStatus.Value)
	}

	return []string{
		id,
		formatField(snap.Temperature),
		formatField(snap.Humidity),
		location,
		vibration,
		formatField(snap.Latitude),
		formatField(snap.Longitude),
		ts.UTC().Format(time.RFC3339),
	}
}

func formatField(f reading.Field[float64]) string {
	if !f.Valid {
		return ""
	}
	return strconv.FormatFloat(f.Value, 'f', -1, 64)
}

// DecodeRecord parses a RetrieveSensorData result. Keys match case-insensitively,
// numbers may be JSON numbers or numeric strings, and the misspelled
// "Longtitude" key written by older clients is accepted.
func DecodeRecord(raw []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	lookup := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		lookup[strings.ToLower(k)] = v
	}

	var (
		rec Record
		err error
	)
	rec.ID = stringValue(lookup, "id", "sensorid")
	rec.Location = stringValue(lookup, "location")
	rec.Vibration = reading.ParseVibration(strings.ToUpper(stringValue(lookup, "vibration")))
	if rec.Vibration == reading.VibrationUnknown {
		rec.Vibration = ""
	}

	if rec.Temperature, err = numberValue(lookup, "temperature"); err != nil {
		return Record{}, err
	}
	if rec.Humidity, err = numberValue(lookup, "humidity"); err != nil {
		return Record{}, err
	}
	if rec.Latitude, err = numberValue(lookup, "latitude"); err != nil {
		return Record{}, err
	}
	if rec.Longitude, err = numberValue(lookup, "longitude", "longtitude"); err != nil {
		return Record{}, err
	}

	if ts := stringValue(lookup, "timestamp"); ts != "" {
		t, perr := time.Parse(time.RFC3339Nano, ts)
		if perr != nil {
			return Record{}, fmt.Errorf("decode record: timestamp %q: %w", ts, perr)
		}
		rec.Timestamp = t.UTC()
	}

	return rec, nil
}

func stringValue(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return strings.Trim(string(raw), `"`)
	}
	return ""
}

func numberValue(m map[string]json.RawMessage, keys ...string) (*float64, error) {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || string(raw) == "null" {
			continue
		}

		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f, nil
		}

		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode record: field %s: %w", k, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("decode record: field %s: %w", k, err)
		}
		return &f, nil
	}
	return nil, nil
}
