package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c360/sensorledger/reading"
)

// Recognized keys on the device channel
const (
	KeyTemperature   = "Temperature"
	KeyHumidity      = "Humidity"
	KeyLightOn       = "LIGHT_ON"
	KeyLightOff      = "LIGHT_OFF"
	KeyVibrationLow  = "VIBRATION_LOW"
	KeyVibrationHigh = "VIBRATION_HIGH"
	KeyLatitude      = "GPS_LAT"
	KeyLongitude     = "GPS_LON"
)

// AbsoluteZero is the lowest temperature accepted, in degrees Celsius.
const AbsoluteZero = -273.15

type numericRule struct {
	min, max float64
	set      func(r *reading.SensorReading, v float64)
}

var numericKeys = map[string]numericRule{
	KeyTemperature: {AbsoluteZero, math.MaxFloat64, func(r *reading.SensorReading, v float64) { r.Temperature = &v }},
	KeyHumidity:    {0, 100, func(r *reading.SensorReading, v float64) { r.Humidity = &v }},
	KeyLatitude:    {-90, 90, func(r *reading.SensorReading, v float64) { r.Latitude = &v }},
	KeyLongitude:   {-180, 180, func(r *reading.SensorReading, v float64) { r.Longitude = &v }},
}

// Flags are grouped by the field they set so conflicting flags on one line
// are caught as duplicates.
var flagKeys = map[string]struct {
	field string
	set   func(r *reading.SensorReading)
}{
	KeyLightOn:       {"light", func(r *reading.SensorReading) { r.LightStatus = reading.LightOn }},
	KeyLightOff:      {"light", func(r *reading.SensorReading) { r.LightStatus = reading.LightOff }},
	KeyVibrationLow:  {"vibration", func(r *reading.SensorReading) { r.VibrationStatus = reading.VibrationLow }},
	KeyVibrationHigh: {"vibration", func(r *reading.SensorReading) { r.VibrationStatus = reading.VibrationHigh }},
}

// Result is the outcome of parsing one accepted line.
type Result struct {
	Reading      reading.SensorReading
	Recognized   int
	Unrecognized []string
}

// Option configures a RecordParser.
type Option func(*RecordParser)

// WithRecordDelimiter sets the separator between key:value tokens.
func WithRecordDelimiter(sep string) Option {
	return func(p *RecordParser) {
		if sep != "" {
			p.recordSep = sep
		}
	}
}

// WithClock sets the time source used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(p *RecordParser) {
		if now != nil {
			p.now = now
		}
	}
}

// RecordParser turns device lines such as
//
//	Temperature:9,Humidity:90,LIGHT_ON,VIBRATION_LOW,GPS_LAT:12.34,GPS_LON:56.78
//
// into SensorReadings. A line with any invalid recognized token is rejected
// as a whole. Unknown keys are ignored and reported in Result.Unrecognized.
type RecordParser struct {
	recordSep string
	now       func() time.Time
}

// NewRecordParser creates a parser splitting tokens on ",".
func NewRecordParser(opts ...Option) *RecordParser {
	p := &RecordParser{
		recordSep: ",",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Format returns the format name
func (p *RecordParser) Format() string {
	return "sensor-kv"
}

// Parse parses line and stamps the reading with the parser clock.
func (p *RecordParser) Parse(line string) (Result, error) {
	return p.ParseAt(line, p.now())
}

// ParseAt parses line and stamps the reading with observedAt.
// The same line and timestamp always yield the same Result.
func (p *RecordParser) ParseAt(line string, observedAt time.Time) (Result, error) {
	res := Result{Reading: reading.NewSensorReading(observedAt)}

	if strings.TrimSpace(line) == "" {
		return Result{}, reject(line, ErrEmptyData, "")
	}

	seen := make(map[string]bool)
	for _, token := range strings.Split(line, p.recordSep) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		key, value, hasValue := strings.Cut(token, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if rule, ok := numericKeys[key]; ok {
			if seen[key] {
				return Result{}, reject(line, ErrDuplicateField, key)
			}
			seen[key] = true

			if !hasValue || value == "" {
				return Result{}, reject(line, ErrMissingValue, key)
			}
			v, err := parseNumber(value)
			if err != nil {
				return Result{}, reject(line, ErrInvalidNumber, fmt.Sprintf("%s=%q", key, value))
			}
			if v < rule.min || v > rule.max {
				return Result{}, reject(line, ErrOutOfRange, fmt.Sprintf("%s=%s", key, value))
			}
			rule.set(&res.Reading, v)
			res.Recognized++
			continue
		}

		if flag, ok := flagKeys[key]; ok {
			if seen[flag.field] {
				return Result{}, reject(line, ErrDuplicateField, key)
			}
			seen[flag.field] = true

			if hasValue {
				return Result{}, reject(line, ErrUnexpectedValue, key)
			}
			flag.set(&res.Reading)
			res.Recognized++
			continue
		}

		res.Unrecognized = append(res.Unrecognized, key)
	}

	if res.Recognized == 0 {
		return Result{}, reject(line, ErrNoRecognized, "")
	}
	return res, nil
}

// parseNumber is strict: the whole value must be a finite decimal number.
func parseNumber(s string) (float64, error) {
	if strings.ContainsAny(s, "xX_") {
		return 0, fmt.Errorf("not a decimal number %q", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}
