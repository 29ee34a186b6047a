// Package parser turns decoded device lines into typed sensor readings.
//
// A line is a list of tokens joined by a record delimiter (comma by default).
// Each token is either a Key:Value pair or a bare flag:
//
//	Temperature:9,Humidity:90,LIGHT_ON,VIBRATION_LOW,GPS_LAT:12.34,GPS_LON:56.78
//
// Recognized numeric keys are Temperature, Humidity, GPS_LAT and GPS_LON; they
// are parsed strictly (no defaulting to zero, no NaN or Inf) and range checked.
// Recognized flags are LIGHT_ON, LIGHT_OFF, VIBRATION_LOW and VIBRATION_HIGH.
//
// Rejections are returned as *ParseError, which matches errors.ErrParse and
// carries the raw line. A line is accepted or rejected as a unit, so the
// accumulator never sees half of a bad record. Unknown keys do not reject a
// line; they are returned for diagnostics.
package parser
