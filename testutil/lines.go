package testutil

// Sample device lines.
const (
	// LineComplete carries all six fields.
	LineComplete = "Temperature:9,Humidity:90,LIGHT_ON,VIBRATION_LOW,GPS_LAT:12.34,GPS_LON:56.78"
	// LineMinimum carries only the fields the minimum commit gate needs.
	LineMinimum = "Temperature:21.5,Humidity:40"
	// LineMalformed has a non-numeric temperature.
	LineMalformed = "Temperature:abc"
	// LineUnknown has no recognised key.
	LineUnknown = "Pressure:1013,Battery:87"
)

// DeviceStream joins lines into a newline-terminated byte stream.
func DeviceStream(lines ...string) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}
