package quality

// Derived environment readings for nodes carrying sensor probes.

import "math"

// Magnus formula constants, valid over normal atmospheric ranges.
const (
	magnusB = 17.62
	magnusC = 243.12 // degrees C
)

// DewPoint computes the dew point in degrees C from air temperature and
// relative humidity in percent, using the Magnus approximation. Inputs are
// not range-checked; garbage in, garbage out.
func DewPoint(tempC, relHumidity float64) float64 {
	gamma := math.Log(relHumidity/100) + magnusB*tempC/(magnusC+tempC)
	return magnusC * gamma / (magnusB - gamma)
}

var points16 = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

var points8 = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Cardinal16 maps a heading in degrees to a sixteen-wind compass point.
// Headings wrap: 360 is N again, negatives count back from N.
func Cardinal16(degrees float64) string {
	deg := normalizeDegrees(degrees)
	idx := int(math.Floor(deg/22.5+0.5)) % 16
	return points16[idx]
}

// Cardinal8 maps a heading in degrees to an eight-wind compass point.
func Cardinal8(degrees float64) string {
	deg := normalizeDegrees(degrees)
	idx := int(math.Floor(deg/45+0.5)) % 8
	return points8[idx]
}
