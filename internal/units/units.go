// Package units provides shared constants and conversions for muon speeds
package units

import (
	"errors"
	"math"
)

// Unit constants
const (
	MPS  = "mps"
	KMPH = "kmph"
	KPH  = "kph"
	// C expresses a speed as a fraction of the speed of light
	C = "c"
)

// SpeedOfLight in meters per second
const SpeedOfLight = 299792458.0

// ErrNoFlightTime is returned when a flight time cannot produce a speed
var ErrNoFlightTime = errors.New("flight time must be non-zero")

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, KMPH, KPH, C}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, kmph, kph, c"
}

// ConvertSpeed converts a speed from meters per second to the target units
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case KMPH, KPH:
		return speedMPS * 3.6
	case C:
		return speedMPS / SpeedOfLight
	default:
		return speedMPS
	}
}

// SpeedFromFlight returns the speed in m/s for a muon crossing distanceM
// meters between two planes in flightNS nanoseconds. The sign of the flight
// time is dropped; direction is reported separately.
func SpeedFromFlight(distanceM, flightNS float64) (float64, error) {
	if flightNS == 0 || math.IsNaN(flightNS) {
		return 0, ErrNoFlightTime
	}
	return distanceM / (math.Abs(flightNS) * 1e-9), nil
}
