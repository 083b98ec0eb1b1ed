package uplink

import "math"

// Signal quality classes.
const (
	SignalExcellent = "excellent"
	SignalGood      = "good"
	SignalFair      = "fair"
	SignalPoor      = "poor"
)

// SignalQuality classifies a reception; the first matching class wins.
func SignalQuality(rssi, snr float64) string {
	switch {
	case rssi >= -70 && snr >= 10:
		return SignalExcellent
	case rssi >= -85 && snr >= 5:
		return SignalGood
	case rssi >= -100 && snr >= 0:
		return SignalFair
	}
	return SignalPoor
}

// EstimateBattery maps RSSI linearly onto 0-100. It is a heuristic, not a measurement.
func EstimateBattery(rssi float64) float64 {
	clamped := math.Max(-120, math.Min(-50, rssi))
	return (clamped + 120) / 70 * 100
}
