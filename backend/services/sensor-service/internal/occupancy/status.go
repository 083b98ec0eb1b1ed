package occupancy

import (
	"smartparking/backend/services/sensor-service/internal/models"
	"smartparking/backend/services/sensor-service/internal/sensor"
	"smartparking/backend/services/sensor-service/internal/uplink"
)

// MaxDistance is the distance, in centimetres, that maps to 100% free.
const MaxDistance = 200

// Percentage maps a distance onto 0-100.
func Percentage(distance float64) float64 {
	return sensor.Clamp(distance/MaxDistance*100, 0, 100)
}

// StatusFromPercentage applies the tri-state thresholds. The 60-79 band stays unknown.
func StatusFromPercentage(p float64) string {
	switch {
	case p >= 80:
		return models.SlotAvailable
	case p < 60:
		return models.SlotOccupied
	}
	return models.SlotUnknown
}

// ResolveStatus derives a slot status. Firmware state wins. A rejected reading resolves from
// the percentage of its raw distance, except a sensor fault which is unknown. Otherwise the
// engine decides: a confirmed status, then the last confirmed one, then the pending candidate
// for a device that has never confirmed. Only a device with none of these falls back to the
// percentage of the smoothed distance. res is nil when the uplink carried no distance.
func ResolveStatus(firmwareState string, res *sensor.Result) string {
	switch firmwareState {
	case uplink.StateFree:
		return models.SlotAvailable
	case uplink.StateOccupied:
		return models.SlotOccupied
	}
	if res == nil {
		return models.SlotUnknown
	}
	if !res.Validation.Valid {
		if res.Validation.ErrorType == sensor.ErrorSensorFault {
			return models.SlotUnknown
		}
		return StatusFromPercentage(Percentage(res.RawDistance))
	}
	status := res.Status
	if status == "" {
		status = res.LastStatus
	}
	if status == "" {
		status = res.Candidate
	}
	switch status {
	case sensor.StatusOccupied:
		return models.SlotOccupied
	case sensor.StatusVacant:
		return models.SlotAvailable
	}
	return StatusFromPercentage(Percentage(res.SmoothedDistance))
}

// BatteryLevel picks the payload value, then the device tag, then an RSSI estimate.
// estimated is true only for the RSSI fallback.
func BatteryLevel(env *uplink.Envelope) (level *float64, estimated bool) {
	if env.Object != nil && env.Object.Battery != nil {
		v := *env.Object.Battery
		return &v, false
	}
	if v, ok := env.DeviceInfo.TagFloat("battery"); ok {
		return &v, false
	}
	if rx, ok := env.PrimaryRx(); ok {
		v := uplink.EstimateBattery(rx.RSSI)
		return &v, true
	}
	return nil, false
}
