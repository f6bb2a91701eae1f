package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceState  = "gira_state"
	MeasurementAvailability = "gira_availability"
	MeasurementSignal       = "ble_signal"
)

// WriteDeviceState records the numeric fields of one decoded state, for
// example {"position": 60} or {"current_temperature": 21.5}. Unavailable
// readings are left out by the caller; an empty field set writes nothing.
func (c *Client) WriteDeviceState(mac, kind string, fields map[string]float64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if p := deviceStatePoint(mac, kind, fields, at); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

// WriteAvailability records an availability transition.
func (c *Client) WriteAvailability(mac, kind string, available bool, reason string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(availabilityPoint(mac, kind, available, reason, at))
}

// WriteSignal records the RSSI of a received advertisement.
func (c *Client) WriteSignal(mac string, rssi int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementSignal,
		map[string]string{"mac": mac},
		map[string]any{"rssi": rssi},
		at))
}

// WritePoint writes a custom point stamped at.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}

func deviceStatePoint(mac, kind string, fields map[string]float64, at time.Time) *write.Point {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return write.NewPoint(MeasurementDeviceState,
		map[string]string{"mac": mac, "kind": kind},
		values,
		at)
}

func availabilityPoint(mac, kind string, available bool, reason string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementAvailability,
		map[string]string{"mac": mac, "kind": kind, "reason": reason},
		map[string]any{"available": available},
		at)
}
