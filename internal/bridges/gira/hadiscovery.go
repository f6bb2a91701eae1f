package gira

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/mqtt"
)

// DefaultHADiscoveryPrefix is Home Assistant's default discovery prefix.
const DefaultHADiscoveryPrefix = "homeassistant"

// Raw command subtopics under girable/command/gira/{device_id}/. They take
// plain payloads so Home Assistant entities can publish to them directly.
const (
	ActionCover    = "cover"    // OPEN, CLOSE, STOP
	ActionPosition = "position" // 0 (open) .. 100 (closed)
	ActionTarget   = "target"   // °C
)

// Cover payloads.
const (
	PayloadOpen  = "OPEN"
	PayloadClose = "CLOSE"
	PayloadStop  = "STOP"
)

// HADevice is the device block of a discovery payload.
type HADevice struct {
	Identifiers  []string    `json:"identifiers"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	Connections  [][2]string `json:"connections,omitempty"`
}

// HACoverConfig is the discovery payload of a shutter.
type HACoverConfig struct {
	Name              *string  `json:"name"`
	UniqueID          string   `json:"unique_id"`
	ObjectID          string   `json:"object_id"`
	DeviceClass       string   `json:"device_class"`
	CommandTopic      string   `json:"command_topic"`
	PayloadOpen       string   `json:"payload_open"`
	PayloadClose      string   `json:"payload_close"`
	PayloadStop       string   `json:"payload_stop"`
	PositionTopic     string   `json:"position_topic"`
	PositionTemplate  string   `json:"position_template"`
	SetPositionTopic  string   `json:"set_position_topic"`
	PositionOpen      int      `json:"position_open"`
	PositionClosed    int      `json:"position_closed"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            HADevice `json:"device"`
}

// HAClimateConfig is the discovery payload of a thermostat.
type HAClimateConfig struct {
	Name                       *string  `json:"name"`
	UniqueID                   string   `json:"unique_id"`
	ObjectID                   string   `json:"object_id"`
	Modes                      []string `json:"modes"`
	ModeStateTopic             string   `json:"mode_state_topic"`
	ModeStateTemplate          string   `json:"mode_state_template"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template"`
	TemperatureStateTopic      string   `json:"temperature_state_topic"`
	TemperatureStateTemplate   string   `json:"temperature_state_template"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic"`
	MinTemp                    float64  `json:"min_temp"`
	MaxTemp                    float64  `json:"max_temp"`
	TempStep                   float64  `json:"temp_step"`
	Precision                  float64  `json:"precision"`
	TemperatureUnit            string   `json:"temperature_unit"`
	AvailabilityTopic          string   `json:"availability_topic"`
	Device                     HADevice `json:"device"`
}

// HADiscovery renders Home Assistant MQTT discovery configs for devices.
type HADiscovery struct {
	prefix string
}

// NewHADiscovery creates a renderer. Empty prefix selects "homeassistant".
func NewHADiscovery(prefix string) HADiscovery {
	if prefix == "" {
		prefix = DefaultHADiscoveryPrefix
	}
	return HADiscovery{prefix: prefix}
}

func haComponent(k device.Kind) string {
	if k == device.KindThermostat {
		return "climate"
	}
	return "cover"
}

func haObjectID(d device.Device) string {
	return "gira_" + d.MAC.TopicID()
}

// Topic returns the retained config topic for d.
func (h HADiscovery) Topic(d device.Device) string {
	return mqtt.Topics{}.HADiscovery(h.prefix, haComponent(d.Kind), haObjectID(d))
}

// Payload renders the config for d. The entity takes the device name.
func (h HADiscovery) Payload(d device.Device) ([]byte, error) {
	t := mqtt.Topics{}
	id := d.MAC.TopicID()
	dev := HADevice{
		Identifiers:  []string{haObjectID(d)},
		Name:         d.Name,
		Manufacturer: "Gira",
		Connections:  [][2]string{{"bluetooth", d.MAC.String()}},
	}
	stateTopic := t.BridgeState(Protocol, id)
	availability := t.BridgeAvailability(Protocol, id)

	switch d.Kind {
	case device.KindShutter:
		dev.Model = "System 3000 shutter"
		// Devices report 0 = open, the reverse of HA's default.
		return json.Marshal(HACoverConfig{
			UniqueID:          haObjectID(d),
			ObjectID:          haObjectID(d),
			DeviceClass:       "shutter",
			CommandTopic:      t.BridgeCommandAction(Protocol, id, ActionCover),
			PayloadOpen:       PayloadOpen,
			PayloadClose:      PayloadClose,
			PayloadStop:       PayloadStop,
			PositionTopic:     stateTopic,
			PositionTemplate:  "{{ value_json.state.position }}",
			SetPositionTopic:  t.BridgeCommandAction(Protocol, id, ActionPosition),
			PositionOpen:      0,
			PositionClosed:    100,
			StateTopic:        stateTopic,
			ValueTemplate:     "{{ {'up': 'opening', 'down': 'closing'}.get(value_json.state.motion, 'stopped') }}",
			AvailabilityTopic: availability,
			Device:            dev,
		})
	case device.KindThermostat:
		dev.Model = "System 3000 thermostat"
		return json.Marshal(HAClimateConfig{
			UniqueID:                   haObjectID(d),
			ObjectID:                   haObjectID(d),
			Modes:                      []string{"off", "heat"},
			ModeStateTopic:             stateTopic,
			ModeStateTemplate:          "{{ 'heat' if value_json.available else 'off' }}",
			CurrentTemperatureTopic:    stateTopic,
			CurrentTemperatureTemplate: "{{ value_json.state.current_temperature }}",
			TemperatureStateTopic:      stateTopic,
			TemperatureStateTemplate:   "{{ value_json.state.target_temperature }}",
			TemperatureCommandTopic:    t.BridgeCommandAction(Protocol, id, ActionTarget),
			MinTemp:                    MinTargetTemperature,
			MaxTemp:                    MaxTargetTemperature,
			TempStep:                   TemperatureStep,
			Precision:                  TemperatureStep,
			TemperatureUnit:            "C",
			AvailabilityTopic:          availability,
			Device:                     dev,
		})
	default:
		return nil, fmt.Errorf("%w: %q", device.ErrInvalidKind, d.Kind)
	}
}
