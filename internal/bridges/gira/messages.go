package gira

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Protocol is the protocol segment of every bridge topic.
const Protocol = "gira"

// CommandMessage is sent by a host to command a device.
// Topic: girable/command/gira/{device_id}
//
// The device id is the MAC in topic form (aabbcc112233). Command is an
// intent name; Parameters carries "position" for set_position and
// "target" for set_target.
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api").
	Source string `json:"source,omitempty"`

	// Confirm asks the bridge to wait for a state change and publish a
	// second ack with status confirmed or failed.
	Confirm bool `json:"confirm,omitempty"`
}

// ToCommand converts the message to a Command.
func (m CommandMessage) ToCommand() (Command, error) {
	cmd := Command{Intent: Intent(strings.ToLower(strings.TrimSpace(m.Command)))}
	switch cmd.Intent {
	case IntentSetPosition:
		v, err := numberParam(m.Parameters, "position")
		if err != nil {
			return Command{}, err
		}
		if v != float64(int(v)) {
			return Command{}, fmt.Errorf("%w: position %g is not a whole percent", ErrInvalidValue, v)
		}
		cmd.Position = int(v)
	case IntentSetTarget:
		v, err := numberParam(m.Parameters, "target")
		if err != nil {
			return Command{}, err
		}
		cmd.Target = v
	case "":
		return Command{}, fmt.Errorf("%w: missing command", ErrUnsupportedIntent)
	}
	return cmd, nil
}

func numberParam(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q parameter", ErrInvalidValue, key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidValue, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidValue, key)
	}
}

// AckFailed is the ack status of a command that was rejected or could not
// be broadcast.
const AckFailed AckStatus = "failed"

// AckMessage acknowledges a command.
// Topic: girable/ack/gira/{device_id}
type AckMessage struct {
	CommandID     string        `json:"command_id"`
	Timestamp     time.Time     `json:"timestamp"`
	DeviceID      string        `json:"device_id"`
	MAC           string        `json:"mac"`
	Protocol      string        `json:"protocol"`
	Status        AckStatus     `json:"status"`
	Sequence      uint64        `json:"sequence,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	AssumedMotion device.Motion `json:"assumed_motion,omitempty"`
	Error         *AckError     `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage builds the ack for a dispatched command.
func NewAckMessage(commandID string, ack Ack) AckMessage {
	return AckMessage{
		CommandID:     commandID,
		Timestamp:     time.Now().UTC(),
		DeviceID:      ack.MAC.TopicID(),
		MAC:           ack.MAC.String(),
		Protocol:      Protocol,
		Status:        ack.Status,
		Sequence:      ack.Sequence,
		Attempts:      ack.Attempts,
		AssumedMotion: ack.AssumedMotion,
	}
}

// NewAckError builds a failed ack. Errors that are not a *CommandError
// are reported as invalid values.
func NewAckError(commandID string, mac device.MAC, err error) AckMessage {
	code := CodeInvalidValue
	var ce *CommandError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	return AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		DeviceID:  mac.TopicID(),
		MAC:       mac.String(),
		Protocol:  Protocol,
		Status:    AckFailed,
		Error:     &AckError{Code: code, Message: err.Error()},
	}
}

// StateMessage carries the state of a device.
// Topic: girable/state/gira/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	MAC       string         `json:"mac"`
	Name      string         `json:"name"`
	Kind      device.Kind    `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Available bool           `json:"available"`
	Reason    string         `json:"reason,omitempty"`
	RSSI      int            `json:"rssi,omitempty"`
	Protocol  string         `json:"protocol"`
}

// NewStateMessage builds the state message for an event.
func NewStateMessage(ev StateChangeEvent) StateMessage {
	ts := ev.ObservedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return StateMessage{
		DeviceID:  ev.MAC.TopicID(),
		MAC:       ev.MAC.String(),
		Name:      ev.Name,
		Kind:      ev.Kind,
		Timestamp: ts.UTC(),
		State:     ev.State.Fields(),
		Available: ev.Available,
		Reason:    ev.Reason,
		RSSI:      ev.RSSI,
		Protocol:  Protocol,
	}
}

// NewDeviceStateMessage builds the state message for a registry snapshot.
func NewDeviceStateMessage(d device.Device) StateMessage {
	ts := d.UpdatedAt
	if !d.LastSeen.IsZero() {
		ts = d.LastSeen
	}
	return StateMessage{
		DeviceID:  d.MAC.TopicID(),
		MAC:       d.MAC.String(),
		Name:      d.Name,
		Kind:      d.Kind,
		Timestamp: ts.UTC(),
		State:     d.State.Fields(),
		Available: d.Available,
		Protocol:  Protocol,
	}
}

// Availability payloads, retained per device.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthMessage reports the bridge's operational status.
// Topic: girable/health/gira
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge           string            `json:"bridge"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           HealthStatus      `json:"status"`
	Version          string            `json:"version,omitempty"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	DevicesManaged   int               `json:"devices_managed"`
	DevicesAvailable int               `json:"devices_available"`
	Transport        *TransportStatus  `json:"transport,omitempty"`
	Statistics       *BridgeStatistics `json:"statistics,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// TransportStatus describes the BLE transport.
type TransportStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesIgnored  uint64 `json:"frames_ignored"`
	DecodeErrors   uint64 `json:"decode_errors"`
	EventsEmitted  uint64 `json:"events_emitted"`
	EventsDropped  uint64 `json:"events_dropped"`
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Request actions.
const (
	ActionListDevices   = "list_devices"
	ActionReadState     = "read_state"
	ActionStartPairing  = "start_pairing"
	ActionPairingStatus = "pairing_status"
	ActionConfirmPair   = "confirm_pairing"
	ActionCancelPairing = "cancel_pairing"

	// ActionSelectCandidate picks device_id as the device of a discovery
	// session.
	ActionSelectCandidate = "select_candidate"
)

// RequestMessage is a request/response operation.
// Topic: girable/request/gira/{request_id}
type RequestMessage struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Action     string         `json:"action"`
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: girable/response/gira/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request error codes.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnknownAction   = "UNKNOWN_ACTION"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePairingFailed   = "PAIRING_FAILED"
)

func newResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func newErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}
