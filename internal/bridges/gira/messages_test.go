package gira

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

func TestCommandMessage_ToCommand(t *testing.T) {
	tests := []struct {
		name    string
		msg     CommandMessage
		want    Command
		wantErr error
	}{
		{"move up", CommandMessage{Command: "move_up"}, MoveUp(), nil},
		{"case and space folded", CommandMessage{Command: "  STOP "}, Stop(), nil},
		{"set position float", CommandMessage{Command: "set_position", Parameters: map[string]any{"position": 40.0}}, SetPosition(40), nil},
		{"set position string", CommandMessage{Command: "set_position", Parameters: map[string]any{"position": "75"}}, SetPosition(75), nil},
		{"set position fraction", CommandMessage{Command: "set_position", Parameters: map[string]any{"position": 40.5}}, Command{}, ErrInvalidValue},
		{"set position missing", CommandMessage{Command: "set_position"}, Command{}, ErrInvalidValue},
		{"set target", CommandMessage{Command: "set_target", Parameters: map[string]any{"target": 21.5}}, SetTarget(21.5), nil},
		{"set target not a number", CommandMessage{Command: "set_target", Parameters: map[string]any{"target": true}}, Command{}, ErrInvalidValue},
		{"empty command", CommandMessage{}, Command{}, ErrUnsupportedIntent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.msg.ToCommand()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ToCommand() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToCommand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ToCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommandMessage_JSON(t *testing.T) {
	var msg CommandMessage
	payload := []byte(`{"id":"cmd-1","command":"set_position","parameters":{"position":30},"confirm":true}`)
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	cmd, err := msg.ToCommand()
	if err != nil {
		t.Fatalf("ToCommand() error = %v", err)
	}
	if cmd != SetPosition(30) || !msg.Confirm || msg.ID != "cmd-1" {
		t.Errorf("cmd = %+v, msg = %+v", cmd, msg)
	}
}

func TestNewAckError(t *testing.T) {
	notPaired := commandError(livingRoomMAC, fmt.Errorf("%w: %s", ErrNotPaired, livingRoomMAC))
	ack := NewAckError("cmd-1", livingRoomMAC, fmt.Errorf("dispatch: %w", notPaired))
	if ack.Status != AckFailed || ack.Error == nil {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Error.Code != CodeNotPaired {
		t.Errorf("Code = %q, want NOT_PAIRED", ack.Error.Code)
	}
	if ack.DeviceID != "aabbcc112233" || ack.MAC != "AA:BB:CC:11:22:33" || ack.Protocol != Protocol {
		t.Errorf("ack = %+v", ack)
	}

	plain := NewAckError("cmd-2", livingRoomMAC, errors.New("bad json"))
	if plain.Error.Code != CodeInvalidValue {
		t.Errorf("plain error Code = %q", plain.Error.Code)
	}
}

func TestNewAckMessage(t *testing.T) {
	msg := NewAckMessage("cmd-1", Ack{MAC: livingRoomMAC, Status: AckSent, Sequence: 4, Attempts: 1, AssumedMotion: device.MotionDown})
	if msg.CommandID != "cmd-1" || msg.Status != AckSent || msg.Sequence != 4 || msg.AssumedMotion != device.MotionDown {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Error != nil {
		t.Error("sent ack carries an error")
	}
}

func TestNewStateMessage(t *testing.T) {
	state := device.NewState(device.KindShutter)
	state.Position = device.Available(25)
	state.Motion = device.MotionIdle

	msg := NewStateMessage(StateChangeEvent{
		MAC:        livingRoomMAC,
		Name:       "Living Room",
		Kind:       device.KindShutter,
		State:      state,
		Available:  true,
		Reason:     ReasonAdvertisement,
		ObservedAt: t0,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	st, ok := decoded["state"].(map[string]any)
	if !ok {
		t.Fatalf("state = %v", decoded["state"])
	}
	if st["position"] != 25.0 || st["motion"] != "idle" {
		t.Errorf("state = %v", st)
	}
	if decoded["device_id"] != "aabbcc112233" || decoded["available"] != true {
		t.Errorf("message = %v", decoded)
	}
	if ts, _ := decoded["timestamp"].(string); ts != t0.Format(time.RFC3339) {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
}

func TestNewDeviceStateMessage_UnavailableFieldsAreNull(t *testing.T) {
	d := device.Device{MAC: hallwayMAC, Kind: device.KindThermostat, Name: "Hallway", State: device.NewState(device.KindThermostat)}
	msg := NewDeviceStateMessage(d)
	if msg.Available {
		t.Error("never-seen device reported available")
	}
	if v, ok := msg.State["current_temperature"]; !ok || v != nil {
		t.Errorf("current_temperature = %v, present %v", v, ok)
	}
}
