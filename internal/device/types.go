package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the device family of a Gira actuator.
type Kind string

// Supported device kinds.
const (
	KindShutter    Kind = "shutter"
	KindThermostat Kind = "thermostat"
)

// ParseKind accepts the canonical kind names and the labels used by the
// Gira configuration dialog ("Jal+Schaltuhr", "Thermostat"). An empty
// string selects the shutter, which is the dialog's default.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shutter", "jal+schaltuhr", "cover":
		return KindShutter, nil
	case "thermostat", "climate":
		return KindThermostat, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindShutter || k == KindThermostat
}

// Motion is the direction a shutter is travelling.
type Motion string

// Shutter motion values. MotionUnknown is used until the first frame
// decodes and when the motion byte fails validation.
const (
	MotionUnknown Motion = "unknown"
	MotionIdle    Motion = "idle"
	MotionUp      Motion = "up"
	MotionDown    Motion = "down"
)

// Reading is a numeric value or an explicit "unavailable" marker. The zero
// value is unavailable, never zero.
type Reading struct {
	Value float64
	Valid bool
}

// Unavailable is the reading for a value that cannot be reported.
var Unavailable = Reading{}

// Available returns a valid reading for v. NaN and infinities are never
// valid and yield Unavailable.
func Available(v float64) Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable
	}
	return Reading{Value: v, Valid: true}
}

// Float returns the value and whether it is valid.
func (r Reading) Float() (float64, bool) {
	return r.Value, r.Valid
}

func (r Reading) String() string {
	if !r.Valid {
		return "unavailable"
	}
	return fmt.Sprintf("%g", r.Value)
}

// MarshalJSON encodes an unavailable reading as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts a number or null.
func (r *Reading) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = Unavailable
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("reading: %w", err)
	}
	*r = Available(v)
	return nil
}

// quantize rounds a valid reading to the nearest multiple of step.
func (r Reading) quantize(step float64) Reading {
	if !r.Valid || step <= 0 {
		return r
	}
	return Available(math.Round(r.Value/step) * step)
}

// UnitCelsius is the unit of every thermostat temperature.
const UnitCelsius = "°C"

// State is the last known state of a device. Only the fields of its Kind
// are meaningful. State is comparable with ==.
type State struct {
	Kind Kind

	// Shutter
	Position Reading // percent, 0 (open) .. 100 (closed)
	Motion   Motion

	// Thermostat
	Current Reading // °C
	Target  Reading // °C
}

// NewState returns the initial state of a device of kind k: every reading
// unavailable and the motion unknown.
func NewState(k Kind) State {
	s := State{Kind: k}
	if k == KindShutter {
		s.Motion = MotionUnknown
	}
	return s
}

// Quantize rounds temperatures to tempStep and positions to whole percent,
// so that equality reflects user-visible change rather than sensor noise.
func (s State) Quantize(tempStep float64) State {
	s.Position = s.Position.quantize(1)
	s.Current = s.Current.quantize(tempStep)
	s.Target = s.Target.quantize(tempStep)
	return s
}

// Fields renders the kind-specific fields. Unavailable readings map to nil.
func (s State) Fields() map[string]any {
	fields := map[string]any{"kind": string(s.Kind)}
	switch s.Kind {
	case KindShutter:
		fields["position"] = readingValue(s.Position)
		fields["motion"] = string(s.Motion)
		fields["unit"] = "%"
	case KindThermostat:
		fields["current_temperature"] = readingValue(s.Current)
		fields["target_temperature"] = readingValue(s.Target)
		fields["unit"] = UnitCelsius
	}
	return fields
}

// Numeric returns only the valid numeric fields, keyed as in Fields.
func (s State) Numeric() map[string]float64 {
	out := make(map[string]float64, 2)
	switch s.Kind {
	case KindShutter:
		if v, ok := s.Position.Float(); ok {
			out["position"] = v
		}
	case KindThermostat:
		if v, ok := s.Current.Float(); ok {
			out["current_temperature"] = v
		}
		if v, ok := s.Target.Float(); ok {
			out["target_temperature"] = v
		}
	}
	return out
}

func readingValue(r Reading) any {
	if v, ok := r.Float(); ok {
		return v
	}
	return nil
}

type stateJSON struct {
	Kind               Kind     `json:"kind"`
	Position           *Reading `json:"position,omitempty"`
	Motion             Motion   `json:"motion,omitempty"`
	CurrentTemperature *Reading `json:"current_temperature,omitempty"`
	TargetTemperature  *Reading `json:"target_temperature,omitempty"`
	Unit               string   `json:"unit,omitempty"`
}

// MarshalJSON writes the kind-specific fields, with null for unavailable
// readings.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{Kind: s.Kind}
	switch s.Kind {
	case KindShutter:
		out.Position, out.Motion, out.Unit = &s.Position, s.Motion, "%"
	case KindThermostat:
		out.CurrentTemperature, out.TargetTemperature, out.Unit = &s.Current, &s.Target, UnitCelsius
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON. Missing readings
// are unavailable.
func (s *State) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	st := NewState(in.Kind)
	if in.Position != nil {
		st.Position = *in.Position
	}
	if in.Motion != "" {
		st.Motion = in.Motion
	}
	if in.CurrentTemperature != nil {
		st.Current = *in.CurrentTemperature
	}
	if in.TargetTemperature != nil {
		st.Target = *in.TargetTemperature
	}
	*s = st
	return nil
}

// TokenLength is the size of a Gira session token in bytes.
const TokenLength = 4

// Device is a bound Gira actuator.
type Device struct {
	MAC  MAC    `json:"mac"`
	Kind Kind   `json:"kind"`
	Name string `json:"name"`

	// SessionToken authorises command broadcasts. It is never serialised.
	SessionToken []byte `json:"-"`

	State     State     `json:"state"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	Available bool      `json:"available"`

	// CommandSeq counts commands issued to this device.
	CommandSeq uint64 `json:"command_seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Paired reports whether the device holds a session token.
func (d *Device) Paired() bool {
	return len(d.SessionToken) > 0
}

// Clone returns a copy that shares no memory with d.
func (d *Device) Clone() Device {
	c := *d
	if d.SessionToken != nil {
		c.SessionToken = append([]byte(nil), d.SessionToken...)
	}
	return c
}

// Binding returns the persisted part of d.
func (d *Device) Binding() Binding {
	return Binding{
		MAC:          d.MAC,
		Kind:         d.Kind,
		Name:         d.Name,
		SessionToken: append([]byte(nil), d.SessionToken...),
	}
}

// Binding is the configuration record of a device: what the host
// persists and what pairing produces.
type Binding struct {
	MAC          MAC    `json:"mac"`
	Kind         Kind   `json:"kind"`
	Name         string `json:"name"`
	SessionToken []byte `json:"-"`
}

// maxNameLength bounds device names.
const maxNameLength = 100

// Normalize fills a default name and canonical kind, then validates b.
func (b Binding) Normalize() (Binding, error) {
	if b.MAC.IsZero() {
		return b, fmt.Errorf("%w: zero address", ErrInvalidMAC)
	}
	kind, err := ParseKind(string(b.Kind))
	if err != nil {
		return b, err
	}
	b.Kind = kind

	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		b.Name = DefaultName(b.MAC)
	}
	if len(b.Name) > maxNameLength {
		return b, fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}

	if len(b.SessionToken) != 0 && len(b.SessionToken) != TokenLength {
		return b, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidToken, len(b.SessionToken), TokenLength)
	}
	return b, nil
}

// DefaultName is the name given to a device added without one:
// "Gira device " followed by the last two octets of the address,
// e.g. "Gira device 2233" for AA:BB:CC:11:22:33.
func DefaultName(m MAC) string {
	s := m.String()
	return "Gira device " + strings.ReplaceAll(s[len(s)-5:], ":", "")
}
