package gira

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

// DefaultManufacturerID is the company identifier expected at the start of
// Gira manufacturer data. It has not been confirmed against captures from
// real devices; override it with ble.manufacturer_id.
const DefaultManufacturerID uint16 = 0x0589

// Frame layout. Byte offsets into the manufacturer data, company id first:
//
//	[0:2] company id, little-endian
//	[2]   frame type
//	[3]   device kind
//	status:  [4] position % | current temperature   [5] motion | target temperature   [6:8] reserved
//	pairing: [4:8] session token
const (
	FrameTypeStatus  byte = 0x01
	FrameTypePairing byte = 0x02

	KindCodeShutter    byte = 0x01
	KindCodeThermostat byte = 0x02

	offsetFrameType = 2
	offsetKind      = 3
	offsetField1    = 4
	offsetField2    = 5
	offsetReserved  = 6
	offsetToken     = 4

	// MinFrameLength is the shortest status or pairing frame.
	MinFrameLength = 8

	// notANumber marks a numeric field the device cannot report.
	notANumber byte = 0xFF
)

// Field ranges. Temperatures are carried in 0.5 °C units.
const (
	TemperatureStep = 0.5

	maxPositionRaw = 100
	maxCurrentRaw  = 100 // 50 °C
	minTargetRaw   = 20  // 10 °C
	maxTargetRaw   = 60  // 30 °C

	MinTargetTemperature = minTargetRaw * TemperatureStep
	MaxTargetTemperature = maxTargetRaw * TemperatureStep
)

// Raw motion values of a shutter status frame.
const (
	motionIdle byte = 0x00
	motionUp   byte = 0x01
	motionDown byte = 0x02
)

// Field names used in DecodeError.Fields. They match device.State.Fields.
const (
	FieldPosition           = "position"
	FieldMotion             = "motion"
	FieldCurrentTemperature = "current_temperature"
	FieldTargetTemperature  = "target_temperature"
)

// DecodeError describes a payload that could not be decoded. Fields names
// the offending fields when Reason is ErrOutOfRange.
type DecodeError struct {
	Reason error
	Fields []string
	Detail string
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason.Error())
	if len(e.Fields) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Fields, ", "))
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// IsFraming reports whether the whole frame was rejected, as opposed to
// individual fields being out of range.
func (e *DecodeError) IsFraming() bool {
	return len(e.Fields) == 0
}

func decodeErr(reason error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// StatusFrame is a decoded status advertisement. Reserved holds bytes
// whose meaning is unknown; EncodeStatus writes them back unchanged.
type StatusFrame struct {
	Kind     device.Kind
	State    device.State
	Reserved [2]byte
}

// PairingFrame is a decoded pairing advertisement.
type PairingFrame struct {
	Kind  device.Kind
	Token []byte
}

// Codec translates between manufacturer data and device state or command
// payloads. The zero value is not usable; use NewCodec.
type Codec struct {
	manufacturerID uint16
}

// NewCodec creates a codec expecting manufacturerID. Zero selects
// DefaultManufacturerID.
func NewCodec(manufacturerID uint16) Codec {
	if manufacturerID == 0 {
		manufacturerID = DefaultManufacturerID
	}
	return Codec{manufacturerID: manufacturerID}
}

// ManufacturerID returns the company identifier the codec expects.
func (c Codec) ManufacturerID() uint16 {
	return c.manufacturerID
}

// IsGira reports whether data starts with the Gira company identifier.
func (c Codec) IsGira(data []byte) bool {
	return len(data) >= 2 && binary.LittleEndian.Uint16(data) == c.manufacturerID
}

// FrameType validates the frame header and returns its type byte.
func (c Codec) FrameType(data []byte) (byte, error) {
	if len(data) < MinFrameLength {
		return 0, decodeErr(ErrTooShort, "%d bytes, want at least %d", len(data), MinFrameLength)
	}
	if !c.IsGira(data) {
		return 0, decodeErr(ErrManufacturerMismatch, "got %#04x, want %#04x",
			binary.LittleEndian.Uint16(data), c.manufacturerID)
	}
	return data[offsetFrameType], nil
}

// Decode decodes a status frame for a device of the given kind.
func (c Codec) Decode(data []byte, kind device.Kind) (device.State, error) {
	f, err := c.DecodeStatus(data)
	if err != nil {
		return device.State{}, err
	}
	if f.Kind != kind {
		return device.State{}, decodeErr(ErrKindMismatch, "frame is %s, device is %s", f.Kind, kind)
	}
	return f.State, nil
}

// DecodeStatus decodes a status frame of any kind.
func (c Codec) DecodeStatus(data []byte) (StatusFrame, error) {
	ft, err := c.FrameType(data)
	if err != nil {
		return StatusFrame{}, err
	}
	if ft != FrameTypeStatus {
		return StatusFrame{}, decodeErr(ErrFrameType, "got %#02x, want status", ft)
	}
	kind, err := kindFromCode(data[offsetKind])
	if err != nil {
		return StatusFrame{}, err
	}

	f := StatusFrame{Kind: kind, State: device.NewState(kind)}
	copy(f.Reserved[:], data[offsetReserved:offsetReserved+2])

	var bad []string
	switch kind {
	case device.KindShutter:
		var ok bool
		if f.State.Position, ok = decodeScaled(data[offsetField1], 0, maxPositionRaw, 1); !ok {
			bad = append(bad, FieldPosition)
		}
		if f.State.Motion, ok = decodeMotion(data[offsetField2]); !ok {
			bad = append(bad, FieldMotion)
		}
	case device.KindThermostat:
		var ok bool
		if f.State.Current, ok = decodeScaled(data[offsetField1], 0, maxCurrentRaw, TemperatureStep); !ok {
			bad = append(bad, FieldCurrentTemperature)
		}
		if f.State.Target, ok = decodeScaled(data[offsetField2], minTargetRaw, maxTargetRaw, TemperatureStep); !ok {
			bad = append(bad, FieldTargetTemperature)
		}
	}
	if len(bad) > 0 {
		return StatusFrame{}, &DecodeError{
			Reason: ErrOutOfRange,
			Fields: bad,
			Detail: fmt.Sprintf("raw %#02x %#02x", data[offsetField1], data[offsetField2]),
		}
	}
	return f, nil
}

// decodeScaled maps raw to raw*scale. notANumber yields an unavailable
// reading; any other value outside [lo, hi] fails.
func decodeScaled(raw, lo, hi byte, scale float64) (device.Reading, bool) {
	if raw == notANumber {
		return device.Unavailable, true
	}
	if raw < lo || raw > hi {
		return device.Unavailable, false
	}
	return device.Available(float64(raw) * scale), true
}

func decodeMotion(raw byte) (device.Motion, bool) {
	switch raw {
	case motionIdle:
		return device.MotionIdle, true
	case motionUp:
		return device.MotionUp, true
	case motionDown:
		return device.MotionDown, true
	case notANumber:
		return device.MotionUnknown, true
	default:
		return device.MotionUnknown, false
	}
}

// EncodeStatus builds a status frame. Unavailable readings and unknown
// motion are written as 0xFF; Reserved is copied verbatim.
func (c Codec) EncodeStatus(f StatusFrame) ([]byte, error) {
	code, err := kindCode(f.Kind)
	if err != nil {
		return nil, err
	}
	out := c.header(FrameTypeStatus, code)

	var v1, v2 byte
	switch f.Kind {
	case device.KindShutter:
		if v1, err = encodeScaled(f.State.Position, 0, maxPositionRaw, 1, FieldPosition); err != nil {
			return nil, err
		}
		if v2, err = encodeMotion(f.State.Motion); err != nil {
			return nil, err
		}
	case device.KindThermostat:
		if v1, err = encodeScaled(f.State.Current, 0, maxCurrentRaw, TemperatureStep, FieldCurrentTemperature); err != nil {
			return nil, err
		}
		if v2, err = encodeScaled(f.State.Target, minTargetRaw, maxTargetRaw, TemperatureStep, FieldTargetTemperature); err != nil {
			return nil, err
		}
	}
	out = append(out, v1, v2, f.Reserved[0], f.Reserved[1])
	return out, nil
}

func encodeScaled(r device.Reading, lo, hi byte, scale float64, field string) (byte, error) {
	v, ok := r.Float()
	if !ok {
		return notANumber, nil
	}
	raw := math.Round(v / scale)
	if raw < float64(lo) || raw > float64(hi) {
		return 0, fmt.Errorf("%w: %s %g", ErrOutOfRange, field, v)
	}
	return byte(raw), nil
}

func encodeMotion(m device.Motion) (byte, error) {
	switch m {
	case device.MotionIdle:
		return motionIdle, nil
	case device.MotionUp:
		return motionUp, nil
	case device.MotionDown:
		return motionDown, nil
	case device.MotionUnknown, "":
		return notANumber, nil
	default:
		return 0, fmt.Errorf("%w: motion %q", ErrOutOfRange, m)
	}
}

// DecodePairing decodes a pairing frame and copies out its session token.
func (c Codec) DecodePairing(data []byte) (PairingFrame, error) {
	ft, err := c.FrameType(data)
	if err != nil {
		return PairingFrame{}, err
	}
	if ft != FrameTypePairing {
		return PairingFrame{}, decodeErr(ErrFrameType, "got %#02x, want pairing", ft)
	}
	kind, err := kindFromCode(data[offsetKind])
	if err != nil {
		return PairingFrame{}, err
	}
	token := make([]byte, device.TokenLength)
	copy(token, data[offsetToken:offsetToken+device.TokenLength])
	return PairingFrame{Kind: kind, Token: token}, nil
}

// EncodePairing builds a pairing frame.
func (c Codec) EncodePairing(f PairingFrame) ([]byte, error) {
	code, err := kindCode(f.Kind)
	if err != nil {
		return nil, err
	}
	if len(f.Token) != device.TokenLength {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidToken, len(f.Token), device.TokenLength)
	}
	return append(c.header(FrameTypePairing, code), f.Token...), nil
}

func (c Codec) header(frameType, kind byte) []byte {
	out := make([]byte, 4, MinFrameLength)
	binary.LittleEndian.PutUint16(out, c.manufacturerID)
	out[offsetFrameType] = frameType
	out[offsetKind] = kind
	return out
}

func kindFromCode(code byte) (device.Kind, error) {
	switch code {
	case KindCodeShutter:
		return device.KindShutter, nil
	case KindCodeThermostat:
		return device.KindThermostat, nil
	default:
		return "", decodeErr(ErrKindMismatch, "unknown kind code %#02x", code)
	}
}

func kindCode(k device.Kind) (byte, error) {
	switch k {
	case device.KindShutter:
		return KindCodeShutter, nil
	case device.KindThermostat:
		return KindCodeThermostat, nil
	default:
		return 0, fmt.Errorf("%w: %q", device.ErrInvalidKind, k)
	}
}

// Command payload framing: F6 03 20 01 | property | 10 01 | value.
var (
	commandPrefix = []byte{0xF6, 0x03, 0x20, 0x01}
	commandSuffix = []byte{0x10, 0x01}
)

// CommandPayloadLength is the length of an encoded command broadcast:
// company id, token and the eight command bytes.
const CommandPayloadLength = 2 + device.TokenLength + 8

// Encode builds the broadcast payload for cmd authorised by token:
//
//	company id LE | token | F6 03 20 01 | property | 10 01 | value
func (c Codec) Encode(cmd Command, token []byte) ([]byte, error) {
	if len(token) != device.TokenLength {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidToken, len(token), device.TokenLength)
	}
	property, value, err := cmd.property()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2, CommandPayloadLength)
	binary.LittleEndian.PutUint16(out, c.manufacturerID)
	out = append(out, token...)
	out = append(out, commandPrefix...)
	out = append(out, property)
	out = append(out, commandSuffix...)
	out = append(out, value)
	return out, nil
}
