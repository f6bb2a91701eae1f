package gira

import (
	"fmt"
	"math"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Intent is what a user wants a device to do.
type Intent string

// Shutter intents.
const (
	IntentMoveUp      Intent = "move_up"
	IntentMoveDown    Intent = "move_down"
	IntentStop        Intent = "stop"
	IntentStepUp      Intent = "step_up"
	IntentStepDown    Intent = "step_down"
	IntentSetPosition Intent = "set_position"
	IntentVentilate   Intent = "ventilate"
)

// Thermostat intents.
const (
	IntentSetTarget Intent = "set_target"
)

// Command property ids.
const (
	propertyMove        byte = 0xFF
	propertyStep        byte = 0xFE
	propertyStop        byte = 0xFD
	propertySetPosition byte = 0xFC
	propertySetpoint    byte = 0xFB

	valueUp   byte = 0x00
	valueDown byte = 0x01
	valueStop byte = 0x00

	// VentilationPosition is the position used by IntentVentilate.
	VentilationPosition = 50
)

// Command is a user intent plus its value. Position is used by
// set_position, Target (°C) by set_target.
type Command struct {
	Intent   Intent  `json:"intent"`
	Position int     `json:"position,omitempty"`
	Target   float64 `json:"target,omitempty"`
}

// MoveUp opens a shutter fully.
func MoveUp() Command { return Command{Intent: IntentMoveUp} }

// MoveDown closes a shutter fully.
func MoveDown() Command { return Command{Intent: IntentMoveDown} }

// Stop halts a moving shutter.
func Stop() Command { return Command{Intent: IntentStop} }

// StepUp moves a shutter one step towards open, or tilts its slats.
func StepUp() Command { return Command{Intent: IntentStepUp} }

// StepDown moves a shutter one step towards closed, or tilts its slats.
func StepDown() Command { return Command{Intent: IntentStepDown} }

// Ventilate moves a shutter to VentilationPosition.
func Ventilate() Command { return Command{Intent: IntentVentilate} }

// SetPosition moves a shutter to percent (0..100).
func SetPosition(percent int) Command {
	return Command{Intent: IntentSetPosition, Position: percent}
}

// SetTarget changes a thermostat setpoint (10..30 °C in 0.5 steps).
func SetTarget(celsius float64) Command {
	return Command{Intent: IntentSetTarget, Target: celsius}
}

// Kind returns the device kind that accepts the intent, or "" for an
// unknown intent.
func (i Intent) Kind() device.Kind {
	switch i {
	case IntentMoveUp, IntentMoveDown, IntentStop, IntentStepUp, IntentStepDown,
		IntentSetPosition, IntentVentilate:
		return device.KindShutter
	case IntentSetTarget:
		return device.KindThermostat
	default:
		return ""
	}
}

// Validate checks that a device of kind accepts the command and that its
// value is in range.
func (c Command) Validate(kind device.Kind) error {
	k := c.Intent.Kind()
	if k == "" {
		return fmt.Errorf("%w: unknown intent %q", ErrUnsupportedIntent, c.Intent)
	}
	if k != kind {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedIntent, c.Intent, kind)
	}
	_, _, err := c.property()
	return err
}

// property returns the command property id and value byte.
func (c Command) property() (byte, byte, error) {
	switch c.Intent {
	case IntentMoveUp:
		return propertyMove, valueUp, nil
	case IntentMoveDown:
		return propertyMove, valueDown, nil
	case IntentStop:
		return propertyStop, valueStop, nil
	case IntentStepUp:
		return propertyStep, valueUp, nil
	case IntentStepDown:
		return propertyStep, valueDown, nil
	case IntentSetPosition:
		if c.Position < 0 || c.Position > maxPositionRaw {
			return 0, 0, fmt.Errorf("%w: position %d not in 0..100", ErrInvalidValue, c.Position)
		}
		return propertySetPosition, byte(c.Position), nil
	case IntentVentilate:
		return propertySetPosition, VentilationPosition, nil
	case IntentSetTarget:
		raw := c.Target / TemperatureStep
		if math.IsNaN(raw) || raw != math.Trunc(raw) {
			return 0, 0, fmt.Errorf("%w: target %g is not a multiple of %g", ErrInvalidValue, c.Target, TemperatureStep)
		}
		if raw < minTargetRaw || raw > maxTargetRaw {
			return 0, 0, fmt.Errorf("%w: target %g not in %g..%g", ErrInvalidValue,
				c.Target, MinTargetTemperature, MaxTargetTemperature)
		}
		return propertySetpoint, byte(raw), nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown intent %q", ErrUnsupportedIntent, c.Intent)
	}
}

// AssumedMotion is the motion a shutter is expected to start after the
// command, reported optimistically until an advertisement confirms it.
func (c Command) AssumedMotion() device.Motion {
	switch c.Intent {
	case IntentMoveUp, IntentStepUp:
		return device.MotionUp
	case IntentMoveDown, IntentStepDown:
		return device.MotionDown
	case IntentStop:
		return device.MotionIdle
	default:
		return ""
	}
}
