package gira

import "errors"

// Decode failures. Every codec error is a *DecodeError whose Reason is one
// of these.
var (
	// ErrTooShort is returned for payloads below the minimum frame length.
	ErrTooShort = errors.New("gira: frame too short")

	// ErrManufacturerMismatch is returned when the payload does not start
	// with the Gira company identifier.
	ErrManufacturerMismatch = errors.New("gira: manufacturer id mismatch")

	// ErrFrameType is returned when a frame is not of the expected type.
	ErrFrameType = errors.New("gira: unexpected frame type")

	// ErrKindMismatch is returned when a frame describes another device
	// kind, or a kind code that is not known.
	ErrKindMismatch = errors.New("gira: device kind mismatch")

	// ErrOutOfRange is returned when a numeric field holds a raw value
	// outside its documented range. Values are never clamped.
	ErrOutOfRange = errors.New("gira: value out of range")
)

// Command and pairing errors.
var (
	// ErrInvalidToken is returned when a session token has the wrong length.
	ErrInvalidToken = errors.New("gira: invalid session token")

	ErrUnknownDevice     = errors.New("gira: unknown device")
	ErrNotPaired         = errors.New("gira: device not paired")
	ErrUnsupportedIntent = errors.New("gira: intent not supported by device")
	ErrInvalidValue      = errors.New("gira: invalid command value")
	ErrBroadcastFailed   = errors.New("gira: broadcast failed")

	// ErrNotConfirmed is returned by IssueConfirmed when no state change
	// arrived within the caller's window.
	ErrNotConfirmed = errors.New("gira: command not confirmed")

	// ErrPairingTimeout is the result of a pairing session whose timer
	// expired before a pairing advertisement arrived.
	ErrPairingTimeout = errors.New("gira: pairing timed out")

	// ErrPairingCancelled is the result of a cancelled pairing session.
	ErrPairingCancelled = errors.New("gira: pairing cancelled")

	// ErrSessionNotFound is returned for unknown pairing session ids.
	ErrSessionNotFound = errors.New("gira: pairing session not found")

	// ErrInvalidTransition is returned when a pairing input is not valid
	// in the session's current state.
	ErrInvalidTransition = errors.New("gira: invalid pairing transition")
)
