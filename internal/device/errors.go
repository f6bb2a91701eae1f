package device

import "errors"

// Domain errors for the device package, checked with errors.Is.
var (
	// ErrDeviceNotFound is returned when no device is bound to a MAC.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when adding a MAC that is already bound.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrNameConflict is returned when a bind would replace an existing
	// device's name or kind without explicit confirmation.
	ErrNameConflict = errors.New("device: bound to a different name or kind")

	// ErrNotPaired is returned when a device holds no session token.
	ErrNotPaired = errors.New("device: not paired")

	ErrInvalidMAC   = errors.New("device: invalid MAC address")
	ErrInvalidName  = errors.New("device: invalid name")
	ErrInvalidKind  = errors.New("device: invalid kind")
	ErrInvalidToken = errors.New("device: invalid session token")
)
