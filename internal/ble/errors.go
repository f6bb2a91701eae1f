package ble

import "errors"

// Domain errors for the BLE transports.
var (
	// ErrNotConnected is returned by Broadcast while the transport has no
	// open link to a radio.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrNoProxy is returned when no BLE proxy is known for a broadcast.
	ErrNoProxy = errors.New("ble: no proxy available")

	// ErrBroadcastRejected is returned when the radio refused a broadcast.
	ErrBroadcastRejected = errors.New("ble: broadcast rejected")

	// ErrReplyTimeout is returned when the radio did not answer a broadcast.
	ErrReplyTimeout = errors.New("ble: reply timed out")

	// ErrInvalidAdvertisement is returned for advertisements that cannot
	// be parsed.
	ErrInvalidAdvertisement = errors.New("ble: invalid advertisement")
)
