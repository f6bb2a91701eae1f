package ble

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Frame is one received advertisement. Data is the complete manufacturer
// specific data, company identifier first.
type Frame struct {
	MAC            device.MAC
	ManufacturerID uint16
	Data           []byte
	RSSI           int
	ReceivedAt     time.Time
}

// NewFrame builds a frame, reading the company identifier from the first
// two bytes of data (little-endian).
func NewFrame(mac device.MAC, data []byte, rssi int, at time.Time) Frame {
	f := Frame{MAC: mac, Data: data, RSSI: rssi, ReceivedAt: at}
	if len(data) >= 2 {
		f.ManufacturerID = binary.LittleEndian.Uint16(data)
	}
	return f
}

// Handler receives frames. Transports call it from a single goroutine; it
// must not block.
type Handler func(Frame)

// Scanner delivers advertisements until ctx is cancelled. Scan returns nil
// when ctx ends.
type Scanner interface {
	Scan(ctx context.Context, handle Handler) error
}

// BroadcastRequest asks a transport to advertise Data for Duration.
// MAC is the target device; transports use it only for routing.
type BroadcastRequest struct {
	MAC      device.MAC
	Data     []byte
	Duration time.Duration
}

// Broadcaster transmits manufacturer data without connecting. Broadcast
// returns once the transport accepted the request.
type Broadcaster interface {
	Broadcast(ctx context.Context, req BroadcastRequest) error
}

// Transport is a Scanner that can also broadcast.
type Transport interface {
	Scanner
	Broadcaster
}

// Logger defines the logging interface used by transports.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
