package gira

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Logger defines the logging interface used throughout the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher receives state change events. *EventBus implements it.
type Publisher interface {
	Publish(ev StateChangeEvent)
}

// ReconcilerStats counts frames by outcome.
type ReconcilerStats struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesIgnored  uint64 `json:"frames_ignored"`
	DecodeErrors   uint64 `json:"decode_errors"`
	EventsEmitted  uint64 `json:"events_emitted"`
}

// Reconciler applies status advertisements to the registry and emits an
// event whenever a device's quantized state or availability changes.
//
// OnAdvertisement does constant work under one device lock and never
// blocks, so it can run directly on the transport's delivery goroutine.
type Reconciler struct {
	registry  *device.Registry
	codec     Codec
	publisher Publisher
	tempStep  float64
	logger    Logger

	received, ignored, decodeErrors, emitted atomic.Uint64
}

// NewReconciler creates a reconciler. tempStep is the temperature
// quantization (0.5 °C when zero). publisher may be nil.
func NewReconciler(registry *device.Registry, codec Codec, publisher Publisher, tempStep float64) *Reconciler {
	if tempStep <= 0 {
		tempStep = TemperatureStep
	}
	return &Reconciler{
		registry:  registry,
		codec:     codec,
		publisher: publisher,
		tempStep:  tempStep,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// HandleFrame adapts OnAdvertisement to ble.Handler.
func (r *Reconciler) HandleFrame(f ble.Frame) {
	r.OnAdvertisement(f)
}

// OnAdvertisement processes one frame and returns the emitted event, if
// any.
//
// Frames from unbound MACs and frames that are not Gira status frames are
// ignored. A frame whose fields are out of range marks exactly those
// fields unavailable and leaves the rest of the state untouched; a frame
// that fails as a whole is logged and dropped. LastSeen and Available are
// updated on every successful decode.
func (r *Reconciler) OnAdvertisement(f ble.Frame) (StateChangeEvent, bool) {
	r.received.Add(1)

	if !r.registry.Has(f.MAC) || !r.codec.IsGira(f.Data) {
		r.ignored.Add(1)
		return StateChangeEvent{}, false
	}
	if ft, err := r.codec.FrameType(f.Data); err != nil || ft != FrameTypeStatus {
		// Pairing frames from bound devices are routine.
		r.ignored.Add(1)
		return StateChangeEvent{}, false
	}

	observedAt := f.ReceivedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	var (
		ev      StateChangeEvent
		changed bool
	)
	_, err := r.registry.Update(f.MAC, func(d *device.Device) {
		state, decodeErr := r.codec.Decode(f.Data, d.Kind)
		ev, changed = r.apply(d, state, decodeErr, observedAt)
	})
	if err != nil {
		// Removed between Has and Update.
		r.ignored.Add(1)
		return StateChangeEvent{}, false
	}
	if !changed {
		return StateChangeEvent{}, false
	}

	ev.RSSI = f.RSSI
	r.emitted.Add(1)
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
	return ev, true
}

// apply runs under the device lock.
func (r *Reconciler) apply(d *device.Device, state device.State, decodeErr error, at time.Time) (StateChangeEvent, bool) {
	prev := d.State
	prevAvailable := d.Available

	if decodeErr != nil {
		r.decodeErrors.Add(1)
		var de *DecodeError
		if !errors.As(decodeErr, &de) || de.IsFraming() {
			r.logger.Warn("dropping undecodable frame", "mac", d.MAC.String(), "error", decodeErr)
			return StateChangeEvent{}, false
		}
		r.logger.Warn("advertisement field out of range", "mac", d.MAC.String(), "fields", de.Fields, "error", decodeErr)
		d.State = invalidate(d.State, de.Fields)
		if d.State == prev {
			return StateChangeEvent{}, false
		}
		d.UpdatedAt = at
		return r.event(d, prev, ReasonDecodeError, at), true
	}

	d.State = state.Quantize(r.tempStep)
	d.LastSeen = at
	d.Available = true

	if d.State == prev && prevAvailable {
		return StateChangeEvent{}, false
	}
	d.UpdatedAt = at
	return r.event(d, prev, ReasonAdvertisement, at), true
}

func (r *Reconciler) event(d *device.Device, prev device.State, reason string, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		MAC:        d.MAC,
		Name:       d.Name,
		Kind:       d.Kind,
		State:      d.State,
		Previous:   prev,
		Available:  d.Available,
		Reason:     reason,
		ObservedAt: at,
	}
}

// invalidate marks the named fields unavailable.
func invalidate(s device.State, fields []string) device.State {
	for _, f := range fields {
		switch f {
		case FieldPosition:
			s.Position = device.Unavailable
		case FieldMotion:
			s.Motion = device.MotionUnknown
		case FieldCurrentTemperature:
			s.Current = device.Unavailable
		case FieldTargetTemperature:
			s.Target = device.Unavailable
		}
	}
	return s
}

// Stats returns frame counters.
func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		FramesReceived: r.received.Load(),
		FramesIgnored:  r.ignored.Load(),
		DecodeErrors:   r.decodeErrors.Load(),
		EventsEmitted:  r.emitted.Load(),
	}
}
