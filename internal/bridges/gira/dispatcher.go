package gira

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

const defaultBroadcastDuration = 2 * time.Second

// AckStatus distinguishes submission from confirmed effect.
type AckStatus string

const (
	// AckSent means the broadcast was handed to the radio. It says
	// nothing about whether the device reacted.
	AckSent AckStatus = "sent"

	// AckConfirmed means a state change from the device was observed
	// after the broadcast.
	AckConfirmed AckStatus = "confirmed"
)

// Ack is returned for a submitted command.
type Ack struct {
	ID       string     `json:"id"`
	MAC      device.MAC `json:"mac"`
	Command  Command    `json:"command"`
	Status   AckStatus  `json:"status"`
	Sequence uint64     `json:"sequence"`
	SentAt   time.Time  `json:"sent_at"`
	Attempts int        `json:"attempts"`

	// AssumedMotion is the shutter motion expected from the command,
	// reported until an advertisement says otherwise.
	AssumedMotion device.Motion `json:"assumed_motion,omitempty"`

	// Confirmation is the event that confirmed the command, if any.
	Confirmation *StateChangeEvent `json:"confirmation,omitempty"`
}

// Stable command error codes.
const (
	CodeUnknownDevice     = "UNKNOWN_DEVICE"
	CodeNotPaired         = "NOT_PAIRED"
	CodeUnsupportedIntent = "UNSUPPORTED_INTENT"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeBroadcastFailed   = "BROADCAST_FAILED"
	CodeNotConfirmed      = "NOT_CONFIRMED"
)

// CommandError is returned by Issue. Err wraps one of the package
// sentinels so callers can use errors.Is.
type CommandError struct {
	Code string
	MAC  device.MAC
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command to %s failed (%s): %v", e.MAC, e.Code, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandError(mac device.MAC, err error) *CommandError {
	code := CodeBroadcastFailed
	switch {
	case errors.Is(err, ErrUnknownDevice):
		code = CodeUnknownDevice
	case errors.Is(err, ErrNotPaired):
		code = CodeNotPaired
	case errors.Is(err, ErrUnsupportedIntent):
		code = CodeUnsupportedIntent
	case errors.Is(err, ErrInvalidValue), errors.Is(err, ErrInvalidToken):
		code = CodeInvalidValue
	case errors.Is(err, ErrNotConfirmed):
		code = CodeNotConfirmed
	}
	return &CommandError{Code: code, MAC: mac, Err: err}
}

// RetryPolicy decides whether IssueConfirmed re-issues a command that was
// sent but not confirmed. attempt counts from 1.
type RetryPolicy interface {
	Retry(attempt int, cmd Command) bool
}

// NoRetry never re-issues.
type NoRetry struct{}

func (NoRetry) Retry(int, Command) bool { return false }

// FixedRetry re-issues up to Attempts times in total. Only idempotent
// intents are retried; repeating a move or step could toggle a shutter.
type FixedRetry struct {
	Attempts int
}

func (p FixedRetry) Retry(attempt int, cmd Command) bool {
	switch cmd.Intent {
	case IntentSetPosition, IntentVentilate, IntentSetTarget, IntentStop:
		return attempt < p.Attempts
	default:
		return false
	}
}

// Dispatcher turns intents into timed broadcasts.
type Dispatcher struct {
	registry    *device.Registry
	codec       Codec
	broadcaster ble.Broadcaster
	duration    time.Duration
	logger      Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. duration is how long each command is
// advertised (2 s when zero).
func NewDispatcher(registry *device.Registry, codec Codec, broadcaster ble.Broadcaster, duration time.Duration) *Dispatcher {
	if duration <= 0 {
		duration = defaultBroadcastDuration
	}
	return &Dispatcher{
		registry:    registry,
		codec:       codec,
		broadcaster: broadcaster,
		duration:    duration,
		logger:      noopLogger{},
		now:         time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Issue validates cmd against the device bound to mac, encodes it with
// the device's session token and broadcasts it. It returns an Ack with
// status sent as soon as the broadcast is accepted; confirmation arrives
// later as a StateChangeEvent. Commands are never retried here.
//
// The device lock is held only to validate cmd against the current kind,
// read the token and assign a sequence number, never across the broadcast.
func (d *Dispatcher) Issue(ctx context.Context, mac device.MAC, cmd Command) (Ack, error) {
	var invalid error
	ticket, err := d.registry.PrepareCommand(mac, func(k device.Kind) error {
		invalid = cmd.Validate(k)
		return invalid
	})
	switch {
	case invalid != nil:
		return Ack{}, commandError(mac, invalid)
	case errors.Is(err, device.ErrDeviceNotFound):
		return Ack{}, commandError(mac, fmt.Errorf("%w: %s", ErrUnknownDevice, mac))
	case errors.Is(err, device.ErrNotPaired):
		return Ack{}, commandError(mac, fmt.Errorf("%w: %s", ErrNotPaired, mac))
	case err != nil:
		return Ack{}, commandError(mac, err)
	}

	payload, err := d.codec.Encode(cmd, ticket.Token)
	if err != nil {
		return Ack{}, commandError(mac, err)
	}

	ack := Ack{
		ID:            uuid.NewString(),
		MAC:           mac,
		Command:       cmd,
		Sequence:      ticket.Sequence,
		Attempts:      1,
		AssumedMotion: cmd.AssumedMotion(),
	}

	err = d.broadcaster.Broadcast(ctx, ble.BroadcastRequest{MAC: mac, Data: payload, Duration: d.duration})
	if err != nil {
		d.logger.Warn("command broadcast failed", "mac", mac.String(), "intent", cmd.Intent, "error", err)
		return Ack{}, commandError(mac, fmt.Errorf("%w: %w", ErrBroadcastFailed, err))
	}

	ack.Status = AckSent
	ack.SentAt = d.now()
	d.logger.Info("command sent", "mac", mac.String(), "name", ticket.Name,
		"intent", cmd.Intent, "sequence", ticket.Sequence, "command_id", ack.ID)
	return ack, nil
}

// IssueConfirmed issues cmd and waits up to window for a state change from
// the device. If none arrives, policy decides whether to issue again. The
// returned Ack has status confirmed on success; otherwise the error wraps
// ErrNotConfirmed and the Ack of the last attempt is returned.
func (d *Dispatcher) IssueConfirmed(ctx context.Context, bus *EventBus, mac device.MAC, cmd Command,
	window time.Duration, policy RetryPolicy) (Ack, error) {
	if policy == nil {
		policy = NoRetry{}
	}

	events, unsubscribe := bus.Subscribe(0)
	defer unsubscribe()

	for attempt := 1; ; attempt++ {
		issuedAt := d.now()
		ack, err := d.Issue(ctx, mac, cmd)
		if err != nil {
			return Ack{}, err
		}
		ack.Attempts = attempt

		if ev, ok := waitForChange(ctx, events, mac, issuedAt, window); ok {
			ack.Status = AckConfirmed
			ack.Confirmation = &ev
			return ack, nil
		}
		if ctx.Err() != nil {
			return ack, commandError(mac, fmt.Errorf("%w: %w", ErrNotConfirmed, ctx.Err()))
		}
		if !policy.Retry(attempt, cmd) {
			return ack, commandError(mac, fmt.Errorf("%w after %d attempt(s)", ErrNotConfirmed, attempt))
		}
		d.logger.Info("re-issuing unconfirmed command", "mac", mac.String(), "intent", cmd.Intent, "attempt", attempt+1)
	}
}

// waitForChange returns the first advertisement-driven event for mac
// observed at or after since.
func waitForChange(ctx context.Context, events <-chan StateChangeEvent, mac device.MAC, since time.Time, window time.Duration) (StateChangeEvent, bool) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return StateChangeEvent{}, false
			}
			if ev.MAC == mac && ev.Reason == ReasonAdvertisement && !ev.ObservedAt.Before(since) {
				return ev, true
			}
		case <-timer.C:
			return StateChangeEvent{}, false
		case <-ctx.Done():
			return StateChangeEvent{}, false
		}
	}
}
