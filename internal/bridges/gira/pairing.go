package gira

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

const (
	defaultPairingTimeout = 30 * time.Second

	// pairingRetention is how long finished sessions stay queryable.
	pairingRetention = 10 * time.Minute

	// bindTimeout bounds the registry write made on capture.
	bindTimeout = 5 * time.Second
)

// PairingState is the state of a pairing session.
type PairingState string

// Pairing states. Bound, TimedOut and Cancelled are terminal.
const (
	PairingIdle      PairingState = "idle"
	PairingAwaiting  PairingState = "awaiting_advertisement"
	PairingCaptured  PairingState = "captured"
	PairingBound     PairingState = "bound"
	PairingTimedOut  PairingState = "timed_out"
	PairingCancelled PairingState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s PairingState) Terminal() bool {
	return s == PairingBound || s == PairingTimedOut || s == PairingCancelled
}

// PairingRequest starts a session. A zero MAC starts discovery mode, in
// which every Gira pairing advertisement is recorded as a candidate until
// one is selected. Kind, when empty, is taken from the pairing frame.
type PairingRequest struct {
	MAC       device.MAC  `json:"mac"`
	Name      string      `json:"name"`
	Kind      device.Kind `json:"kind,omitempty"`
	Overwrite bool        `json:"overwrite,omitempty"`
}

// PairingCapture is the pairing advertisement taken from the candidate.
type PairingCapture struct {
	MAC        device.MAC  `json:"mac"`
	Kind       device.Kind `json:"kind"`
	Token      []byte      `json:"-"`
	Data       []byte      `json:"-"`
	RSSI       int         `json:"rssi"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Candidate is a device seen advertising in pairing mode.
type Candidate struct {
	MAC        device.MAC  `json:"mac"`
	Kind       device.Kind `json:"kind"`
	RSSI       int         `json:"rssi"`
	ObservedAt time.Time   `json:"observed_at"`
}

// PairingSnapshot is a point-in-time copy of a session.
type PairingSnapshot struct {
	ID         string          `json:"id"`
	State      PairingState    `json:"state"`
	Candidate  *device.MAC     `json:"candidate,omitempty"`
	Name       string          `json:"name,omitempty"`
	Candidates []Candidate     `json:"candidates,omitempty"`
	Capture    *PairingCapture `json:"capture,omitempty"`
	Device     *device.Device  `json:"device,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	ExpiresAt  time.Time       `json:"expires_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

// PairingSession binds one MAC to a device from its pairing advertisement.
//
//	idle → awaiting_advertisement → captured → bound
//	                  ↘ timed_out ↙
//
// Any non-terminal session can be cancelled. A capture whose bind fails
// stays captured for one more timeout, waiting for Confirm, and then times
// out. All inputs are serialised by the session lock. Each armed timer
// carries a generation, so a timer that fires after being replaced or
// stopped does nothing.
type PairingSession struct {
	id       string
	registry *device.Registry
	codec    Codec
	timeout  time.Duration
	logger   Logger
	now      func() time.Time
	onBound  func(device.Device)

	mu          sync.Mutex
	state       PairingState
	transitions []PairingState
	req         PairingRequest
	candidate   device.MAC
	seen        map[device.MAC]PairingCapture
	capture     *PairingCapture
	dev         *device.Device
	err         error
	startedAt   time.Time
	expiresAt   time.Time
	finishedAt  time.Time
	timer       *time.Timer
	timerGen    uint64
	done        chan struct{}
}

// NewPairingSession creates an idle session. Zero timeout selects 30 s.
func NewPairingSession(registry *device.Registry, codec Codec, timeout time.Duration) *PairingSession {
	if timeout <= 0 {
		timeout = defaultPairingTimeout
	}
	return &PairingSession{
		id:       uuid.NewString(),
		registry: registry,
		codec:    codec,
		timeout:  timeout,
		logger:   noopLogger{},
		now:      time.Now,
		state:    PairingIdle,
		seen:     make(map[device.MAC]PairingCapture),
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *PairingSession) ID() string { return s.id }

// SetLogger sets the logger for the session.
func (s *PairingSession) SetLogger(logger Logger) { s.logger = logger }

// Done is closed when the session reaches a terminal state.
func (s *PairingSession) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *PairingSession) State() PairingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns every state entered after idle, in order.
func (s *PairingSession) Transitions() []PairingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PairingState(nil), s.transitions...)
}

// Result returns the bound device, or the error that ended or blocks the
// session. Both are zero while the session is waiting.
func (s *PairingSession) Result() (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev.Clone(), nil
	}
	return device.Device{}, s.err
}

// setStateLocked records a transition and closes Done on terminal states.
func (s *PairingSession) setStateLocked(st PairingState) {
	s.state = st
	s.transitions = append(s.transitions, st)
	if st.Terminal() {
		s.finishedAt = s.now()
		close(s.done)
	}
}

// Start enters awaiting_advertisement and arms the timer.
func (s *PairingSession) Start(req PairingRequest) error {
	if req.Kind != "" {
		k, err := device.ParseKind(string(req.Kind))
		if err != nil {
			return err
		}
		req.Kind = k
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PairingIdle {
		return fmt.Errorf("%w: start in %s", ErrInvalidTransition, s.state)
	}

	s.req = req
	s.candidate = req.MAC
	s.startedAt = s.now()
	s.setStateLocked(PairingAwaiting)
	s.armTimerLocked()

	s.logger.Info("pairing started", "session", s.id, "candidate", macOrDiscovery(req.MAC),
		"timeout", s.timeout.String())
	return nil
}

func macOrDiscovery(m device.MAC) string {
	if m.IsZero() {
		return "discovery"
	}
	return m.String()
}

// SelectCandidate chooses the device to pair. If its pairing advertisement
// was already seen the session captures immediately.
func (s *PairingSession) SelectCandidate(mac device.MAC) error {
	if mac.IsZero() {
		return fmt.Errorf("%w: zero address", device.ErrInvalidMAC)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PairingAwaiting {
		return fmt.Errorf("%w: select candidate in %s", ErrInvalidTransition, s.state)
	}
	s.candidate = mac
	s.logger.Info("pairing candidate selected", "session", s.id, "mac", mac.String())

	if c, ok := s.seen[mac]; ok {
		s.captureLocked(c)
	}
	return nil
}

// Observe offers a frame to the session and reports whether it was
// captured. Frames are ignored unless the session is awaiting an
// advertisement and the frame is a valid Gira pairing frame.
func (s *PairingSession) Observe(f ble.Frame) bool {
	if !s.codec.IsGira(f.Data) {
		return false
	}
	pf, err := s.codec.DecodePairing(f.Data)
	if err != nil {
		return false
	}
	at := f.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	c := PairingCapture{MAC: f.MAC, Kind: pf.Kind, Token: pf.Token, Data: append([]byte(nil), f.Data...),
		RSSI: f.RSSI, ObservedAt: at}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PairingAwaiting {
		return false
	}
	if s.candidate.IsZero() {
		s.seen[f.MAC] = c
		return false
	}
	if f.MAC != s.candidate {
		return false
	}
	s.captureLocked(c)
	return true
}

// armTimerLocked (re)starts the session deadline.
func (s *PairingSession) armTimerLocked() {
	s.stopTimerLocked()
	gen := s.timerGen
	s.expiresAt = s.now().Add(s.timeout)
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(gen) })
}

// stopTimerLocked stops the deadline and invalidates a callback already
// waiting for the lock.
func (s *PairingSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
}

// captureLocked moves to captured and binds. If the bind fails, for a name
// or kind conflict or a store error, the session stays captured until
// Confirm, Cancel or a fresh timeout.
func (s *PairingSession) captureLocked(c PairingCapture) {
	s.stopTimerLocked()
	s.capture = &c
	s.setStateLocked(PairingCaptured)
	s.logger.Info("pairing advertisement captured", "session", s.id, "mac", c.MAC.String(), "kind", c.Kind)

	s.bindLocked(s.req.Overwrite)
	if s.state == PairingCaptured {
		s.armTimerLocked()
	}
}

func (s *PairingSession) bindLocked(overwrite bool) {
	kind := s.req.Kind
	if kind == "" {
		kind = s.capture.Kind
	}
	name := s.req.Name
	if name == "" {
		// Re-pairing keeps the existing name.
		if existing, err := s.registry.Get(s.capture.MAC); err == nil {
			name = existing.Name
		}
	}
	b := device.Binding{MAC: s.capture.MAC, Kind: kind, Name: name, SessionToken: s.capture.Token}

	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()

	dev, err := s.registry.Bind(ctx, b, overwrite)
	if err != nil {
		s.err = err
		if errors.Is(err, device.ErrNameConflict) {
			s.logger.Warn("pairing needs confirmation", "session", s.id, "mac", b.MAC.String(), "error", err)
		} else {
			s.logger.Error("pairing bind failed", "session", s.id, "mac", b.MAC.String(), "error", err)
		}
		return
	}

	s.stopTimerLocked()
	s.err = nil
	s.dev = &dev
	s.setStateLocked(PairingBound)
	s.logger.Info("device paired", "session", s.id, "mac", dev.MAC.String(), "name", dev.Name, "kind", dev.Kind)
	if s.onBound != nil {
		go s.onBound(dev.Clone())
	}
}

// Confirm retries the bind of a captured session. Only a reported name or
// kind conflict is overwritten; any other failure is retried with the
// overwrite setting of the original request.
func (s *PairingSession) Confirm() (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PairingCaptured {
		return device.Device{}, fmt.Errorf("%w: confirm in %s", ErrInvalidTransition, s.state)
	}
	s.bindLocked(s.req.Overwrite || errors.Is(s.err, device.ErrNameConflict))
	if s.dev == nil {
		return device.Device{}, s.err
	}
	return s.dev.Clone(), nil
}

// Cancel ends a non-terminal session. After Cancel returns no capture can
// happen.
func (s *PairingSession) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidTransition, s.state)
	}
	s.stopTimerLocked()
	s.err = ErrPairingCancelled
	s.setStateLocked(PairingCancelled)
	s.logger.Info("pairing cancelled", "session", s.id)
	return nil
}

// expire is the callback of the timer armed as generation gen.
func (s *PairingSession) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen {
		return
	}
	switch s.state {
	case PairingAwaiting:
		s.err = ErrPairingTimeout
	case PairingCaptured:
		s.err = fmt.Errorf("%w: capture not confirmed: %v", ErrPairingTimeout, s.err)
	default:
		return
	}
	s.setStateLocked(PairingTimedOut)
	s.logger.Warn("pairing timed out", "session", s.id, "candidate", macOrDiscovery(s.candidate),
		"candidates_seen", len(s.seen), "error", s.err)
}

// Candidates returns the devices seen in pairing mode, strongest signal
// first.
func (s *PairingSession) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked()
}

func (s *PairingSession) candidatesLocked() []Candidate {
	out := make([]Candidate, 0, len(s.seen))
	for _, c := range s.seen {
		out = append(out, Candidate{MAC: c.MAC, Kind: c.Kind, RSSI: c.RSSI, ObservedAt: c.ObservedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].MAC.String() < out[j].MAC.String()
	})
	return out
}

// Snapshot returns a copy of the session.
func (s *PairingSession) Snapshot() PairingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := PairingSnapshot{
		ID:         s.id,
		State:      s.state,
		Name:       s.req.Name,
		Candidates: s.candidatesLocked(),
		StartedAt:  s.startedAt,
		ExpiresAt:  s.expiresAt,
		FinishedAt: s.finishedAt,
	}
	if !s.candidate.IsZero() {
		c := s.candidate
		snap.Candidate = &c
	}
	if s.capture != nil {
		c := *s.capture
		snap.Capture = &c
	}
	if s.dev != nil {
		d := s.dev.Clone()
		snap.Device = &d
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *PairingSession) finishedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && s.finishedAt.Before(t)
}

// PairingManager owns pairing sessions by id and routes frames to them.
type PairingManager struct {
	registry  *device.Registry
	codec     Codec
	timeout   time.Duration
	retention time.Duration
	logger    Logger
	now       func() time.Time
	onBound   func(device.Device)

	mu       sync.RWMutex
	sessions map[string]*PairingSession
}

// NewPairingManager creates a manager whose sessions time out after
// timeout (30 s when zero).
func NewPairingManager(registry *device.Registry, codec Codec, timeout time.Duration) *PairingManager {
	return &PairingManager{
		registry:  registry,
		codec:     codec,
		timeout:   timeout,
		retention: pairingRetention,
		logger:    noopLogger{},
		now:       time.Now,
		sessions:  make(map[string]*PairingSession),
	}
}

// SetLogger sets the logger for the manager and sessions it creates.
func (m *PairingManager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetOnBound registers fn to be called, on its own goroutine, with every
// device a session binds. Sessions keep the callback current at their
// start.
func (m *PairingManager) SetOnBound(fn func(device.Device)) {
	m.mu.Lock()
	m.onBound = fn
	m.mu.Unlock()
}

// Start creates and starts a session.
func (m *PairingManager) Start(req PairingRequest) (*PairingSession, error) {
	m.Prune()

	m.mu.RLock()
	onBound := m.onBound
	m.mu.RUnlock()

	s := NewPairingSession(m.registry, m.codec, m.timeout)
	s.SetLogger(m.logger)
	s.onBound = onBound
	if err := s.Start(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with id.
func (m *PairingManager) Get(id string) (*PairingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Cancel cancels the session with id.
func (m *PairingManager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// List returns snapshots of all retained sessions, newest first.
func (m *PairingManager) List() []PairingSnapshot {
	m.mu.RLock()
	sessions := make([]*PairingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]PairingSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// HandleFrame offers f to every session. It satisfies ble.Handler.
func (m *PairingManager) HandleFrame(f ble.Frame) {
	if !m.codec.IsGira(f.Data) {
		return
	}
	m.mu.RLock()
	sessions := make([]*PairingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Observe(f)
	}
}

// Prune drops sessions that finished more than the retention window ago
// and returns how many were removed.
func (m *PairingManager) Prune() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.finishedBefore(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Close cancels every session still in progress.
func (m *PairingManager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			s.Cancel() //nolint:errcheck // may have finished concurrently
		}
	}
}
