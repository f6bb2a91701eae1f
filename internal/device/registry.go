package device

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// BindingStore persists binding records. The registry writes through it on
// add, bind, rename and remove, and reads it once in Load. Runtime state is
// never persisted.
type BindingStore interface {
	List(ctx context.Context) ([]Binding, error)
	Save(ctx context.Context, b Binding) error
	Delete(ctx context.Context, mac MAC) error
}

// entry guards one device. Its mutex serialises every mutation of that
// device; different devices never contend.
type entry struct {
	mu      sync.Mutex
	dev     Device
	removed bool
}

// Registry maps bound MAC addresses to devices.
//
// Lookups and state updates take the registry read lock plus one per-device
// lock. Configuration changes (add, bind, rename, remove) are serialised
// with each other and write through the BindingStore before touching memory.
type Registry struct {
	mu      sync.RWMutex
	devices map[MAC]*entry

	configMu sync.Mutex
	store    BindingStore

	logger Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry. store may be nil, in which case
// bindings live only in memory.
func NewRegistry(store BindingStore) *Registry {
	return &Registry{
		devices: make(map[MAC]*entry),
		store:   store,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Load replaces the registry contents with the bindings held by the store.
// Loaded devices start unavailable with an unknown state.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	bindings, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading bindings: %w", err)
	}

	devices := make(map[MAC]*entry, len(bindings))
	now := r.now()
	for _, b := range bindings {
		nb, err := b.Normalize()
		if err != nil {
			r.logger.Warn("skipping invalid binding", "mac", b.MAC.String(), "error", err)
			continue
		}
		devices[nb.MAC] = &entry{dev: newDevice(nb, now)}
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	r.logger.Info("device bindings loaded", "count", len(devices))
	return nil
}

func newDevice(b Binding, now time.Time) Device {
	return Device{
		MAC:          b.MAC,
		Kind:         b.Kind,
		Name:         b.Name,
		SessionToken: append([]byte(nil), b.SessionToken...),
		State:        NewState(b.Kind),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *Registry) lookup(mac MAC) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.devices[mac]
	r.mu.RUnlock()
	return e, ok
}

// Add binds a new device. It fails with ErrDeviceExists if the MAC is
// already bound; an empty name becomes DefaultName.
func (r *Registry) Add(ctx context.Context, b Binding) (Device, error) {
	b, err := b.Normalize()
	if err != nil {
		return Device{}, err
	}

	r.configMu.Lock()
	defer r.configMu.Unlock()

	if _, ok := r.lookup(b.MAC); ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceExists, b.MAC)
	}
	if err := r.persist(ctx, b); err != nil {
		return Device{}, err
	}

	e := &entry{dev: newDevice(b, r.now())}
	r.mu.Lock()
	r.devices[b.MAC] = e
	r.mu.Unlock()

	r.logger.Info("device added", "mac", b.MAC.String(), "kind", b.Kind, "name", b.Name)
	return e.dev.Clone(), nil
}

// Bind inserts or updates the device for b.MAC with b's session token.
//
// Rebinding an existing device under the same name and kind only replaces
// its token. If the existing device has a different name or kind, Bind
// returns ErrNameConflict unless overwrite is set.
func (r *Registry) Bind(ctx context.Context, b Binding, overwrite bool) (Device, error) {
	b, err := b.Normalize()
	if err != nil {
		return Device{}, err
	}
	if len(b.SessionToken) == 0 {
		return Device{}, fmt.Errorf("%w: bind requires a session token", ErrInvalidToken)
	}

	r.configMu.Lock()
	defer r.configMu.Unlock()

	e, exists := r.lookup(b.MAC)
	if !exists {
		if err := r.persist(ctx, b); err != nil {
			return Device{}, err
		}
		e = &entry{dev: newDevice(b, r.now())}
		r.mu.Lock()
		r.devices[b.MAC] = e
		r.mu.Unlock()
		r.logger.Info("device bound", "mac", b.MAC.String(), "kind", b.Kind, "name", b.Name)
		return e.dev.Clone(), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if (e.dev.Name != b.Name || e.dev.Kind != b.Kind) && !overwrite {
		return e.dev.Clone(), fmt.Errorf("%w: %s is %q (%s)", ErrNameConflict, b.MAC, e.dev.Name, e.dev.Kind)
	}
	if err := r.persist(ctx, b); err != nil {
		return Device{}, err
	}

	if e.dev.Kind != b.Kind {
		e.dev.State = NewState(b.Kind)
		e.dev.Available = false
	}
	e.dev.Kind = b.Kind
	e.dev.Name = b.Name
	e.dev.SessionToken = append([]byte(nil), b.SessionToken...)
	e.dev.UpdatedAt = r.now()

	r.logger.Info("device rebound", "mac", b.MAC.String(), "kind", b.Kind, "name", b.Name)
	return e.dev.Clone(), nil
}

// Rename changes the display name of a device.
func (r *Registry) Rename(ctx context.Context, mac MAC, name string) (Device, error) {
	r.configMu.Lock()
	defer r.configMu.Unlock()

	e, ok := r.lookup(mac)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.dev.Binding()
	b.Name = name
	if strings.TrimSpace(name) == "" {
		return Device{}, fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	b, err := b.Normalize()
	if err != nil {
		return Device{}, err
	}
	if err := r.persist(ctx, b); err != nil {
		return Device{}, err
	}

	e.dev.Name = b.Name
	e.dev.UpdatedAt = r.now()

	r.logger.Info("device renamed", "mac", mac.String(), "name", b.Name)
	return e.dev.Clone(), nil
}

// Remove unbinds a device. In-flight updates for it fail with
// ErrDeviceNotFound.
func (r *Registry) Remove(ctx context.Context, mac MAC) error {
	r.configMu.Lock()
	defer r.configMu.Unlock()

	e, ok := r.lookup(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, mac); err != nil {
			return fmt.Errorf("deleting binding: %w", err)
		}
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.devices, mac)
	r.mu.Unlock()

	r.logger.Info("device removed", "mac", mac.String())
	return nil
}

func (r *Registry) persist(ctx context.Context, b Binding) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, b); err != nil {
		return fmt.Errorf("saving binding: %w", err)
	}
	return nil
}

// Get returns a copy of the device bound to mac.
func (r *Registry) Get(mac MAC) (Device, error) {
	e, ok := r.lookup(mac)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Clone(), nil
}

// Has reports whether mac is bound. It takes no per-device lock.
func (r *Registry) Has(mac MAC) bool {
	_, ok := r.lookup(mac)
	return ok
}

// List returns copies of all devices ordered by MAC.
func (r *Registry) List() []Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.dev.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].MAC[:], out[j].MAC[:]) < 0 })
	return out
}

// Count returns the number of bound devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Update runs fn on the device under its lock and returns a copy of the
// result. fn must not block and must not change MAC or SessionToken.
func (r *Registry) Update(mac MAC, fn func(d *Device)) (Device, error) {
	e, ok := r.lookup(mac)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	fn(&e.dev)
	return e.dev.Clone(), nil
}

// CommandTicket is what a command needs from the registry: the token to
// embed and the sequence number assigned to this command.
type CommandTicket struct {
	MAC      MAC
	Kind     Kind
	Name     string
	Token    []byte
	Sequence uint64
}

// PrepareCommand reads the session token and bumps the command sequence
// under the device lock. check, when non-nil, vets the command against the
// device kind under the same lock; its error is returned unchanged and
// the sequence is not bumped. Otherwise it fails with ErrDeviceNotFound or
// ErrNotPaired. The lock is released before returning, so the caller may
// broadcast without holding it.
//
// The sequence counts prepared commands. A later encode or broadcast
// failure leaves a gap; the wire format does not carry it.
func (r *Registry) PrepareCommand(mac MAC, check func(Kind) error) (CommandTicket, error) {
	e, ok := r.lookup(mac)
	if !ok {
		return CommandTicket{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CommandTicket{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	if check != nil {
		if err := check(e.dev.Kind); err != nil {
			return CommandTicket{}, err
		}
	}
	if !e.dev.Paired() {
		return CommandTicket{}, fmt.Errorf("%w: %s", ErrNotPaired, mac)
	}

	e.dev.CommandSeq++
	return CommandTicket{
		MAC:      mac,
		Kind:     e.dev.Kind,
		Name:     e.dev.Name,
		Token:    append([]byte(nil), e.dev.SessionToken...),
		Sequence: e.dev.CommandSeq,
	}, nil
}
