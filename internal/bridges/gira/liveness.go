package gira

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

const (
	defaultStalenessTimeout = 10 * time.Minute
	defaultLivenessInterval = 30 * time.Second
)

// LivenessMonitor marks devices unavailable when no advertisement has been
// decoded for them within the staleness timeout. Missing advertisements
// are the normal failure mode of a broadcast protocol, so staleness is
// reported as unavailability, never as an error.
type LivenessMonitor struct {
	registry  *device.Registry
	publisher Publisher
	timeout   time.Duration
	interval  time.Duration
	logger    Logger
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLivenessMonitor creates a monitor. Zero durations select a 10 minute
// timeout and a 30 second sweep interval.
func NewLivenessMonitor(registry *device.Registry, publisher Publisher, timeout, interval time.Duration) *LivenessMonitor {
	if timeout <= 0 {
		timeout = defaultStalenessTimeout
	}
	if interval <= 0 {
		interval = defaultLivenessInterval
	}
	return &LivenessMonitor{
		registry:  registry,
		publisher: publisher,
		timeout:   timeout,
		interval:  interval,
		logger:    noopLogger{},
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the monitor.
func (m *LivenessMonitor) SetLogger(logger Logger) {
	m.logger = logger
}

// Start runs Sweep every interval until ctx is cancelled or Stop is
// called.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop. Safe to call multiple times.
func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// Sweep marks every available device whose LastSeen is older than the
// timeout unavailable, publishing one stale event per device. It returns
// the events it published.
func (m *LivenessMonitor) Sweep() []StateChangeEvent {
	now := m.now()
	var events []StateChangeEvent

	for _, d := range m.registry.List() {
		if !d.Available || now.Sub(d.LastSeen) < m.timeout {
			continue
		}

		var (
			ev      StateChangeEvent
			changed bool
		)
		_, err := m.registry.Update(d.MAC, func(dev *device.Device) {
			// Re-check under the lock: a frame may have arrived since List.
			if !dev.Available || now.Sub(dev.LastSeen) < m.timeout {
				return
			}
			dev.Available = false
			dev.UpdatedAt = now
			ev = StateChangeEvent{
				MAC:        dev.MAC,
				Name:       dev.Name,
				Kind:       dev.Kind,
				State:      dev.State,
				Previous:   dev.State,
				Available:  false,
				Reason:     ReasonStale,
				ObservedAt: now,
			}
			changed = true
		})
		if err != nil || !changed {
			continue
		}

		m.logger.Info("device stale", "mac", ev.MAC.String(), "name", ev.Name,
			"last_seen", d.LastSeen.Format(time.RFC3339))
		if m.publisher != nil {
			m.publisher.Publish(ev)
		}
		events = append(events, ev)
	}
	return events
}
