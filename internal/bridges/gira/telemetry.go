package gira

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

const (
	historyWriteTimeout = 5 * time.Second
	defaultRetention    = 30 * 24 * time.Hour
	pruneInterval       = time.Hour
)

// TelemetryWriter is the time-series sink. *influxdb.Client implements it.
type TelemetryWriter interface {
	WriteDeviceState(mac, kind string, fields map[string]float64, at time.Time)
	WriteAvailability(mac, kind string, available bool, reason string, at time.Time)
	WriteSignal(mac string, rssi int, at time.Time)
}

// Recorder persists state change events to the local history table and,
// when configured, to the time-series database. Both sinks are optional.
type Recorder struct {
	history   device.StateHistoryRepository
	tsdb      TelemetryWriter
	retention time.Duration
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a recorder. Zero retention keeps 30 days of history.
func NewRecorder(history device.StateHistoryRepository, tsdb TelemetryWriter, retention time.Duration) *Recorder {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Recorder{
		history:   history,
		tsdb:      tsdb,
		retention: retention,
		logger:    noopLogger{},
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start records every event from bus and prunes old history hourly until
// ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context, bus *EventBus) {
	events, unsubscribe := bus.Subscribe(256)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.Record(ev)
			case <-ticker.C:
				r.prune()
			}
		}
	}()
}

// Stop ends recording. Safe to call multiple times.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// Record writes one event to both sinks. Failures are logged, never
// returned: telemetry must not affect device handling.
func (r *Recorder) Record(ev StateChangeEvent) {
	at := ev.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}

	if r.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		err := r.history.RecordStateChange(ctx, ev.MAC, ev.State, ev.Available, ev.Reason, at)
		cancel()
		if err != nil {
			r.logger.Warn("state history write failed", "mac", ev.MAC.String(), "error", err)
		}
	}

	if r.tsdb == nil {
		return
	}
	mac, kind := ev.MAC.String(), string(ev.Kind)
	if fields := ev.State.Numeric(); len(fields) > 0 && ev.Available {
		r.tsdb.WriteDeviceState(mac, kind, fields, at)
	}
	r.tsdb.WriteAvailability(mac, kind, ev.Available, ev.Reason, at)
	if ev.RSSI != 0 {
		r.tsdb.WriteSignal(mac, ev.RSSI, at)
	}
}

func (r *Recorder) prune() {
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	n, err := r.history.PruneHistory(ctx, r.retention)
	if err != nil {
		r.logger.Warn("state history prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("state history pruned", "deleted", n)
	}
}
