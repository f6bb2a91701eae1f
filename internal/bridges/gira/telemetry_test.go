package gira

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

type mockHistory struct {
	mu      sync.Mutex
	records []StateChangeEvent
	err     error
}

func (m *mockHistory) RecordStateChange(_ context.Context, mac device.MAC, state device.State, available bool, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, StateChangeEvent{MAC: mac, State: state, Available: available, Reason: reason, ObservedAt: at})
	return m.err
}

func (m *mockHistory) GetHistory(context.Context, device.MAC, int) ([]device.StateHistoryEntry, error) {
	return nil, nil
}

func (m *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockHistory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockTSDB struct {
	mu           sync.Mutex
	states       []map[string]float64
	availability []bool
	signals      []int
}

func (m *mockTSDB) WriteDeviceState(_, _ string, fields map[string]float64, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, fields)
}

func (m *mockTSDB) WriteAvailability(_, _ string, available bool, _ string, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = append(m.availability, available)
}

func (m *mockTSDB) WriteSignal(_ string, rssi int, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, rssi)
}

func thermostatEvent(available bool, rssi int) StateChangeEvent {
	state := device.NewState(device.KindThermostat)
	state.Current = device.Available(21.5)
	state.Target = device.Available(22)
	return StateChangeEvent{MAC: hallwayMAC, Kind: device.KindThermostat, State: state,
		Available: available, Reason: ReasonAdvertisement, RSSI: rssi, ObservedAt: t0}
}

func TestRecorder_Record(t *testing.T) {
	history := &mockHistory{}
	tsdb := &mockTSDB{}
	r := NewRecorder(history, tsdb, 0)

	r.Record(thermostatEvent(true, -55))

	if history.count() != 1 {
		t.Fatalf("history records = %d", history.count())
	}
	if len(tsdb.states) != 1 || tsdb.states[0]["current_temperature"] != 21.5 || tsdb.states[0]["target_temperature"] != 22 {
		t.Errorf("states = %v", tsdb.states)
	}
	if len(tsdb.availability) != 1 || !tsdb.availability[0] {
		t.Errorf("availability = %v", tsdb.availability)
	}
	if len(tsdb.signals) != 1 || tsdb.signals[0] != -55 {
		t.Errorf("signals = %v", tsdb.signals)
	}
}

func TestRecorder_StaleEventSkipsState(t *testing.T) {
	history := &mockHistory{}
	tsdb := &mockTSDB{}
	r := NewRecorder(history, tsdb, 0)

	ev := thermostatEvent(false, 0)
	ev.Reason = ReasonStale
	r.Record(ev)

	if len(tsdb.states) != 0 {
		t.Errorf("stale event wrote state: %v", tsdb.states)
	}
	if len(tsdb.availability) != 1 || tsdb.availability[0] {
		t.Errorf("availability = %v", tsdb.availability)
	}
	if len(tsdb.signals) != 0 {
		t.Errorf("signals = %v", tsdb.signals)
	}
	if history.records[0].Reason != ReasonStale {
		t.Errorf("history reason = %q", history.records[0].Reason)
	}
}

func TestRecorder_HistoryFailureDoesNotStopTSDB(t *testing.T) {
	history := &mockHistory{err: errors.New("database is locked")}
	tsdb := &mockTSDB{}
	NewRecorder(history, tsdb, 0).Record(thermostatEvent(true, 0))

	if len(tsdb.availability) != 1 {
		t.Error("tsdb not written after a history failure")
	}
}

func TestRecorder_NilSinks(t *testing.T) {
	NewRecorder(nil, nil, 0).Record(thermostatEvent(true, -40))
}

func TestRecorder_Start(t *testing.T) {
	history := &mockHistory{}
	bus := NewEventBus()
	r := NewRecorder(history, nil, time.Hour)

	r.Start(context.Background(), bus)
	waitFor(t, "recorder subscription", func() bool { return bus.SubscriberCount() == 1 })

	bus.Publish(thermostatEvent(true, 0))
	waitFor(t, "history write", func() bool { return history.count() == 1 })

	r.Stop()
	r.Stop()
	if bus.SubscriberCount() != 0 {
		t.Error("subscription not removed on Stop")
	}
}
