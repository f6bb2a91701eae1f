package gira

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/mqtt"
)

var (
	livingRoomMAC = device.MustParseMAC("AA:BB:CC:11:22:33")
	hallwayMAC    = device.MustParseMAC("AA:BB:CC:44:55:66")
	strangerMAC   = device.MustParseMAC("11:22:33:44:55:66")
	testToken     = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	testCodec     = NewCodec(0)
)

// Company id 0x0589, little-endian.
const idLo, idHi = 0x89, 0x05

func shutterFrame(position, motion byte) []byte {
	return []byte{idLo, idHi, FrameTypeStatus, KindCodeShutter, position, motion, 0x00, 0x00}
}

func thermostatFrame(current, target byte) []byte {
	return []byte{idLo, idHi, FrameTypeStatus, KindCodeThermostat, current, target, 0x00, 0x00}
}

func pairingFrame(kind byte, token []byte) []byte {
	return append([]byte{idLo, idHi, FrameTypePairing, kind}, token...)
}

func frameAt(mac device.MAC, data []byte, at time.Time) ble.Frame {
	return ble.Frame{MAC: mac, ManufacturerID: DefaultManufacturerID, Data: data, RSSI: -60, ReceivedAt: at}
}

// newTestRegistry returns an in-memory registry holding the given bindings.
func newTestRegistry(t *testing.T, bindings ...device.Binding) *device.Registry {
	t.Helper()
	reg := device.NewRegistry(nil)
	for _, b := range bindings {
		if _, err := reg.Add(context.Background(), b); err != nil {
			t.Fatalf("Add(%s) error = %v", b.MAC, err)
		}
	}
	return reg
}

func livingRoomBinding() device.Binding {
	return device.Binding{MAC: livingRoomMAC, Kind: device.KindShutter, Name: "Living Room", SessionToken: testToken}
}

func hallwayBinding() device.Binding {
	return device.Binding{MAC: hallwayMAC, Kind: device.KindThermostat, Name: "Hallway", SessionToken: testToken}
}

// MockBroadcaster records broadcast requests.
type MockBroadcaster struct {
	mu          sync.Mutex
	requests    []ble.BroadcastRequest
	err         error
	onBroadcast func(ble.BroadcastRequest)
}

func (m *MockBroadcaster) Broadcast(_ context.Context, req ble.BroadcastRequest) error {
	m.mu.Lock()
	err := m.err
	if err == nil {
		m.requests = append(m.requests, req)
	}
	hook := m.onBroadcast
	m.mu.Unlock()
	if err == nil && hook != nil {
		hook(req)
	}
	return err
}

func (m *MockBroadcaster) Requests() []ble.BroadcastRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ble.BroadcastRequest(nil), m.requests...)
}

// MockMQTTClient implements MQTTClient and HealthPublisher for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	handlers      map[string]mqtt.MessageHandler
	connected     bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns the messages published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers a message to the handler subscribed to pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return handler(topic, payload)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receiveEvent(t *testing.T, events <-chan StateChangeEvent) StateChangeEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return StateChangeEvent{}
	}
}

func assertNoEvent(t *testing.T, events <-chan StateChangeEvent) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}
