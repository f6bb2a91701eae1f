package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
)

// These tests need no broker. Broker round trips live in
// integration_test.go behind the integration build tag.

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{}
	handler := func(string, []byte) error { return nil }

	if c.IsConnected() {
		t.Error("zero client reports connected")
	}
	if err := c.Publish("girable/test", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("girable/test", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe("girable/test"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Client{}).HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestInputValidation(t *testing.T) {
	c := &Client{}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("t", nil, 3, false), ErrInvalidQoS},
		{"publish oversized", c.Publish("t", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"subscribe empty topic", c.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("t", 3, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("t", 1, nil), ErrSubscribeFailed},
		{"unsubscribe empty topic", c.Unsubscribe(""), ErrInvalidTopic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

func TestWrapHandler(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	var got string
	ok := c.wrapHandler(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})
	ok(nil, &fakeMessage{topic: "girable/a", payload: []byte("1")})
	if got != "girable/a=1" {
		t.Errorf("handler saw %q", got)
	}

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	failing(nil, &fakeMessage{topic: "girable/b"})

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	panicking(nil, &fakeMessage{topic: "girable/c"})

	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one handler error", logger.warns)
	}
	if len(logger.errors) != 1 {
		t.Errorf("errors = %v, want one recovered panic", logger.errors)
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	c := &Client{}
	h := c.wrapHandler(func(string, []byte) error { panic("boom") })
	h(nil, &fakeMessage{topic: "girable/x"}) // must not panic
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true, ClientID: "girable-test"},
		Auth:   config.MQTTAuthConfig{Username: "user", Password: "pass"},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 2,
			MaxDelay:     30,
		},
	}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.local:8883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "girable-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "user" || opts.Password != "pass" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect and clean session")
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config not set")
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL(config.MQTTBrokerConfig{Host: "localhost", Port: 1883}); got != "tcp://localhost:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(config.MQTTConfig{Broker: config.MQTTBrokerConfig{Host: "h", Port: 1}})
	configureLWT(opts, "girable-core")

	if !opts.WillEnabled || !opts.WillRetained {
		t.Fatal("will not enabled and retained")
	}
	if opts.WillTopic != "girable/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != "unexpected_disconnect" || msg.ClientID != "girable-core" {
		t.Errorf("will payload = %+v", msg)
	}
}

func TestStatusPayload_OmitsEmptyReason(t *testing.T) {
	p := string(statusPayload("c", "online", ""))
	if strings.Contains(p, "reason") {
		t.Errorf("payload %s should omit reason", p)
	}
}

func TestTopicBuilders(t *testing.T) {
	tp := Topics{}
	tests := []struct {
		got, want string
	}{
		{tp.SystemStatus(), "girable/system/status"},
		{tp.BridgeState("gira", "aabbcc112233"), "girable/state/gira/aabbcc112233"},
		{tp.BridgeAvailability("gira", "aabbcc112233"), "girable/availability/gira/aabbcc112233"},
		{tp.BridgeCommand("gira", "aabbcc112233"), "girable/command/gira/aabbcc112233"},
		{tp.BridgeCommandAction("gira", "aabbcc112233", "cover"), "girable/command/gira/aabbcc112233/cover"},
		{tp.BridgeAck("gira", "aabbcc112233"), "girable/ack/gira/aabbcc112233"},
		{tp.BridgeRequest("gira", "req-1"), "girable/request/gira/req-1"},
		{tp.BridgeResponse("gira", "req-1"), "girable/response/gira/req-1"},
		{tp.BridgeHealth("gira"), "girable/health/gira"},
		{tp.AllBridgeCommands("gira"), "girable/command/gira/+"},
		{tp.AllBridgeCommandActions("gira"), "girable/command/gira/+/+"},
		{tp.AllBridgeRequests("gira"), "girable/request/gira/+"},
		{tp.BLEAdvertisements("girable/ble"), "girable/ble/+/advertisement"},
		{tp.BLEBroadcast("girable/ble", "proxy-1"), "girable/ble/proxy-1/broadcast"},
		{tp.HADiscovery("homeassistant", "cover", "gira_aabbcc112233"), "homeassistant/cover/gira_aabbcc112233/config"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
