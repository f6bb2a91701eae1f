package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/logging"
)

const testJWTSecret = "test-secret-key-at-least-32-characters-long"

var (
	shutterMAC    = device.MustParseMAC("AA:BB:CC:11:22:33")
	thermostatMAC = device.MustParseMAC("AA:BB:CC:44:55:66")
	testToken     = []byte{0xDE, 0xAD, 0xBE, 0xEF}
)

// mockBroadcaster records broadcast requests.
type mockBroadcaster struct {
	mu       sync.Mutex
	requests []ble.BroadcastRequest
	err      error
	onSend   func(ble.BroadcastRequest)
}

func (m *mockBroadcaster) Broadcast(_ context.Context, req ble.BroadcastRequest) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err, hook := m.err, m.onSend
	m.mu.Unlock()
	if err == nil && hook != nil {
		hook(req)
	}
	return err
}

func (m *mockBroadcaster) Requests() []ble.BroadcastRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ble.BroadcastRequest(nil), m.requests...)
}

// mockAnnouncer records announced and retracted devices.
type mockAnnouncer struct {
	mu        sync.Mutex
	announced []device.Device
	retracted []device.Device
}

func (m *mockAnnouncer) AnnounceDevice(d device.Device) {
	m.mu.Lock()
	m.announced = append(m.announced, d)
	m.mu.Unlock()
}

func (m *mockAnnouncer) RetractDevice(d device.Device) {
	m.mu.Lock()
	m.retracted = append(m.retracted, d)
	m.mu.Unlock()
}

// mockHistory serves canned history entries.
type mockHistory struct {
	entries []device.StateHistoryEntry
	err     error
}

func (m *mockHistory) RecordStateChange(context.Context, device.MAC, device.State, bool, string, time.Time) error {
	return nil
}

func (m *mockHistory) GetHistory(_ context.Context, mac device.MAC, limit int) ([]device.StateHistoryEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []device.StateHistoryEntry
	for _, e := range m.entries {
		if e.MAC == mac && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// fixture bundles a server and its collaborators.
type fixture struct {
	srv         *Server
	handler     http.Handler
	registry    *device.Registry
	events      *gira.EventBus
	pairing     *gira.PairingManager
	broadcaster *mockBroadcaster
	announcer   *mockAnnouncer
	history     *mockHistory
}

type fixtureOption func(*Deps)

func withSecurity(sec config.SecurityConfig) fixtureOption {
	return func(d *Deps) { d.Security = sec }
}

func withoutOptional() fixtureOption {
	return func(d *Deps) {
		d.Pairing = nil
		d.History = nil
	}
}

// newFixture creates a server whose registry holds a paired shutter and an
// unpaired thermostat.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	registry := device.NewRegistry(nil)
	ctx := context.Background()
	if _, err := registry.Add(ctx, device.Binding{MAC: shutterMAC, Kind: device.KindShutter, Name: "Living Room", SessionToken: testToken}); err != nil {
		t.Fatalf("Add shutter: %v", err)
	}
	if _, err := registry.Add(ctx, device.Binding{MAC: thermostatMAC, Kind: device.KindThermostat, Name: "Hallway"}); err != nil {
		t.Fatalf("Add thermostat: %v", err)
	}

	codec := gira.NewCodec(0)
	f := &fixture{
		registry:    registry,
		events:      gira.NewEventBus(),
		pairing:     gira.NewPairingManager(registry, codec, 5*time.Second),
		broadcaster: &mockBroadcaster{},
		announcer:   &mockAnnouncer{},
		history:     &mockHistory{},
	}
	t.Cleanup(f.pairing.Close)

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:        logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Registry:      registry,
		Dispatcher:    gira.NewDispatcher(registry, codec, f.broadcaster, time.Millisecond),
		Events:        f.events,
		Pairing:       f.pairing,
		History:       f.history,
		Announcer:     f.announcer,
		TransportName: "serial",
		TransportConnected: func() bool {
			return true
		},
		ConfirmWindow: 200 * time.Millisecond,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.srv = srv
	f.handler = srv.Handler()
	return f
}

// do sends a request through the router and returns the recorder.
func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func bearer(t *testing.T, role auth.Role) []string {
	t.Helper()
	token, err := auth.IssueToken("test-"+string(role), role, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return []string{"Authorization", "Bearer " + token}
}

func TestNew_Validation(t *testing.T) {
	log := logging.Default()
	registry := device.NewRegistry(nil)
	dispatcher := gira.NewDispatcher(registry, gira.NewCodec(0), &mockBroadcaster{}, 0)
	bus := gira.NewEventBus()

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Registry: registry, Dispatcher: dispatcher, Events: bus}},
		{"no registry", Deps{Logger: log, Dispatcher: dispatcher, Events: bus}},
		{"no dispatcher", Deps{Logger: log, Registry: registry, Events: bus}},
		{"no events", Deps{Logger: log, Registry: registry, Dispatcher: dispatcher}},
		{"auth without credentials", Deps{Logger: log, Registry: registry, Dispatcher: dispatcher, Events: bus,
			Security: config.SecurityConfig{RequireAuth: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, withSecurity(config.SecurityConfig{RequireAuth: true, JWT: config.JWTConfig{Secret: testJWTSecret}}))

	w := f.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_Roles(t *testing.T) {
	f := newFixture(t, withSecurity(config.SecurityConfig{RequireAuth: true, JWT: config.JWTConfig{Secret: testJWTSecret}}))
	cmd := map[string]any{"command": "stop"}

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers []string
		want    int
	}{
		{"no credentials", http.MethodGet, "/api/v1/devices", nil, nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/devices", nil, []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/devices", nil, bearer(t, auth.RoleViewer), http.StatusOK},
		{"viewer commands", http.MethodPost, "/api/v1/devices/aabbcc112233/commands", cmd, bearer(t, auth.RoleViewer), http.StatusForbidden},
		{"operator commands", http.MethodPost, "/api/v1/devices/aabbcc112233/commands", cmd, bearer(t, auth.RoleOperator), http.StatusAccepted},
		{"operator pairs", http.MethodGet, "/api/v1/pairing", nil, bearer(t, auth.RoleOperator), http.StatusForbidden},
		{"admin pairs", http.MethodGet, "/api/v1/pairing", nil, bearer(t, auth.RoleAdmin), http.StatusOK},
		{"operator removes", http.MethodDelete, "/api/v1/devices/aabbcc445566", nil, bearer(t, auth.RoleOperator), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, tt.headers...)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuth_APIKey(t *testing.T) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	f := newFixture(t, withSecurity(config.SecurityConfig{RequireAuth: true, APIKeys: config.APIKeyConfig{Hashes: []string{hash}}}))

	w := f.do(t, http.MethodGet, "/api/v1/auth/me", nil, auth.APIKeyHeader, key)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Principal   auth.Principal    `json:"principal"`
		Permissions []auth.Permission `json:"permissions"`
	}
	decodeBody(t, w, &body)
	if body.Principal.Role != auth.RoleAdmin || body.Principal.Method != auth.MethodAPIKey {
		t.Errorf("principal = %+v", body.Principal)
	}
	if len(body.Permissions) == 0 {
		t.Error("permissions should not be empty")
	}

	w = f.do(t, http.MethodGet, "/api/v1/auth/me", nil, auth.APIKeyHeader, "gbk_wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", w.Code)
	}
}

func TestAuth_OpenByDefault(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Principal auth.Principal `json:"principal"`
	}
	decodeBody(t, w, &body)
	if body.Principal.Method != auth.MethodNone {
		t.Errorf("method = %q, want none", body.Principal.Method)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", nil, "X-Request-ID", "abc123")
	if got := w.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}

	w = f.do(t, http.MethodGet, "/api/v1/health", nil)
	if got := w.Header().Get("X-Request-ID"); len(got) != 16 {
		t.Errorf("generated X-Request-ID = %q, want 16 hex chars", got)
	}
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodOptions, "/api/v1/devices", nil, "Origin", "http://dashboard.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/system/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var status SystemStatus
	decodeBody(t, w, &status)
	if status.Devices.Total != 2 || status.Devices.Paired != 1 || status.Devices.Available != 0 {
		t.Errorf("devices = %+v", status.Devices)
	}
	if status.Devices.ByKind[device.KindShutter] != 1 || status.Devices.ByKind[device.KindThermostat] != 1 {
		t.Errorf("by kind = %v", status.Devices.ByKind)
	}
	if status.Transport == nil || status.Transport.Name != "serial" || !status.Transport.Connected {
		t.Errorf("transport = %+v", status.Transport)
	}
	if status.MQTT != nil {
		t.Errorf("mqtt = %+v, want omitted", status.MQTT)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/system/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decodeBody(t, w, &m)
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines should be reported")
	}
	if m.Database != nil {
		t.Error("database metrics should be omitted without a database")
	}
	if m.Pipeline.FramesPerMinute != 0 || m.Pipeline.EventSubscribers != 0 {
		t.Errorf("pipeline = %+v, want idle without a reconciler or relay", m.Pipeline)
	}
}

func TestServer_StartClose(t *testing.T) {
	f := newFixture(t)

	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
