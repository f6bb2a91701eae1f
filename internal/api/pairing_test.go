package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

var kitchenMAC = device.MustParseMAC("11:22:33:44:55:66")

func pairingAdvert(t *testing.T, mac device.MAC, kind device.Kind, rssi int) ble.Frame {
	t.Helper()
	data, err := gira.NewCodec(0).EncodePairing(gira.PairingFrame{Kind: kind, Token: []byte{0x0A, 0x0B, 0x0C, 0x0D}})
	if err != nil {
		t.Fatalf("EncodePairing: %v", err)
	}
	return ble.NewFrame(mac, data, rssi, time.Now())
}

func startPairing(t *testing.T, f *fixture, body map[string]any) gira.PairingSnapshot {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/pairing", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	var snap gira.PairingSnapshot
	decodeBody(t, w, &snap)
	return snap
}

func getPairing(t *testing.T, f *fixture, id string) gira.PairingSnapshot {
	t.Helper()
	w := f.do(t, http.MethodGet, "/api/v1/pairing/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	var snap gira.PairingSnapshot
	decodeBody(t, w, &snap)
	return snap
}

func TestPairing_Directed(t *testing.T) {
	f := newFixture(t)

	snap := startPairing(t, f, map[string]any{"mac": "11:22:33:44:55:66", "name": "Kitchen"})
	if snap.State != gira.PairingAwaiting || snap.ID == "" {
		t.Fatalf("snapshot = %+v", snap)
	}

	f.pairing.HandleFrame(pairingAdvert(t, kitchenMAC, device.KindShutter, -55))

	snap = getPairing(t, f, snap.ID)
	if snap.State != gira.PairingBound || snap.Device == nil || snap.Device.Name != "Kitchen" {
		t.Fatalf("snapshot = %+v", snap)
	}
	d, err := f.registry.Get(kitchenMAC)
	if err != nil || !d.Paired() {
		t.Errorf("registry device = %+v, %v", d, err)
	}

	w := f.do(t, http.MethodDelete, "/api/v1/pairing/"+snap.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel bound session status = %d, want 409", w.Code)
	}
}

func TestPairing_Discovery(t *testing.T) {
	f := newFixture(t)

	snap := startPairing(t, f, map[string]any{"name": "Study"})
	f.pairing.HandleFrame(pairingAdvert(t, kitchenMAC, device.KindThermostat, -70))

	snap = getPairing(t, f, snap.ID)
	if snap.State != gira.PairingAwaiting || len(snap.Candidates) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	w := f.do(t, http.MethodPost, "/api/v1/pairing/"+snap.ID+"/select", map[string]string{"mac": "112233445566"})
	if w.Code != http.StatusOK {
		t.Fatalf("select status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	decodeBody(t, w, &snap)
	if snap.State != gira.PairingBound || snap.Device == nil || snap.Device.Kind != device.KindThermostat {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPairing_ConflictConfirm(t *testing.T) {
	f := newFixture(t)

	snap := startPairing(t, f, map[string]any{"mac": "AA:BB:CC:11:22:33", "name": "Office"})
	f.pairing.HandleFrame(pairingAdvert(t, shutterMAC, device.KindShutter, -50))

	snap = getPairing(t, f, snap.ID)
	if snap.State != gira.PairingCaptured || snap.Error == "" {
		t.Fatalf("snapshot = %+v, want captured with conflict", snap)
	}

	w := f.do(t, http.MethodPost, "/api/v1/pairing/"+snap.ID+"/confirm", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if d, _ := f.registry.Get(shutterMAC); d.Name != "Office" {
		t.Errorf("name = %q, want Office", d.Name)
	}
}

func TestPairing_CancelAndList(t *testing.T) {
	f := newFixture(t)

	snap := startPairing(t, f, map[string]any{"mac": "11:22:33:44:55:66"})
	w := f.do(t, http.MethodDelete, "/api/v1/pairing/"+snap.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", w.Code)
	}
	decodeBody(t, w, &snap)
	if snap.State != gira.PairingCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}

	w = f.do(t, http.MethodGet, "/api/v1/pairing", nil)
	var list struct {
		Sessions []gira.PairingSnapshot `json:"sessions"`
		Count    int                    `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || list.Sessions[0].ID != snap.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestPairing_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad mac", http.MethodPost, "/api/v1/pairing", map[string]any{"mac": "nope"}, http.StatusBadRequest},
		{"bad kind", http.MethodPost, "/api/v1/pairing", map[string]any{"kind": "fan"}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/v1/pairing/missing", nil, http.StatusNotFound},
		{"confirm unknown", http.MethodPost, "/api/v1/pairing/missing/confirm", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	snap := startPairing(t, f, map[string]any{"mac": "11:22:33:44:55:66"})
	if w := f.do(t, http.MethodPost, "/api/v1/pairing/"+snap.ID+"/confirm", nil); w.Code != http.StatusConflict {
		t.Errorf("confirm while awaiting status = %d, want 409", w.Code)
	}
}

func TestPairing_Disabled(t *testing.T) {
	f := newFixture(t, withoutOptional())

	if w := f.do(t, http.MethodGet, "/api/v1/pairing", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("list status = %d, want 503", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/pairing", map[string]any{}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("start status = %d, want 503", w.Code)
	}
}
