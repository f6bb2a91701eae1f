package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

type historyBody struct {
	DeviceID string `json:"device_id"`
	History  []struct {
		ID     int64  `json:"id"`
		Reason string `json:"reason"`
	} `json:"history"`
	Count int `json:"count"`
}

func seedHistory(f *fixture) time.Time {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 3; i >= 1; i-- {
		f.history.entries = append(f.history.entries, device.StateHistoryEntry{
			ID:        int64(i),
			MAC:       shutterMAC,
			State:     device.NewState(device.KindShutter),
			Available: true,
			Reason:    device.HistoryReasonAdvertisement,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return base
}

func TestDeviceHistory(t *testing.T) {
	f := newFixture(t)
	base := seedHistory(f)

	w := f.do(t, http.MethodGet, "/api/v1/devices/aabbcc112233/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body historyBody
	decodeBody(t, w, &body)
	if body.DeviceID != "aabbcc112233" || body.Count != 3 {
		t.Errorf("body = %+v", body)
	}

	since := base.Add(90 * time.Second).Format(time.RFC3339)
	w = f.do(t, http.MethodGet, "/api/v1/devices/aabbcc112233/history?since="+since, nil)
	decodeBody(t, w, &body)
	if body.Count != 2 {
		t.Errorf("since filter count = %d, want 2", body.Count)
	}

	w = f.do(t, http.MethodGet, "/api/v1/devices/aabbcc112233/history?limit=1", nil)
	decodeBody(t, w, &body)
	if body.Count != 1 || body.History[0].ID != 3 {
		t.Errorf("limit=1 history = %+v", body.History)
	}
}

func TestDeviceHistory_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"zero limit", "/api/v1/devices/aabbcc112233/history?limit=0", http.StatusBadRequest},
		{"huge limit", "/api/v1/devices/aabbcc112233/history?limit=500", http.StatusBadRequest},
		{"bad since", "/api/v1/devices/aabbcc112233/history?since=yesterday", http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/112233445566/history", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodGet, tt.path, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	f.history.err = errors.New("disk I/O error")
	if w := f.do(t, http.MethodGet, "/api/v1/devices/aabbcc112233/history", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want 500", w.Code)
	}
}

func TestDeviceHistory_Unavailable(t *testing.T) {
	f := newFixture(t, withoutOptional())

	if w := f.do(t, http.MethodGet, "/api/v1/devices/aabbcc112233/history", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", defaultHistoryLimit, false},
		{"25", 25, false},
		{" 200 ", maxHistoryLimit, false},
		{"201", 0, true},
		{"-1", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHistoryLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseHistoryLimit(%q) = %d, %v", tt.raw, got, err)
		}
	}
}
