package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// SystemStatus summarises the bridge for dashboards.
type SystemStatus struct {
	Timestamp string                `json:"timestamp"`
	Version   string                `json:"version"`
	Devices   DeviceSummary         `json:"devices"`
	Transport *LinkStatus           `json:"transport,omitempty"`
	MQTT      *LinkStatus           `json:"mqtt,omitempty"`
	Frames    *gira.ReconcilerStats `json:"frames,omitempty"`

	EventsDropped    uint64 `json:"events_dropped"`
	PairingSessions  int    `json:"pairing_sessions"`
	WebSocketClients int    `json:"websocket_clients"`
}

// DeviceSummary counts bound devices.
type DeviceSummary struct {
	Total     int                 `json:"total"`
	Available int                 `json:"available"`
	Paired    int                 `json:"paired"`
	ByKind    map[device.Kind]int `json:"by_kind"`
}

// LinkStatus reports a connection.
type LinkStatus struct {
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
}

// handleSystemStatus returns device counts, link state and frame counters.
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	status := SystemStatus{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Version:          s.version,
		Devices:          summariseDevices(s.registry.List()),
		EventsDropped:    s.events.Dropped(),
		WebSocketClients: s.hub.ClientCount(),
	}
	if s.transportUp != nil {
		status.Transport = &LinkStatus{Name: s.transportName, Connected: s.transportUp()}
	}
	if s.mqtt != nil {
		status.MQTT = &LinkStatus{Connected: s.mqtt.IsConnected()}
	}
	if s.reconciler != nil {
		stats := s.reconciler.Stats()
		status.Frames = &stats
	}
	if s.pairing != nil {
		status.PairingSessions = len(s.pairing.List())
	}
	writeJSON(w, http.StatusOK, status)
}

func summariseDevices(devices []device.Device) DeviceSummary {
	sum := DeviceSummary{Total: len(devices), ByKind: make(map[device.Kind]int)}
	for _, d := range devices {
		if d.Available {
			sum.Available++
		}
		if d.Paired() {
			sum.Paired++
		}
		sum.ByKind[d.Kind]++
	}
	return sum
}

// handleWhoAmI returns the authenticated caller and its permissions.
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeUnauthorized(w, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":   p,
		"permissions": auth.PermissionsForRole(p.Role),
	})
}
