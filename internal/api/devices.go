package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// addDeviceRequest is the body of POST /devices. SessionToken is the hex
// form of a token obtained outside pairing and may be empty.
type addDeviceRequest struct {
	MAC          string `json:"mac"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	SessionToken string `json:"session_token,omitempty"`
}

// renameDeviceRequest is the body of PATCH /devices/{mac}.
type renameDeviceRequest struct {
	Name string `json:"name"`
}

// deviceResponse is a device as returned by the API.
type deviceResponse struct {
	device.Device
	DeviceID string `json:"device_id"`
	Paired   bool   `json:"paired"`
}

func newDeviceResponse(d device.Device) deviceResponse {
	return deviceResponse{Device: d, DeviceID: d.MAC.TopicID(), Paired: d.Paired()}
}

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - kind: shutter or thermostat
//   - available: true or false
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind device.Kind
	if k := q.Get("kind"); k != "" {
		parsed, err := device.ParseKind(k)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		kind = parsed
	}

	var available *bool
	if a := q.Get("available"); a != "" {
		v, err := strconv.ParseBool(a)
		if err != nil {
			writeBadRequest(w, "available must be true or false")
			return
		}
		available = &v
	}

	devices := make([]deviceResponse, 0)
	for _, d := range s.registry.List() {
		if kind != "" && d.Kind != kind {
			continue
		}
		if available != nil && d.Available != *available {
			continue
		}
		devices = append(devices, newDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	d, err := s.registry.Get(mac)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeviceResponse(d))
}

// handleGetDeviceState returns the device state in the form published on
// the state topic.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	d, err := s.registry.Get(mac)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gira.NewDeviceStateMessage(d))
}

// handleAddDevice binds a device from host configuration.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	mac, err := device.ParseMAC(req.MAC)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	b := device.Binding{MAC: mac, Kind: device.Kind(req.Kind), Name: req.Name}
	if req.SessionToken != "" {
		token, err := hex.DecodeString(strings.TrimSpace(req.SessionToken))
		if err != nil {
			writeBadRequest(w, "session_token must be hex")
			return
		}
		b.SessionToken = token
	}

	d, err := s.registry.Add(r.Context(), b)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if s.announcer != nil {
		s.announcer.AnnounceDevice(d)
	}
	s.logger.Info("device added via API", "mac", mac.String(), "kind", d.Kind, "name", d.Name)
	writeJSON(w, http.StatusCreated, newDeviceResponse(d))
}

// handleRenameDevice changes a device's display name.
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	var req renameDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, err := s.registry.Rename(r.Context(), mac, req.Name)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if s.announcer != nil {
		s.announcer.AnnounceDevice(d)
	}
	writeJSON(w, http.StatusOK, newDeviceResponse(d))
}

// handleRemoveDevice unbinds a device and clears its retained messages.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	d, err := s.registry.Get(mac)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if err := s.registry.Remove(r.Context(), mac); err != nil {
		writeRegistryError(w, err)
		return
	}
	if s.announcer != nil {
		s.announcer.RetractDevice(d)
	}
	s.logger.Info("device removed via API", "mac", mac.String())
	w.WriteHeader(http.StatusNoContent)
}

// macParam parses the {mac} URL parameter, accepting both the colon form
// and the topic form. It writes a 400 response on failure.
func macParam(w http.ResponseWriter, r *http.Request) (device.MAC, bool) {
	mac, err := device.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, "invalid device address")
		return device.MAC{}, false
	}
	return mac, true
}
