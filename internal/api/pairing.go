package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// startPairingRequest is the body of POST /pairing. An empty MAC starts
// discovery mode.
type startPairingRequest struct {
	MAC       string `json:"mac,omitempty"`
	Name      string `json:"name,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// selectCandidateRequest is the body of POST /pairing/{id}/select.
type selectCandidateRequest struct {
	MAC string `json:"mac"`
}

func (s *Server) pairingSession(w http.ResponseWriter, r *http.Request) (*gira.PairingSession, bool) {
	if s.pairing == nil {
		writeUnavailable(w, "pairing is not enabled")
		return nil, false
	}
	session, err := s.pairing.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "pairing session not found")
		return nil, false
	}
	return session, true
}

// handleListPairing returns every live or recently finished session.
func (s *Server) handleListPairing(w http.ResponseWriter, _ *http.Request) {
	if s.pairing == nil {
		writeUnavailable(w, "pairing is not enabled")
		return
	}
	sessions := s.pairing.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

// handleStartPairing opens a pairing session.
func (s *Server) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeUnavailable(w, "pairing is not enabled")
		return
	}

	var req startPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	pr := gira.PairingRequest{Name: req.Name, Kind: device.Kind(req.Kind), Overwrite: req.Overwrite}
	if req.MAC != "" {
		mac, err := device.ParseMAC(req.MAC)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		pr.MAC = mac
	}

	session, err := s.pairing.Start(pr)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

// handleGetPairing returns one session.
func (s *Server) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	session, ok := s.pairingSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleSelectCandidate picks a candidate of a discovery session.
func (s *Server) handleSelectCandidate(w http.ResponseWriter, r *http.Request) {
	session, ok := s.pairingSession(w, r)
	if !ok {
		return
	}

	var req selectCandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	mac, err := device.ParseMAC(req.MAC)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := session.SelectCandidate(mac); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleConfirmPairing overwrites a conflicting binding with the capture.
func (s *Server) handleConfirmPairing(w http.ResponseWriter, r *http.Request) {
	session, ok := s.pairingSession(w, r)
	if !ok {
		return
	}
	if _, err := session.Confirm(); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleCancelPairing cancels a session.
func (s *Server) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	session, ok := s.pairingSession(w, r)
	if !ok {
		return
	}
	if err := session.Cancel(); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gira.ErrInvalidTransition):
		writeConflict(w, err.Error())
	case errors.Is(err, device.ErrNameConflict):
		writeConflict(w, err.Error())
	default:
		writeBadRequest(w, err.Error())
	}
}
