package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeRegistryError maps registry sentinels to responses.
func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, device.ErrDeviceExists), errors.Is(err, device.ErrNameConflict):
		writeConflict(w, err.Error())
	case errors.Is(err, device.ErrInvalidMAC), errors.Is(err, device.ErrInvalidName),
		errors.Is(err, device.ErrInvalidKind), errors.Is(err, device.ErrInvalidToken):
		writeBadRequest(w, err.Error())
	default:
		writeInternalError(w, "device registry error")
	}
}

// commandStatus maps a command error code to an HTTP status.
func commandStatus(code string) int {
	switch code {
	case gira.CodeUnknownDevice:
		return http.StatusNotFound
	case gira.CodeNotPaired:
		return http.StatusConflict
	case gira.CodeUnsupportedIntent, gira.CodeInvalidValue:
		return http.StatusBadRequest
	case gira.CodeNotConfirmed:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
