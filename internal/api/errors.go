package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
)

// resultError is the result field of every error response.
const resultError = "error"

// Error represents a structured error response.
type Error struct {
	Result  string `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes. Device failures use the failure kind as their code.
const (
	ErrCodeBadRequest         = "bad_request"
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
		Result:  resultError,
		Code:    code,
		Message: message,
	})
}

// writeDeviceError renders a gateway error. A *coap.Failure keeps its own
// message and status; anything else is a 500.
func writeDeviceError(w http.ResponseWriter, err error) {
	var f *coap.Failure
	if errors.As(err, &f) {
		writeError(w, f.HTTPStatus(), string(f.Kind), f.Message)
		return
	}
	writeInternalError(w, "internal server error")
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
