package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
)

// ledActionRequest is the body of POST /device/led/action.
type ledActionRequest struct {
	Command string `json:"command"`
}

// deviceContext tags readings produced by an HTTP request.
func deviceContext(r *http.Request) context.Context {
	return coap.WithSource(r.Context(), coap.SourceAPI)
}

// handleGetLEDState returns the device's LED state.
func (s *Server) handleGetLEDState(w http.ResponseWriter, r *http.Request) {
	status, err := s.gateway.GetLEDState(deviceContext(r))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLEDAction switches the LED.
//
// A body that is not JSON, or has no command, is handled as an empty command
// so the caller gets the same 400 "Invalid command" as for an unknown one.
func (s *Server) handleLEDAction(w http.ResponseWriter, r *http.Request) {
	var req ledActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Command = ""
	}

	ctrl, err := s.gateway.SetLEDState(deviceContext(r), req.Command)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl)
}

// handleGetTemperature returns the primary temperature sensor.
func (s *Server) handleGetTemperature(w http.ResponseWriter, r *http.Request) {
	reading, err := s.gateway.GetTemperature(deviceContext(r))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// handleGetAltTemperature returns the alternate temperature resource.
func (s *Server) handleGetAltTemperature(w http.ResponseWriter, r *http.Request) {
	reading, err := s.gateway.GetAltTemperature(deviceContext(r))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}
