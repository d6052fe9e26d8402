package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dokzlo13/scened/internal/core"
)

// errorResponse is the body of every error reply
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes {"error": message}
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps service bus errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidEntityID):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrBusUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
