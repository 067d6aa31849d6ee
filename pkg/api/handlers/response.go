// Package handlers implements the HTTP handlers of the authority API.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// validate checks request body constraints via struct tags.
var validate = validator.New()

// Error kinds used in the error envelope.
const (
	ErrUnauthorized = "UNAUTHORIZED"
	ErrForbidden    = "FORBIDDEN"
	ErrNotFound     = "NOT_FOUND"
	ErrValidation   = "VALIDATION_ERROR"
	ErrRateLimited  = "RATE_LIMITED"
)

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code. Encoding
// goes through a buffer first so an encoding failure can still produce a
// clean 500 before any headers are sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", logger.KeyError, err)
		http.Error(w, `{"error":"INTERNAL","message":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorBody{Error: kind, Message: message})
}

// writeNotFound writes a 404 envelope.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrNotFound, message)
}

// writeValidationError writes a 400 envelope.
func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrValidation, message)
}

// decodeBody decodes and validates a JSON request body. A decode or
// validation failure writes the 400 response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeValidationError(w, "Invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeValidationError(w, "Invalid request: "+err.Error())
		return false
	}
	return true
}
