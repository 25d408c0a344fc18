// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// Error responses carry a short machine-readable code and a human message:
//
//	{"error": "invalid_token", "message": "authentication required"}
//
// Internal diagnostic detail (which table, which constraint) is logged by
// the caller, never returned to the client.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorCode writes a JSON error response with a machine-readable code
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, "bad_request", message)
}

// WriteValidationError writes a validation error response (400 Bad Request)
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, "validation_failed", message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, code, message string) {
	WriteErrorCode(w, http.StatusUnauthorized, code, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, code, message string) {
	WriteErrorCode(w, http.StatusForbidden, code, message)
}

// WriteNotFound writes a not found error response (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusNotFound, "not_found", message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusConflict, "conflict", message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", message)
}

// WriteInternalError writes an internal server error (500) with a generic
// body. The underlying error is for the caller to log, not to expose.
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
