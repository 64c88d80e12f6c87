package httpapi

import (
	"encoding/json"
	"net/http"
)

// apiError is the error body shape every non-2xx response uses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details error) {
	e := apiError{Code: code, Message: message}
	if details != nil {
		e.Details = details.Error()
	}
	writeJSON(w, status, e)
}

func badRequest(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusBadRequest, "bad_request", message, details)
}

func unprocessable(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusUnprocessableEntity, "unprocessable", message, details)
}

func conflict(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusConflict, "conflict", message, details)
}

func notFound(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusNotFound, "not_found", message, details)
}

func tooManyRequests(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusTooManyRequests, "rate_limited", message, details)
}

func internalError(w http.ResponseWriter, message string, details error) {
	writeError(w, http.StatusInternalServerError, "internal_error", message, details)
}
