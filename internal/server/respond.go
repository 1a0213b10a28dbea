package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/modelmux/modelmux/internal"
)

// maxBody is the maximum allowed request body size (1 MB).
const maxBody = 1 << 20

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: msg}
}

// openaiError is the OpenAI-dialect error envelope used by /v1 endpoints.
type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func openaiErrorResponse(msg string) openaiError {
	var e openaiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	var all *gateway.AllFailedError
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrKeyBlocked):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimited), errors.Is(err, gateway.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrPromptBlocked),
		errors.Is(err, gateway.ErrStreamUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoSecureUpstream), errors.Is(err, gateway.ErrAllQuotasExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &all):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeStoreError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if errors.Is(err, gateway.ErrNotFound) {
		writeJSON(w, status, errorResponse("not found"))
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "storage error",
		slog.String("error", err.Error()),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())))
	writeJSON(w, status, errorResponse("internal error"))
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}
