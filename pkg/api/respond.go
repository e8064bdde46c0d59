package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// envelope is the wire format for every non-2xx response.
type envelope struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HandlerFunc is an http handler that reports failure by returning an error
// instead of writing its own error body.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handle adapts a HandlerFunc into an http.Handler, performing the
// taxonomy-to-envelope mapping in one place.
func Handle(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		WriteErrorR(w, r, err)
	})
}

// WriteErrorR writes err as the standard envelope. Non-*Error values are
// treated as internal failures: logged in full, reported generically.
func WriteErrorR(w http.ResponseWriter, r *http.Request, err error) {
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		slog.Error("internal server error",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method,
			"request_id", requestID)
		apiErr = Internal()
	} else if apiErr.Status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"error_code", apiErr.Code,
			"message", apiErr.Message,
			"request_id", requestID)
	} else if apiErr.Status != http.StatusNotFound {
		slog.Warn("request rejected",
			"error_code", apiErr.Code,
			"status", apiErr.Status,
			"request_id", requestID)
	}

	WriteJSON(w, apiErr.Status, envelope{
		ErrorCode: apiErr.Code,
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		RequestID: requestID,
	})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) *Error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return BadRequest("Invalid JSON body: " + err.Error())
	}
	return nil
}
