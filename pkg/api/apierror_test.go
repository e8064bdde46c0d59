package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeFor_StatusMapping(t *testing.T) {
	cases := map[int]string{
		http.StatusBadRequest:          "validation.invalid_request",
		http.StatusUnauthorized:        "auth.unauthorized",
		http.StatusForbidden:           "auth.forbidden",
		http.StatusNotFound:            "resource.not_found",
		http.StatusConflict:            "state.conflict",
		http.StatusUnprocessableEntity: "validation.unprocessable_entity",
		http.StatusTooManyRequests:     "rate_limit.exceeded",
		http.StatusInternalServerError: "internal.error",
		http.StatusServiceUnavailable:  "service.unavailable",
	}
	for status, want := range cases {
		assert.Equal(t, want, CodeFor(status, "whatever"), "status %d", status)
	}
	assert.Equal(t, "unknown.error", CodeFor(http.StatusTeapot, "whatever"))
}

func TestCodeFor_SpecializedMarkersWin(t *testing.T) {
	assert.Equal(t, "budget.insufficient",
		CodeFor(http.StatusConflict, "budget.insufficient: Available 50, Requested 60"))
	assert.Equal(t, "idempotency.conflict",
		CodeFor(http.StatusConflict, "idempotency.conflict: request in progress"))
	assert.Equal(t, "auth.invalid_credentials",
		CodeFor(http.StatusUnauthorized, "auth.invalid_credentials: invalid username or password"))
	assert.Equal(t, "dlq.already_resolved",
		CodeFor(http.StatusConflict, "dlq.already_resolved: message is already resolved"))
}

func TestHandle_WritesEnvelope(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		return Conflict("budget.insufficient: Available 50, Requested 60").
			WithDetails(map[string]any{"available": 50})
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/budget/request", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "budget.insufficient", env.ErrorCode)
	assert.Contains(t, env.Message, "Available 50, Requested 60")
	assert.Equal(t, "req-123", env.RequestID)
	assert.Equal(t, float64(50), env.Details["available"])
}

func TestHandle_InternalErrorIsSanitized(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("pq: connection refused to host=10.0.0.1")
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "internal.error", env.ErrorCode)
	assert.NotContains(t, env.Message, "10.0.0.1")
}

func TestHandle_SuccessWritesNothingExtra(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, r *http.Request) error {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "internal.error", env.ErrorCode)
	assert.NotContains(t, env.Message, "boom")
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"username":"a","bogus":true}`))

	var dst struct {
		Username string `json:"username"`
	}
	apiErr := DecodeJSON(req, &dst)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
