package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/arcfabric/controlplane/pkg/auth"
	"github.com/arcfabric/controlplane/pkg/breaker"
	"github.com/arcfabric/controlplane/pkg/budget"
	"github.com/arcfabric/controlplane/pkg/config"
	"github.com/arcfabric/controlplane/pkg/dlq"
)

type serverFixture struct {
	handler  http.Handler
	mock     sqlmock.Sqlmock
	mr       *miniredis.Miniredis
	issuer   *auth.TokenIssuer
	breakers *breaker.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })

	users := auth.NewMemoryUserStore()
	require.NoError(t, users.Add("admin", "admin123", auth.RoleAdmin, bcrypt.MinCost))
	require.NoError(t, users.Add("observer", "obs123", auth.RoleObserver, bcrypt.MinCost))

	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	login := auth.NewLoginService(users, kv, issuer, nil, 5, 15*time.Minute)

	breakers := breaker.NewRegistry()
	breakers.Register("database", breaker.Config{})

	cfg := &config.Config{
		Host:      "127.0.0.1",
		Port:      "0",
		JWTSecret: "test-secret",
	}

	srv := New(cfg, db, kv, login, issuer,
		budget.NewController(db, kv, 0, nil), dlq.NewStore(db), breakers, nil, nil)

	return &serverFixture{
		handler:  srv.Handler(),
		mock:     mock,
		mr:       mr,
		issuer:   issuer,
		breakers: breakers,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) loginAs(t *testing.T, username, password string) string {
	t.Helper()
	rec := f.do(t, "POST", "/api/v1/auth/login", "",
		`{"username":"`+username+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRoot(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "GET", "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decodeEnvelope(t, rec)
	assert.Equal(t, "controlplane", body["service"])
	assert.Equal(t, "running", body["status"])
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeEnvelope(t, rec)["status"])
}

func TestHealth_DegradedWhenRedisDown(t *testing.T) {
	f := newServerFixture(t)
	f.mr.Close()

	rec := f.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeEnvelope(t, rec)["status"])
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/login", "",
		`{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeEnvelope(t, rec)
	assert.Equal(t, "auth.invalid_credentials", body["error_code"])
	assert.NotEmpty(t, body["request_id"])
}

func TestLogin_MissingFields(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/login", "", `{"username":"admin"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProtectedRoute_MissingToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "GET", "/api/v1/circuit-breakers", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth.unauthorized", decodeEnvelope(t, rec)["error_code"])
}

func TestLogin_ThenProtectedRoute(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	rec := f.do(t, "GET", "/api/v1/circuit-breakers", token, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats []breaker.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "database", stats[0].Name)
	assert.Equal(t, breaker.StateClosed, stats[0].State)
}

func TestObserver_ForbiddenOnAdminRoute(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "observer", "obs123")

	rec := f.do(t, "POST", "/api/v1/circuit-breakers/reset_all", token, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeEnvelope(t, rec)
	assert.Equal(t, "auth.forbidden", body["error_code"])
	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details["missing_capabilities"], string(auth.CapSystemAdmin))
}

func TestBreakerResetAll(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	rec := f.do(t, "POST", "/api/v1/circuit-breakers/reset_all", token, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeEnvelope(t, rec)
	assert.Equal(t, float64(1), body["reset_count"])
}

func TestBudgetState_MissingParams(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	rec := f.do(t, "GET", "/api/v1/budget/state", token, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBudgetRequest_Validation(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	rec := f.do(t, "POST", "/api/v1/budget/request", token,
		`{"tenant_id":"t1","project_id":"p1","task_id":"task-1","estimated_tokens":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, "POST", "/api/v1/budget/request", token,
		`{"estimated_tokens":10}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := decodeEnvelope(t, rec)["details"].(map[string]any)
	assert.Contains(t, details, "tenant_id")
	assert.Contains(t, details, "project_id")
	assert.Contains(t, details, "task_id")
}

func TestDLQGet_NotFound(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM dlq_messages WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "original_subject", "data", "headers", "error_count",
			"created_at", "resolved", "resolved_at", "resolution_notes",
		}))

	rec := f.do(t, "GET", "/api/v1/dlq/missing", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "resource.not_found", decodeEnvelope(t, rec)["error_code"])
}

func TestDLQList_EmptyArrayNotNull(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM dlq_messages")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "original_subject", "data", "headers", "error_count",
			"created_at", "resolved", "resolved_at", "resolution_notes",
		}))

	rec := f.do(t, "GET", "/api/v1/dlq", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "GET", "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	// Even 404s carry a request id.
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	token := f.loginAs(t, "admin", "admin123")

	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM dlq_messages WHERE resolved = FALSE")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	rec := f.do(t, "GET", "/api/v1/stats", token, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeEnvelope(t, rec)
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "goroutines")
	assert.Equal(t, float64(3), body["dlq_unresolved"])
}
