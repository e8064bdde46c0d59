package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/arcfabric/controlplane/pkg/api"
	"github.com/arcfabric/controlplane/pkg/audit"
	"github.com/arcfabric/controlplane/pkg/auth"
	"github.com/arcfabric/controlplane/pkg/budget"
	"github.com/arcfabric/controlplane/pkg/dlq"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) error {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"service": "controlplane",
		"version": Version,
		"status":  "running",
	})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true

	if err := s.guardedCheck(r.Context(), "database", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	}); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.guardedCheck(r.Context(), "redis", func(ctx context.Context) error {
		return s.kv.Ping(ctx).Err()
	}); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	api.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if apiErr := api.DecodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if req.Username == "" || req.Password == "" {
		return api.Unprocessable("username and password are required", map[string]any{
			"username": req.Username == "",
			"password": req.Password == "",
		})
	}

	token, principal, err := s.login.Login(r.Context(), req.Username, req.Password, auth.ClientIP(r))
	if err != nil {
		var lockout *auth.LockoutError
		switch {
		case errors.As(err, &lockout):
			return api.TooManyRequests(lockout.Error())
		case errors.Is(err, auth.ErrInvalidCredentials):
			return api.Unauthorized(err.Error())
		default:
			return err
		}
	}

	perms := make([]string, len(principal.Capabilities))
	for i, c := range principal.Capabilities {
		perms[i] = string(c)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"role":        principal.Role,
		"permissions": perms,
	})
	return nil
}

func (s *Server) handleBudgetRequest(w http.ResponseWriter, r *http.Request) error {
	var req budget.Request
	if apiErr := api.DecodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if fields := missingFields(map[string]string{
		"tenant_id":  req.TenantID,
		"project_id": req.ProjectID,
		"task_id":    req.TaskID,
	}); len(fields) > 0 {
		return api.Unprocessable("missing required fields", fields)
	}
	if req.EstimatedTokens <= 0 {
		return api.Unprocessable("estimated_tokens must be positive", map[string]any{
			"estimated_tokens": req.EstimatedTokens,
		})
	}

	decision, err := s.budget.Request(r.Context(), req)
	if err != nil {
		return err
	}

	if !decision.Approved {
		switch decision.Reason {
		case budget.ReasonInsufficient:
			return api.Conflict(fmt.Sprintf("budget.insufficient: Available %d, Requested %d",
				decision.Available, decision.Requested)).WithDetails(map[string]any{
				"available":  decision.Available,
				"requested":  decision.Requested,
				"request_id": decision.RequestID,
			})
		case budget.ReasonDuplicate:
			return api.Conflict("idempotency.conflict: a request with this id is still in progress").
				WithDetails(map[string]any{"request_id": decision.RequestID})
		case budget.ReasonRaceLost:
			return api.Conflict("reservation failed: budget depleted by a concurrent request").
				WithDetails(map[string]any{"request_id": decision.RequestID})
		}
	}

	api.WriteJSON(w, http.StatusOK, decision)
	return nil
}

func (s *Server) handleBudgetCommit(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		TenantID      string `json:"tenant_id"`
		ProjectID     string `json:"project_id"`
		ReservationID string `json:"reservation_id"`
		ActualTokens  int64  `json:"actual_tokens"`
	}
	if apiErr := api.DecodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if fields := missingFields(map[string]string{
		"tenant_id":      req.TenantID,
		"project_id":     req.ProjectID,
		"reservation_id": req.ReservationID,
	}); len(fields) > 0 {
		return api.Unprocessable("missing required fields", fields)
	}
	if req.ActualTokens < 0 {
		return api.Unprocessable("actual_tokens must be non-negative", map[string]any{
			"actual_tokens": req.ActualTokens,
		})
	}

	result, err := s.budget.Commit(r.Context(), req.TenantID, req.ProjectID, req.ReservationID, req.ActualTokens)
	if errors.Is(err, budget.ErrReservationNotFound) {
		return api.NotFound("Reservation not found or expired; re-request the budget")
	}
	if errors.Is(err, budget.ErrBudgetOverflow) {
		return api.Conflict("Commit would exceed the total limit; reservation stays held").
			WithDetails(map[string]any{"reservation_id": req.ReservationID})
	}
	if err != nil {
		return err
	}

	details := map[string]any{
		"tenant_id":      req.TenantID,
		"project_id":     req.ProjectID,
		"reservation_id": req.ReservationID,
		"tokens":         req.ActualTokens,
	}
	if result.Overshoot {
		details["overshoot"] = true
	}
	s.auditAction(r, "budget.commit", "budget", req.ReservationID, details)

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "committed",
		"tokens": result.Tokens,
	})
	return nil
}

func (s *Server) handleBudgetRelease(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		TenantID      string `json:"tenant_id"`
		ProjectID     string `json:"project_id"`
		ReservationID string `json:"reservation_id"`
	}
	if apiErr := api.DecodeJSON(r, &req); apiErr != nil {
		return apiErr
	}
	if fields := missingFields(map[string]string{
		"tenant_id":      req.TenantID,
		"project_id":     req.ProjectID,
		"reservation_id": req.ReservationID,
	}); len(fields) > 0 {
		return api.Unprocessable("missing required fields", fields)
	}

	if err := s.budget.Release(r.Context(), req.TenantID, req.ProjectID, req.ReservationID); err != nil {
		return err
	}

	s.auditAction(r, "budget.release", "budget", req.ReservationID, map[string]any{
		"tenant_id":  req.TenantID,
		"project_id": req.ProjectID,
	})

	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "released"})
	return nil
}

func (s *Server) handleBudgetState(w http.ResponseWriter, r *http.Request) error {
	tenantID := r.URL.Query().Get("tenant_id")
	projectID := r.URL.Query().Get("project_id")
	if tenantID == "" || projectID == "" {
		return api.Unprocessable("tenant_id and project_id query parameters are required", nil)
	}

	state, err := s.budget.State(r.Context(), tenantID, projectID)
	if err != nil {
		return err
	}
	api.WriteJSON(w, http.StatusOK, state)
	return nil
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	var resolved *bool
	if raw := q.Get("resolved"); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return api.BadRequest("resolved must be true or false")
		}
		resolved = &val
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	records, err := s.dlqStore.List(r.Context(), resolved, limit, offset)
	if err != nil {
		return err
	}
	if records == nil {
		records = []dlq.Record{}
	}
	api.WriteJSON(w, http.StatusOK, records)
	return nil
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.dlqStore.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, dlq.ErrNotFound) {
		return api.NotFound("DLQ message not found")
	}
	if err != nil {
		return err
	}
	api.WriteJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")

	var req struct {
		Note    string `json:"note"`
		Requeue bool   `json:"requeue"`
	}
	if apiErr := api.DecodeJSON(r, &req); apiErr != nil {
		return apiErr
	}

	rec, err := s.dlqStore.Resolve(r.Context(), id, req.Note, req.Requeue)
	if errors.Is(err, dlq.ErrNotFound) {
		return api.NotFound("DLQ message not found")
	}
	if errors.Is(err, dlq.ErrAlreadyResolved) {
		return api.Conflict(err.Error())
	}
	if err != nil {
		return err
	}

	s.auditAction(r, "dlq.resolve", "dlq_message", id, map[string]any{
		"note":    req.Note,
		"requeue": req.Requeue,
	})

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "resolved",
		"id":          rec.ID,
		"resolved_at": rec.ResolvedAt,
	})
	return nil
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) error {
	api.WriteJSON(w, http.StatusOK, s.breakers.StatsAll())
	return nil
}

func (s *Server) handleBreakerResetAll(w http.ResponseWriter, r *http.Request) error {
	names := s.breakers.ResetAll()

	s.auditAction(r, "breakers.reset_all", "circuit_breaker", "", map[string]any{
		"reset_count": len(names),
	})

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"reset_count": len(names),
		"breakers":    names,
	})
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	unresolved, err := s.dlqStore.CountUnresolved(r.Context())
	if err != nil {
		return err
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"dlq_unresolved": unresolved,
		"breakers":       s.breakers.StatsAll(),
	})
	return nil
}

// guardedCheck runs a dependency probe through its circuit breaker when one is
// registered, so repeated failures trip it and show up in breaker stats.
func (s *Server) guardedCheck(ctx context.Context, name string, fn func(context.Context) error) error {
	if b := s.breakers.Get(name); b != nil {
		return b.Execute(ctx, fn)
	}
	return fn(ctx)
}

// auditAction records an audit event for the acting principal. Best effort;
// failures are logged inside audit.Log and never fail the request.
func (s *Server) auditAction(r *http.Request, action, resourceType, resourceID string, details map[string]any) {
	event := audit.Event{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		event.UserID = principal.ID
		event.Role = principal.Role
	}
	audit.Log(r.Context(), s.auditor, event)
}

func missingFields(fields map[string]string) map[string]any {
	out := map[string]any{}
	for name, val := range fields {
		if val == "" {
			out[name] = "required"
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
