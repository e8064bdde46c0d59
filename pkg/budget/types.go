// Package budget implements the reservation engine: idempotent token
// reservations against a Postgres ledger with a Redis cache, commit/release
// settlement, and a sweeper that reclaims expired reservations.
package budget

import (
	"errors"
	"time"
)

// ErrReservationNotFound is returned by Commit when the reservation entry has
// expired or never existed. The caller must treat the allocation as lost and
// re-request.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrBudgetOverflow is returned by Commit when applying the actual usage
// would push current usage past the limit. The reservation stays held for
// operator triage.
var ErrBudgetOverflow = errors.New("budget overflow: commit would exceed total limit")

// Request is a reservation request for estimated token spend.
type Request struct {
	TenantID        string `json:"tenant_id"`
	ProjectID       string `json:"project_id"`
	TaskID          string `json:"task_id"`
	Purpose         string `json:"purpose,omitempty"`
	Model           string `json:"model,omitempty"`
	EstimatedTokens int64  `json:"estimated_tokens"`
	// RequestID makes the request idempotent. Empty means a fresh id is
	// assigned and the request is effectively at-most-once per call.
	RequestID string `json:"request_id,omitempty"`
}

// Decision is the outcome of a reservation request. Replays of the same
// request id return the cached decision verbatim.
type Decision struct {
	Approved      bool      `json:"approved"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Allocated     int64     `json:"allocated"`
	Reason        string    `json:"reason,omitempty"`
	// Available and Requested are filled on insufficient-budget denials so
	// the boundary can report the shortfall.
	Available int64     `json:"available,omitempty"`
	Requested int64     `json:"requested,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision reasons for non-approved outcomes.
const (
	ReasonInsufficient = "insufficient_budget"
	ReasonRaceLost     = "reservation_failed"
	ReasonDuplicate    = "duplicate_request_in_progress"
)

// CommitResult reports a settled reservation.
type CommitResult struct {
	Tokens int64
	// Overshoot is set when actual usage exceeded the reserved amount. The
	// commit still applies; the flag surfaces in the audit trail.
	Overshoot bool
}

// State is the point-in-time budget position for one (tenant, project).
type State struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}
