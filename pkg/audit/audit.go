// Package audit records privileged operations to an append-only log.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arcfabric/controlplane/pkg/sanitize"
)

// Event is an immutable record of a privileged operation by a known principal.
type Event struct {
	UserID       string         `json:"user_id"`
	Role         string         `json:"role"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Recorder appends audit events. Implementations must never mutate or delete
// previously recorded events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Log records an event, filling the timestamp and scrubbing free-form detail
// text. Failures are logged and swallowed: an audit write must not fail the
// operation it describes.
func Log(ctx context.Context, rec Recorder, event Event) {
	if rec == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Details = sanitize.Details(event.Details)

	if err := rec.Record(ctx, event); err != nil {
		slog.Error("failed to write audit log",
			"action", event.Action,
			"user_id", event.UserID,
			"error", err)
	}
}

// MemoryRecorder keeps events in memory. Used in tests and as a fallback when
// no database is configured.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
