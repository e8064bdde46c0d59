package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRecorder appends events to the audit_log table.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	var details any
	if event.Details != nil {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, role, action, resource_type, resource_id, details, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.UserID, event.Role, event.Action, event.ResourceType, event.ResourceID, details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
