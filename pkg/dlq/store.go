// Package dlq implements the dead-letter reliability layer: a publisher that
// never loses a message, a worker that drains the dead-letter stream into
// Postgres, and the operator-facing record store.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcfabric/controlplane/pkg/metrics"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("dlq message not found")

// ErrAlreadyResolved is returned when resolving a record twice.
var ErrAlreadyResolved = errors.New("dlq.already_resolved: message is already resolved")

// Record is one persisted dead-letter message.
type Record struct {
	ID              string            `json:"id"`
	OriginalSubject string            `json:"original_subject"`
	Data            string            `json:"data"`
	Headers         map[string]string `json:"headers"`
	ErrorCount      int               `json:"error_count"`
	CreatedAt       time.Time         `json:"created_at"`
	Resolved        bool              `json:"resolved"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
}

// Store persists dead-letter records in the dlq_messages table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a new record and returns its id.
func (s *Store) Insert(ctx context.Context, originalSubject, data string, headers map[string]string, errorCount int) (string, error) {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dlq_messages (id, original_subject, data, headers, error_count, created_at, resolved)
		 VALUES ($1, $2, $3, $4, $5, NOW(), FALSE)`,
		id, originalSubject, data, headerJSON, errorCount)
	if err != nil {
		return "", fmt.Errorf("insert dlq message: %w", err)
	}
	return id, nil
}

// List returns records filtered by resolution state, newest first. A nil
// resolved filter returns both.
func (s *Store) List(ctx context.Context, resolved *bool, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, original_subject, data, headers, error_count, created_at, resolved, resolved_at, resolution_notes
	          FROM dlq_messages`
	args := []any{}
	if resolved != nil {
		query += " WHERE resolved = $1"
		args = append(args, *resolved)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountUnresolved returns the number of records still awaiting an operator.
func (s *Store) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dlq_messages WHERE resolved = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved dlq messages: %w", err)
	}
	return n, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_subject, data, headers, error_count, created_at, resolved, resolved_at, resolution_notes
		 FROM dlq_messages WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Resolve marks the record resolved with the operator's note. The requeue
// flag is recorded in the notes; operators republish manually.
func (s *Store) Resolve(ctx context.Context, id, note string, requeue bool) (*Record, error) {
	notes := note
	if requeue {
		notes += " [requeue requested]"
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_messages
		 SET resolved = TRUE, resolved_at = NOW(), resolution_notes = $2
		 WHERE id = $1 AND resolved = FALSE`,
		id, notes)
	if err != nil {
		return nil, fmt.Errorf("resolve dlq message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve dlq message: %w", err)
	}
	if affected == 0 {
		// Either unknown or already resolved; distinguish for the caller.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}

	metrics.DLQResolved.Inc()
	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		headerJSON []byte
		resolvedAt sql.NullTime
		notes      sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.OriginalSubject, &rec.Data, &headerJSON,
		&rec.ErrorCount, &rec.CreatedAt, &rec.Resolved, &resolvedAt, &notes)
	if err != nil {
		return nil, err
	}
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &rec.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", rec.ID, err)
		}
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	rec.ResolutionNotes = notes.String
	return &rec, nil
}
