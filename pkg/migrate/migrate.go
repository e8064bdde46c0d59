// Package migrate applies the embedded SQL migrations in lexicographic order,
// one transaction per file, recording a checksum so a modified historic
// migration aborts startup instead of silently diverging the schema.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrChecksumMismatch aborts the run when an applied migration's file content
// no longer matches what was recorded.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Run applies all pending migrations. It is safe to call on every boot.
func Run(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			checksum    TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			duration_ms BIGINT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if prior, ok := applied[name]; ok {
			if prior != checksum {
				return fmt.Errorf("%w: %s (recorded %s, file %s)",
					ErrChecksumMismatch, name, prior[:12], checksum[:12])
			}
			continue
		}

		start := time.Now()
		if err := applyOne(ctx, db, name, string(content), checksum, start); err != nil {
			return err
		}
		log.Info("migration applied", "version", name, "duration", time.Since(start))
	}
	return nil
}

// Verify checks checksums without applying anything.
func Verify(ctx context.Context, db *sql.DB) error {
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		prior, ok := applied[name]
		if !ok {
			continue
		}
		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != prior {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		// First boot: the table may not exist yet when only verifying.
		return map[string]string{}, nil
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

func applyOne(ctx context.Context, db *sql.DB, name, content, checksum string, start time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at, duration_ms)
		 VALUES ($1, $2, NOW(), $3)`,
		name, checksum, time.Since(start).Milliseconds()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}

	return tx.Commit()
}
