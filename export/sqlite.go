// Package export writes the merged address report to external stores.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/migadu/mailscan/collector"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/retry"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS addresses (
		address TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		occurrences INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS name_variants (
		address TEXT NOT NULL REFERENCES addresses(address),
		name TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (address, name)
	);
	CREATE INDEX IF NOT EXISTS idx_addresses_occurrences ON addresses(occurrences);
`

// WriteSQLite replaces the contents of the SQLite database at path with
// entries, in a single transaction. Lock contention is retried with backoff.
func WriteSQLite(ctx context.Context, path string, entries []collector.Entry) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open export db %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 1000;`); err != nil {
		logger.Warn("Export: failed to set busy_timeout", "error", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create export schema: %w", err)
	}

	err = retry.WithRetry(ctx, func() error {
		err := writeSnapshot(ctx, db, entries)
		if err != nil && !isBusy(err) {
			return retry.Stop(err)
		}
		return err
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return fmt.Errorf("failed to export to %s: %w", path, err)
	}

	logger.Info("Export: wrote SQLite report", "path", path, "addresses", len(entries))
	return nil
}

func writeSnapshot(ctx context.Context, db *sql.DB, entries []collector.Entry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM name_variants; DELETE FROM addresses;`); err != nil {
		return fmt.Errorf("failed to clear previous export: %w", err)
	}

	addrStmt, err := tx.PrepareContext(ctx, `INSERT INTO addresses (address, display_name, occurrences) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare address insert: %w", err)
	}
	defer addrStmt.Close()

	nameStmt, err := tx.PrepareContext(ctx, `INSERT INTO name_variants (address, name, count) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare name variant insert: %w", err)
	}
	defer nameStmt.Close()

	for _, e := range entries {
		if _, err := addrStmt.ExecContext(ctx, e.Address, e.Name, int64(e.Occurrences)); err != nil {
			return fmt.Errorf("failed to insert address %s: %w", e.Address, err)
		}
		for name, n := range e.Variants {
			if _, err := nameStmt.ExecContext(ctx, e.Address, name, int64(n)); err != nil {
				return fmt.Errorf("failed to insert name variant for %s: %w", e.Address, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}
