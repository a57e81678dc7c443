// Package db provides the local document store for the dashboard.
//
// The backend is SQLite to allow for single-binary desktop and small-server
// use. The store holds three collections: invoices and employees mirrored
// from the upstream CRM, and sync_logs recording the provenance of each
// synchronization run. Aggregation queries are pushed down to SQL rather
// than loading full result sets into application memory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmoiron/sqlx" // helper library
	_ "modernc.org/sqlite"    // pure go sqlite driver
)

// DB provides a wrapper around the sql.DB connection for
// application-specific db operations.
type DB struct {
	*sqlx.DB
	log *slog.Logger
}

// NewConnection creates a new connection to an SQLite database at the given
// path.
func NewConnection(dbPath string, logger *slog.Logger) (*DB, error) {

	// dataSource is the default setting for file-based databases.
	dataSource := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)

	// for in-memory test databases, check the necessary cached setting is
	// used, otherwise each pooled connection sees a different database.
	if strings.Contains(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory") {
		if !strings.Contains(dbPath, "cache=shared") {
			return nil, fmt.Errorf("in-memory connection %q should contain 'cache=shared'", dbPath)
		}
		dataSource = dbPath
	}

	dbDB, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, err
	}
	if err := dbDB.Ping(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelWarn},
		))
	}

	// Wrap the standard library *sql.DB with sqlx.
	return &DB{
		DB:  sqlx.NewDb(dbDB, "sqlite"),
		log: logger,
	}, nil
}

// InitSchema creates the necessary tables if they don't already exist. The
// schema can be run idempotently.
func (db *DB) InitSchema() error {
	_, err := db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}
