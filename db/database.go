// Package db stores prediction history in SQLite.
//
// The schema ships embedded in the binary and is migrated on Open. Writes
// from the request path go through an AsyncWriter so a slow disk never
// delays a prediction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("database connection is closed")

// Database owns the SQLite connection.
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// DatabaseConfig holds configuration for Open.
type DatabaseConfig struct {
	Path string
	// ConnectionConfig overrides DefaultConnectionConfig(Path)
	ConnectionConfig *ConnectionConfig
	// SkipMigrations leaves the schema untouched
	SkipMigrations bool
}

// Open creates the parent directory, applies pending migrations and opens
// the connection used by repositories.
func Open(path string) (*Database, error) {
	return OpenWithConfig(DatabaseConfig{Path: path})
}

// OpenWithConfig is Open with custom settings.
func OpenWithConfig(config DatabaseConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(config.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connConfig := DefaultConnectionConfig(config.Path)
	if config.ConnectionConfig != nil {
		connConfig = *config.ConnectionConfig
	}

	// golang-migrate closes the connection it is given, so it gets its own
	if !config.SkipMigrations {
		migrateConn, err := NewSQLiteConnection(connConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection: %w", err)
		}
		if err := MigrateUp(migrateConn); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	conn, err := NewSQLiteConnection(connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return &Database{db: conn, path: config.Path}, nil
}

// DB returns the underlying connection. Do not close it directly.
func (d *Database) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the connection. Later calls are no-ops.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrClosed
	}
	return d.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (d *Database) Stats() sql.DBStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return sql.DBStats{}
	}
	return d.db.Stats()
}

// conn returns the live connection under the read lock, which the caller
// must release.
func (d *Database) conn() (*sql.DB, func(), error) {
	d.mu.RLock()
	if d.db == nil {
		d.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return d.db, d.mu.RUnlock, nil
}
