package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "history", "predictions.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	d := openTestDB(t)

	if _, err := os.Stat(filepath.Dir(d.Path())); err != nil {
		t.Fatalf("database directory missing: %v", err)
	}
	var name string
	err := d.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='predictions'").Scan(&name)
	if err != nil {
		t.Fatalf("predictions table missing: %v", err)
	}
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.db")
	for i := 0; i < 2; i++ {
		d, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		d.Close()
	}

	version, dirty, err := MigrationVersionFromPath(path)
	if err != nil {
		t.Fatalf("MigrationVersionFromPath() error = %v", err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, SchemaVersion)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") error = nil")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := d.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() after Close error = %v, want ErrClosed", err)
	}
	if d.Stats().OpenConnections != 0 {
		t.Error("Stats() after Close should be empty")
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.db")
	if err := MigrateUpFromPath(path); err != nil {
		t.Fatalf("MigrateUpFromPath() error = %v", err)
	}

	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateDown(conn, -1); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	version, _, err := MigrationVersionFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("version after down = %d, want 0", version)
	}

	if err := MigrateUpFromPath(path); err != nil {
		t.Fatalf("second MigrateUpFromPath() error = %v", err)
	}
}

func TestNewSQLiteConnectionPragmas(t *testing.T) {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(filepath.Join(t.TempDir(), "p.db")))
	if err != nil {
		t.Fatalf("NewSQLiteConnection() error = %v", err)
	}
	defer conn.Close()

	var fk int
	if err := conn.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	if _, err := NewSQLiteConnection(ConnectionConfig{}); err == nil {
		t.Error("empty path should fail")
	}
}
