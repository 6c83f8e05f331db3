// Package testing provides database fixtures for package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/episodic/db"
)

// CreateTestDB creates an in-memory SQLite database with all migrations applied.
// A single connection keeps every query on the same in-memory database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, db.SQLite, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a migrated file-backed SQLite database in t.TempDir()
// with a multi-connection pool, for tests that exercise concurrent writers.
func CreateFileTestDB(t *testing.T, maxOpenConns int) *sql.DB {
	t.Helper()

	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "episodic-test.db"), 10000, nil)
	if err != nil {
		t.Fatalf("Failed to open file test database: %v", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)

	if err := db.Migrate(conn, db.SQLite, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate file test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
