// Package blobstore provides a content-addressed attachment store (C7):
// bytes are keyed by the SHA-256 hash of their content and persisted
// under <root>/blobs/<hash>, with a SQLite-backed metadata index
// (hash, content_type, size, created_at) recording one row per blob.
package blobstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// openMetaDB opens the blob metadata index at the given path and
// configures it for concurrent use (WAL mode, foreign keys enabled).
// Use ":memory:" for an in-memory index (useful for testing).
func openMetaDB(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open blob meta index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	return db, nil
}
