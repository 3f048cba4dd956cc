package blobstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned by Get and Head when no blob exists for the
// given hash.
var ErrNotFound = errors.New("blobstore: not found")

// Meta is the metadata row stored alongside a blob's bytes.
type Meta struct {
	Hash        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// Store is a content-addressed blob store. Bytes live at
// <root>/<hash>; a SQLite index at <root>/_meta tracks
// (hash, content_type, size) so Head doesn't require reading the file.
//
// Invariants (spec.md §4.7): the bytes at <root>/<hash> always hash to
// <hash>, and a metadata row exists if and only if the file exists.
type Store struct {
	root string
	meta *sql.DB
}

// Open opens or creates a blob store rooted at dir. The metadata index
// is migrated to the latest schema on open.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}

	db, err := openMetaDB(filepath.Join(dir, "_meta"))
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blobstore: migrate meta index: %w", err)
	}

	return &Store{root: dir, meta: db}, nil
}

// Close closes the underlying metadata index.
func (s *Store) Close() error {
	return s.meta.Close()
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash)
}

// Put computes the SHA-256 hash of bytes, writes it to disk if absent,
// and upserts its metadata row. If contentType is empty it is sniffed
// from the content (spec.md §12 fallback). Put is idempotent: writing
// the same bytes twice returns the same hash and leaves the store
// unchanged on the second call.
func (s *Store) Put(data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	if _, err := s.Head(hash); err == nil {
		return hash, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	// write-new-then-rename: write to a unique temp file in the same
	// directory, then atomically rename onto the final path. Two
	// concurrent Put calls for the same hash each write identical
	// bytes, so whichever rename lands last still leaves the store
	// in the correct state.
	tmp, err := os.CreateTemp(s.root, ".tmp-blob-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(hash)); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: rename into place: %w", err)
	}

	_, err = s.meta.Exec(
		`INSERT INTO blobs (hash, content_type, size) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET content_type = excluded.content_type`,
		hash, contentType, len(data),
	)
	if err != nil {
		return "", fmt.Errorf("blobstore: upsert metadata: %w", err)
	}

	return hash, nil
}

// Get returns the bytes and content type for hash, or ErrNotFound.
func (s *Store) Get(hash string) ([]byte, string, error) {
	meta, err := s.Head(hash)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("blobstore: read %s: %w", hash, err)
	}
	return data, meta.ContentType, nil
}

// Head returns metadata for hash without reading its bytes, or ErrNotFound.
func (s *Store) Head(hash string) (Meta, error) {
	var m Meta
	var createdAt string
	err := s.meta.QueryRow(
		`SELECT hash, content_type, size, created_at FROM blobs WHERE hash = ?`, hash,
	).Scan(&m.Hash, &m.ContentType, &m.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("blobstore: query metadata: %w", err)
	}
	m.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
	return m, nil
}

// ReadInto copies the bytes for hash into w without loading the whole
// blob into memory at once.
func (s *Store) ReadInto(w io.Writer, hash string) (string, error) {
	meta, err := s.Head(hash)
	if err != nil {
		return "", err
	}
	f, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("blobstore: open %s: %w", hash, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return "", fmt.Errorf("blobstore: copy %s: %w", hash, err)
	}
	return meta.ContentType, nil
}
