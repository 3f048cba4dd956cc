// Package store implements the resource store (C4): one JSON record per
// resource, written with temp-file-then-rename atomicity (spec.md §4.4,
// §6) and guarded by a per-resource advisory file lock so two server
// processes pointed at the same --root never interleave a write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/version"
)

// ErrUnknownResource is returned by Load for a path with no record on disk.
var ErrUnknownResource = errors.New("store: unknown resource")

// ErrMissingParents is the sentinel behind MissingParentsError; check
// with errors.Is.
var ErrMissingParents = errors.New("store: missing parents")

// ErrRebornRequired is returned by ValidateParents when the resource's
// graph is empty (never written, or reset by a prior reborn) but the
// caller declared non-root parents.
var ErrRebornRequired = errors.New("store: reborn required")

// MissingParentsError carries the specific parents absent from the
// resource's graph, for a 409 response body.
type MissingParentsError struct {
	Missing []version.ID
}

func (e *MissingParentsError) Error() string {
	return fmt.Sprintf("store: missing parents: %v", e.Missing)
}

func (e *MissingParentsError) Is(target error) bool {
	return target == ErrMissingParents
}

// HistoryEntry records the patches actually applied to produce one
// version, in the order Append committed them. The replication server
// replays this log to find updates concurrent with a new write's
// declared parents, so the text engine can rebase positional offsets
// against them (spec.md §4.2, §8 scenario 4).
type HistoryEntry struct {
	Version version.ID       `json:"version"`
	Patches []json.RawMessage `json:"patches,omitempty"`
}

// Record is the full persistent state of one resource (spec.md §4.4).
type Record struct {
	Path       string          `json:"path"`
	Value      json.RawMessage `json:"value"`
	Frontier   []version.ID    `json:"frontier"`
	Graph      *version.Graph  `json:"graph"`
	History    []HistoryEntry  `json:"history,omitempty"`
	MergeType  string          `json:"merge_type"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// NewRecord returns a brand-new, never-written record for path.
func NewRecord(path, mergeType string) *Record {
	now := time.Now().UTC()
	return &Record{
		Path:       path,
		Value:      json.RawMessage("null"),
		Frontier:   []version.ID{version.Root},
		Graph:      version.NewGraph(),
		MergeType:  mergeType,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// Store is a directory of per-resource JSON records under
// <root>/resources, named by URL-encoding the resource path.
type Store struct {
	root string
}

// Open opens (creating if necessary) a resource store rooted at dir.
func Open(dir string) (*Store, error) {
	resourcesDir := filepath.Join(dir, "resources")
	if err := os.MkdirAll(resourcesDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create resources dir: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) recordPath(resourcePath string) string {
	return filepath.Join(s.root, "resources", url.PathEscape(resourcePath)+".json")
}

func (s *Store) lockPath(resourcePath string) string {
	return filepath.Join(s.root, "resources", url.PathEscape(resourcePath)+".lock")
}

// Load reads and parses the record for resourcePath, or ErrUnknownResource.
func (s *Store) Load(resourcePath string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(resourcePath))
	if os.IsNotExist(err) {
		return nil, ErrUnknownResource
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", resourcePath, err)
	}

	rec := &Record{Graph: version.NewGraph()}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", resourcePath, err)
	}
	return rec, nil
}

// Save writes record to disk atomically (write-new-then-rename, the
// same pattern internal/blobstore uses for blob bytes).
func (s *Store) Save(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", record.Path, err)
	}

	finalPath := s.recordPath(record.Path)
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-resource-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// WithLock acquires resourcePath's advisory file lock, runs fn, and
// releases the lock afterward. The write pipeline (spec.md §4.5 "parse
// headers; acquire the resource's write lock; validate_parents; ...;
// append; release lock") runs entirely inside fn.
func (s *Store) WithLock(resourcePath string, fn func() error) error {
	fl := flock.New(s.lockPath(resourcePath))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("store: acquire lock for %s: %w", resourcePath, err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// ValidateParents implements spec.md §4.4's three-way outcome. A
// never-written or reborn resource has an empty graph (just Root): any
// non-root declared parent means the caller's view predates the reset,
// so RebornRequired is returned regardless of whether the emptiness
// came from a literal reborn or the resource never having existed. Once
// the graph has real history, any declared parent absent from it is
// MissingParents — spec.md treats this as "plausibly a pruned
// ancestor", not a reborn, since a reborn always empties the graph.
func (s *Store) ValidateParents(record *Record, declared []version.ID) error {
	graphEmpty := record.Graph.Size() <= 1
	if graphEmpty {
		if hasNonRoot(declared) {
			return ErrRebornRequired
		}
		return nil
	}

	missing := record.Graph.Covers(declared)
	if len(missing) > 0 {
		return &MissingParentsError{Missing: missing}
	}
	return nil
}

func hasNonRoot(ids []version.ID) bool {
	for _, id := range ids {
		if !id.IsRoot() {
			return true
		}
	}
	return false
}

// Append adds the new version to record's graph, updates its frontier
// and materialized value, and — when keepGenerations is positive —
// prunes the graph to that many generations behind the frontier
// (internal/config.Tunables.GraphKeepGenerations, spec.md §4.4 "bounded
// by a truncation policy"). patches is the normalized patch set that
// was actually applied to produce valueAfter (for a State write, the
// patch set the engine derived from the previous value); it is appended to record.History so a later concurrent
// write can rebase against it. Pruned versions have their history
// entries dropped alongside their graph nodes.
func (s *Store) Append(record *Record, v version.ID, parents []version.ID, valueAfter json.RawMessage, mergeType string, keepGenerations int, patches []json.RawMessage) (*Record, error) {
	if len(parents) == 0 {
		parents = []version.ID{version.Root}
	}
	if err := record.Graph.Add(v, parents); err != nil {
		return nil, fmt.Errorf("store: append %s: %w", record.Path, err)
	}

	record.Value = valueAfter
	record.MergeType = mergeType
	record.Frontier = record.Graph.Frontier()
	record.ModifiedAt = time.Now().UTC()
	if patches != nil {
		record.History = append(record.History, HistoryEntry{Version: v, Patches: patches})
	}

	if keepGenerations > 0 {
		if pruned := record.Graph.Prune(keepGenerations); len(pruned) > 0 {
			record.History = dropHistoryFor(record.History, pruned)
		}
	}
	return record, nil
}

func dropHistoryFor(history []HistoryEntry, pruned []version.ID) []HistoryEntry {
	prunedSet := make(map[version.ID]struct{}, len(pruned))
	for _, v := range pruned {
		prunedSet[v] = struct{}{}
	}
	kept := history[:0]
	for _, h := range history {
		if _, ok := prunedSet[h.Version]; ok {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// ConcurrentSince returns the entries of record.History whose version
// is not an ancestor of declared — i.e. updates already applied that
// diverged from the same point declared is reaching back to, and so
// must be rebased against (spec.md §4.2, §8 scenario 4).
func (s *Store) ConcurrentSince(record *Record, declared []version.ID) []merge.SiblingUpdate {
	if len(record.History) == 0 {
		return nil
	}
	ancestors := record.Graph.Ancestors(declared)

	var since []merge.SiblingUpdate
	for _, h := range record.History {
		if _, ok := ancestors[h.Version]; ok {
			continue
		}
		since = append(since, merge.SiblingUpdate{Version: h.Version, Patches: h.Patches})
	}
	return since
}

// Reborn resets record's history per spec.md §4.5: the graph is
// emptied, the frontier collapses to {Root}, and value is replaced only
// if newValue is non-nil.
func (s *Store) Reborn(record *Record, newValue json.RawMessage) *Record {
	record.Graph.Reset()
	record.Frontier = []version.ID{version.Root}
	record.History = nil
	if newValue != nil {
		record.Value = newValue
	}
	record.ModifiedAt = time.Now().UTC()
	return record
}
