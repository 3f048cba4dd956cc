package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dedupWindow is how long two intents carrying the same DedupKey collapse
// into one queue entry, per spec.md §4.6's outbound pipeline.
const dedupWindow = 5 * time.Second

// Intent is one queued write: the resource's desired next snapshot,
// waiting to be diffed against the engine's current state and sent as a
// PUT. Queued by target snapshot rather than by patch: the patch set is
// derived against the committed state when the outbound worker reaches
// the intent, not when it is queued. Intents are sent one at a time in
// queue order, and one whose target already matches the committed
// state is acknowledged without a PUT.
type Intent struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	DedupKey    string          `json:"dedup_key"`
	SnapshotRaw json.RawMessage `json:"snapshot"`
	Attempts    int             `json:"attempts"`
}

// intentQueue is a durable, per-resource FIFO of pending intents,
// persisted as one JSON file under dataDir/queue so a restarted client
// resumes outbound delivery instead of silently dropping unsent writes.
type intentQueue struct {
	mu    sync.Mutex
	path  string
	items []*Intent
}

func openIntentQueue(dataDir, resourcePath string) (*intentQueue, error) {
	q := &intentQueue{path: queueFilePath(dataDir, resourcePath)}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func queueFilePath(dataDir, resourcePath string) string {
	return filepath.Join(dataDir, "queue", url.PathEscape(resourcePath)+".json")
}

func (q *intentQueue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("syncclient: load intent queue: %w", err)
	}
	return json.Unmarshal(data, &q.items)
}

// save rewrites the queue file via write-new-then-rename, the same
// durability pattern used by internal/store and internal/blobstore.
func (q *intentQueue) save() error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("syncclient: create queue dir: %w", err)
	}
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("syncclient: marshal intent queue: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-queue-*")
	if err != nil {
		return fmt.Errorf("syncclient: create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncclient: write temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("syncclient: close temp queue file: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("syncclient: rename temp queue file: %w", err)
	}
	return nil
}

// Enqueue adds a new intent, or — if an entry with the same dedupKey was
// enqueued within dedupWindow — replaces its target snapshot in place
// (spec.md §4.6: "identical intents ... within a 5-second window
// collapse into one queue entry").
func (q *intentQueue) Enqueue(snapshotRaw json.RawMessage, dedupKey string, now time.Time) *Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.DedupKey == dedupKey && now.Sub(it.CreatedAt) < dedupWindow {
			it.SnapshotRaw = snapshotRaw
			it.CreatedAt = now
			_ = q.save()
			return it
		}
	}

	it := &Intent{
		ID:          fmt.Sprintf("%s-%d", dedupKey[:minInt(8, len(dedupKey))], now.UnixNano()),
		CreatedAt:   now,
		DedupKey:    dedupKey,
		SnapshotRaw: snapshotRaw,
	}
	q.items = append(q.items, it)
	_ = q.save()
	return it
}

// Peek returns the oldest pending intent, or nil if the queue is empty.
func (q *intentQueue) Peek() *Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// All returns a snapshot of every currently-queued intent, oldest first.
func (q *intentQueue) All() []*Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Intent, len(q.items))
	copy(out, q.items)
	return out
}

// Ack removes an intent after a successful PUT.
func (q *intentQueue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = removeIntent(q.items, id)
	_ = q.save()
}

// Fail removes an intent that exhausted its retries (spec.md §4.6:
// "after max retries ... mark failed and surface to the application").
func (q *intentQueue) Fail(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = removeIntent(q.items, id)
	_ = q.save()
}

// IncrementAttempts bumps an intent's retry counter and returns the new
// count, or 0 if the intent is no longer queued.
func (q *intentQueue) IncrementAttempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			it.Attempts++
			_ = q.save()
			return it.Attempts
		}
	}
	return 0
}

func removeIntent(items []*Intent, id string) []*Intent {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
