// Package syncclient implements the sync client (C6, spec.md §4.6): a
// local-first peer that follows resources over HTTP, maintaining a
// long-lived subscription per resource for inbound updates and a
// durable outbound queue for local writes, so the application layer can
// read and write through an optimistic, always-available local view.
package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/metrics"
	"github.com/loomsync/loom/internal/replserver/framecodec"
	"github.com/loomsync/loom/internal/setmerge"
	"github.com/loomsync/loom/internal/version"
)

// statusReborn mirrors internal/replserver's custom "309 Reborn" status:
// the subscriber must discard local state and resubscribe from scratch.
const statusReborn = 309

// maxOutboundRetries bounds the 5xx/network retry loop before an intent
// is marked failed (spec.md §4.6 item 7, "max retries (default 5)").
const maxOutboundRetries = 5

// Client is one sync-client instance: a single HTTP peer against one
// server, following zero or more resources.
type Client struct {
	httpClient *http.Client
	serverURL  string
	agentID    string
	dataDir    string
	registry   *merge.Registry

	mu        sync.Mutex
	resources map[string]*resourceClient
}

// New returns a Client ready to Follow resources served at serverURL
// (e.g. "http://localhost:8080"). agentID seeds every engine this client
// constructs, so versions it mints are globally unique.
func New(serverURL, agentID, dataDir string, registry *merge.Registry) *Client {
	return NewWithHTTPClient(serverURL, agentID, dataDir, registry, &http.Client{})
}

// NewWithHTTPClient is New with an injectable http.Client, for tests
// that need a custom transport or timeout.
func NewWithHTTPClient(serverURL, agentID, dataDir string, registry *merge.Registry, hc *http.Client) *Client {
	return &Client{
		httpClient: hc,
		serverURL:  trimTrailingSlash(serverURL),
		agentID:    agentID,
		dataDir:    dataDir,
		registry:   registry,
		resources:  make(map[string]*resourceClient),
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// resourceClient holds one followed resource's live engine state plus
// its durable outbound queue. mu guards snapshot/frontier, which the
// subscription goroutine and the outbound goroutine both touch.
type resourceClient struct {
	path      string
	mergeType string
	engine    merge.Engine
	queue     *intentQueue

	mu       sync.Mutex
	snapshot any
	frontier []version.ID

	onUpdate  func()
	onFailure func(intentID string)
}

func (rc *resourceClient) notifyUpdate() {
	if rc.onUpdate != nil {
		rc.onUpdate()
	}
}

func (rc *resourceClient) notifyFailure(id string) {
	if rc.onFailure != nil {
		rc.onFailure(id)
	}
}

// Resource is the application-facing handle returned by Follow.
type Resource struct {
	client *Client
	rc     *resourceClient
}

// Follow starts following path under mergeType: it opens a background
// subscription (reconnecting with backoff on disconnect) and a
// background outbound worker draining path's intent queue. Cancel ctx
// to stop both.
func (c *Client) Follow(ctx context.Context, path, mergeType string) (*Resource, error) {
	canonical, err := c.registry.Canonical(mergeType)
	if err != nil {
		return nil, err
	}
	engine, _, err := c.registry.New(canonical, c.agentID)
	if err != nil {
		return nil, err
	}
	queue, err := openIntentQueue(c.dataDir, path)
	if err != nil {
		return nil, err
	}

	rc := &resourceClient{
		path:      path,
		mergeType: canonical,
		engine:    engine,
		frontier:  []version.ID{version.Root},
		queue:     queue,
	}

	c.mu.Lock()
	c.resources[path] = rc
	c.mu.Unlock()

	go c.runSubscription(ctx, rc)
	go c.runOutbound(ctx, rc)

	return &Resource{client: c, rc: rc}, nil
}

// OnUpdate registers a callback fired whenever the resource's committed
// or optimistic state changes.
func (r *Resource) OnUpdate(fn func()) { r.rc.onUpdate = fn }

// OnFailure registers a callback fired when a queued write exhausts its
// retries and is dropped (spec.md §4.6: "surface to the application").
func (r *Resource) OnFailure(fn func(intentID string)) { r.rc.onFailure = fn }

// Put enqueues next (an engine-native snapshot value: a string for
// text-merge, a *setmerge.State for set-merge) as the resource's desired
// next state. The outbound worker derives the patches to get there and
// sends them asynchronously; Put itself never blocks on the network.
func (r *Resource) Put(next any) error {
	raw, err := r.rc.engine.EncodeSnapshot(next)
	if err != nil {
		return fmt.Errorf("syncclient: encode intent snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	dedupKey := hex.EncodeToString(sum[:])
	r.rc.queue.Enqueue(raw, dedupKey, time.Now())
	r.rc.notifyUpdate()
	return nil
}

// Snapshot returns the resource's current committed engine-native
// snapshot: a string for text-merge, a *setmerge.State for set-merge.
// This is the "snapshot any" AddElement/RemoveElement expect, letting a
// caller read-modify-write a set-merge resource through them instead of
// through Put's full-replacement API.
func (r *Resource) Snapshot() any {
	r.rc.mu.Lock()
	defer r.rc.mu.Unlock()
	return r.rc.snapshot
}

// AddElement adds or edits one live element of a set-merge resource and
// queues the result through the normal outbound path, the same as Put
// does for a full snapshot. It fails if the resource was not followed
// under set-merge.
func (r *Resource) AddElement(path, id string, body any, afterID string) error {
	se, ok := r.rc.engine.(*setmerge.Engine)
	if !ok {
		return fmt.Errorf("syncclient: AddElement requires a set-merge resource, got merge type %q", r.rc.mergeType)
	}
	next, _, err := se.AddElement(r.Snapshot(), path, id, body, afterID)
	if err != nil {
		return fmt.Errorf("syncclient: add element: %w", err)
	}
	return r.Put(next)
}

// RemoveElement retires one live element of a set-merge resource and
// queues the result through the normal outbound path.
func (r *Resource) RemoveElement(path, id string) error {
	se, ok := r.rc.engine.(*setmerge.Engine)
	if !ok {
		return fmt.Errorf("syncclient: RemoveElement requires a set-merge resource, got merge type %q", r.rc.mergeType)
	}
	next, _, err := se.RemoveElement(r.Snapshot(), path, id)
	if err != nil {
		return fmt.Errorf("syncclient: remove element: %w", err)
	}
	return r.Put(next)
}

// View renders the resource's optimistic view (spec.md §4.6): the
// target snapshot of the most recently queued, not-yet-acknowledged
// intent if one exists, otherwise the last committed snapshot. pending
// reports whether the returned body reflects unacknowledged local
// writes.
func (r *Resource) View() (contentType string, body []byte, pending bool, err error) {
	items := r.rc.queue.All()
	if len(items) > 0 {
		latest := items[len(items)-1]
		snapshot, decErr := r.rc.engine.DecodeSnapshot(latest.SnapshotRaw)
		if decErr == nil {
			ct, b, matErr := r.rc.engine.Materialize(snapshot)
			if matErr == nil {
				return ct, b, true, nil
			}
		}
	}

	r.rc.mu.Lock()
	committed := r.rc.snapshot
	r.rc.mu.Unlock()
	ct, b, err := r.rc.engine.Materialize(committed)
	return ct, b, false, err
}

// runSubscription keeps one long-lived GET Subscribe: true connection
// open for rc, reconnecting with backoff on disconnect and resuming
// from rc's current frontier (spec.md §4.6: "transient disconnect ...
// preserve engine state, resume with current frontier as Parents").
func (c *Client) runSubscription(ctx context.Context, rc *resourceClient) {
	bo := newReconnectBackoff()
	var parents []version.ID // nil on first connect: fresh subscribe, no Parents header.

	for {
		if ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		reborn, err := c.subscribeOnce(ctx, rc, parents)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			slog.Warn("syncclient: subscription disconnected", "path", rc.path, "error", err)
		}

		if reborn {
			rc.mu.Lock()
			rc.snapshot = nil
			rc.engine.Graph().Reset()
			rc.frontier = []version.ID{version.Root}
			rc.mu.Unlock()
			parents = nil
			bo.Reset()
			metrics.ReconnectsTotal.Inc()
			continue
		}

		rc.mu.Lock()
		parents = append([]version.ID(nil), rc.frontier...)
		rc.mu.Unlock()

		if time.Since(connectedAt) >= resetThreshold {
			bo.Reset()
		}
		metrics.ReconnectsTotal.Inc()

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// subscribeOnce holds one subscription connection open until it ends,
// applying every frame it receives. It returns reborn=true when the
// server sent a 309 status frame, signaling the caller to reconnect
// fresh with no declared Parents.
func (c *Client) subscribeOnce(ctx context.Context, rc *resourceClient, parents []version.ID) (reborn bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+rc.path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Subscribe", "true")
	req.Header.Set("Accept-Encoding", string(framecodec.CompressionZstd))
	if len(parents) > 0 {
		req.Header.Set("Parents", version.JoinList(parents))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("syncclient: subscribe %s: unexpected status %d", rc.path, resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	first := true
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		fh, body, err := readFrame(reader)
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}

		if isHeartbeat(fh, body) {
			continue
		}
		if fh.Status == statusReborn {
			return true, nil
		}

		if first {
			err = c.applyBootstrap(rc, fh, body)
			first = false
		} else {
			err = c.applyPatchFrame(rc, fh, body)
		}
		if err != nil {
			return false, err
		}
	}
}

func isHeartbeat(fh frameHeader, body []byte) bool {
	return len(body) == 0 && fh.Status == 0 && fh.MergeType == "" && len(fh.Version) == 0
}

// applyBootstrap decodes a subscription connection's first frame, which
// always carries the engine's full persisted snapshot form
// (EncodeSnapshot, not Materialize) so the client can keep resolving
// merges on subsequent patch frames. Only the first frame is decoded
// here: a later lag-recovery snapshot frame goes to applyPatchFrame,
// fails to decode as a patch array and ends the connection, and the
// reconnect then bootstraps from its own first frame.
func (c *Client) applyBootstrap(rc *resourceClient, fh frameHeader, body []byte) error {
	body, err := maybeDecompress(fh, body)
	if err != nil {
		return err
	}
	snapshot, err := rc.engine.DecodeSnapshot(body)
	if err != nil {
		return fmt.Errorf("syncclient: decode bootstrap snapshot: %w", err)
	}

	rc.mu.Lock()
	rc.snapshot = snapshot
	rc.engine.Graph().Seed(fh.Version)
	rc.frontier = append([]version.ID(nil), fh.Version...)
	rc.mu.Unlock()

	rc.notifyUpdate()
	return nil
}

func (c *Client) applyPatchFrame(rc *resourceClient, fh frameHeader, body []byte) error {
	body, err := maybeDecompress(fh, body)
	if err != nil {
		return err
	}
	var patches []json.RawMessage
	if err := json.Unmarshal(body, &patches); err != nil {
		return fmt.Errorf("syncclient: decode patch frame: %w", err)
	}

	v := version.Root
	if len(fh.Version) > 0 {
		v = fh.Version[0]
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	result, err := rc.engine.ApplyUpdate(rc.snapshot, merge.Update{
		Version: v,
		Parents: rc.frontier,
		Patches: patches,
	})
	if err != nil {
		return fmt.Errorf("syncclient: apply patch frame: %w", err)
	}
	rc.snapshot = result.Snapshot
	rc.frontier = rc.engine.Frontier()
	rc.notifyUpdate()
	return nil
}

func maybeDecompress(fh frameHeader, body []byte) ([]byte, error) {
	if fh.Encoding != string(framecodec.CompressionZstd) {
		return body, nil
	}
	out, err := framecodec.Decompress(body, framecodec.CompressionZstd)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decompress frame: %w", err)
	}
	return out, nil
}

// runOutbound drains rc's intent queue, sending one intent at a time so
// writes to a resource are never reordered relative to each other.
func (c *Client) runOutbound(ctx context.Context, rc *resourceClient) {
	for {
		if ctx.Err() != nil {
			return
		}

		intent := rc.queue.Peek()
		if intent == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		if err := c.sendIntent(ctx, rc, intent); err != nil && ctx.Err() == nil {
			slog.Error("syncclient: outbound intent failed", "path", rc.path, "intent", intent.ID, "error", err)
		}
	}
}

// sendIntent implements spec.md §4.6's outbound pipeline for one
// intent, retrying until it is acknowledged, dropped as a no-op, or
// exhausts maxOutboundRetries.
func (c *Client) sendIntent(ctx context.Context, rc *resourceClient, intent *Intent) error {
	bo := newOutboundBackoff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rc.mu.Lock()
		current := rc.snapshot
		parents := append([]version.ID(nil), rc.frontier...)
		rc.mu.Unlock()

		target, err := rc.engine.DecodeSnapshot(intent.SnapshotRaw)
		if err != nil {
			rc.queue.Ack(intent.ID) // malformed queued intent: nothing to retry toward.
			return fmt.Errorf("syncclient: decode queued intent: %w", err)
		}

		patches, err := rc.engine.DerivePatches(current, target)
		if err != nil {
			rc.queue.Ack(intent.ID)
			return fmt.Errorf("syncclient: derive patches: %w", err)
		}
		if len(patches) == 0 {
			rc.queue.Ack(intent.ID)
			return nil
		}

		v := rc.engine.NextVersion()
		body, err := json.Marshal(patches)
		if err != nil {
			return fmt.Errorf("syncclient: marshal patches: %w", err)
		}

		status, putErr := c.put(ctx, rc.path, v, parents, rc.mergeType, body)
		switch {
		case putErr == nil && status == http.StatusOK:
			rc.mu.Lock()
			result, applyErr := rc.engine.ApplyUpdate(rc.snapshot, merge.Update{
				Version: v, Parents: parents, Patches: patches,
			})
			if applyErr == nil {
				rc.snapshot = result.Snapshot
				rc.frontier = rc.engine.Frontier()
			}
			rc.mu.Unlock()
			rc.queue.Ack(intent.ID)
			rc.notifyUpdate()
			return nil

		case putErr == nil && status == http.StatusConflict:
			metrics.OutboundRetriesTotal.WithLabelValues("conflict").Inc()
			if err := c.resync(ctx, rc); err != nil {
				return fmt.Errorf("syncclient: resync after 409: %w", err)
			}
			continue

		case putErr == nil && status == statusReborn:
			metrics.OutboundRetriesTotal.WithLabelValues("reborn").Inc()
			if err := c.resync(ctx, rc); err != nil {
				return fmt.Errorf("syncclient: resync after 309: %w", err)
			}
			continue

		default:
			reason := "network"
			if putErr == nil {
				reason = "server_error"
			}
			metrics.OutboundRetriesTotal.WithLabelValues(reason).Inc()

			attempts := rc.queue.IncrementAttempts(intent.ID)
			if attempts >= maxOutboundRetries {
				metrics.OutboundFailuresTotal.Inc()
				rc.queue.Fail(intent.ID)
				rc.notifyFailure(intent.ID)
				return fmt.Errorf("syncclient: intent %s exhausted retries", intent.ID)
			}
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

func (c *Client) put(ctx context.Context, path string, v version.ID, parents []version.ID, mergeType string, body []byte) (status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Version", v.String())
	if len(parents) > 0 {
		req.Header.Set("Parents", version.JoinList(parents))
	}
	req.Header.Set("Merge-Type", mergeType)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// resync reopens a short-lived subscription just long enough to read
// one bootstrap frame, rebasing rc onto the server's current frontier
// (spec.md §4.6: "force-sync (reopen subscription and wait for one
// snapshot frame), then retry"). It runs independently of rc's
// long-lived subscription goroutine; the server supports any number of
// concurrent subscribers per resource.
func (c *Client) resync(ctx context.Context, rc *resourceClient) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+rc.path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Subscribe", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		rc.mu.Lock()
		rc.snapshot = nil
		rc.engine.Graph().Reset()
		rc.frontier = []version.ID{version.Root}
		rc.mu.Unlock()
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resync %s: unexpected status %d", rc.path, resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	fh, body, err := readFrame(reader)
	if err != nil {
		return err
	}
	return c.applyBootstrap(rc, fh, body)
}
