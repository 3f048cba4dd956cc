// Package setmerge implements the set-merge engine (C3): a CRDT for
// JSON objects whose leaves are sets of elements tagged by stable
// identity (spec.md §4.3). Snapshots are *State values; patches are
// structural add/remove operations rather than text ranges.
package setmerge

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/util/sanitize"
	"github.com/loomsync/loom/internal/version"
)

// Tag carries the (timestamp, agent_id) pair used to break ties between
// concurrent operations on the same element, per spec.md §4.3.
type Tag struct {
	Timestamp int64  `json:"timestamp"`
	AgentID   string `json:"agent_id"`
}

// wins reports whether t should replace existing under last-write-wins:
// higher timestamp wins; ties break toward the higher agent_id.
func (t Tag) wins(existing Tag) bool {
	if t.Timestamp != existing.Timestamp {
		return t.Timestamp > existing.Timestamp
	}
	return t.AgentID > existing.AgentID
}

// Patch is a single structural operation against one element of one
// field. Add introduces or edits an element: a brand-new element has
// RevisionParents of {version.Root}; an edit's RevisionParents name the
// prior revision(s)' versions. Remove retires the element entirely.
type Patch struct {
	Op              string          `json:"op"` // "add" | "remove"
	Path            string          `json:"path"`
	ID              string          `json:"id"`
	Version         version.ID      `json:"version"`
	RevisionParents []version.ID    `json:"revision_parents,omitempty"`
	Tag             Tag             `json:"tag"`
	Body            json.RawMessage `json:"body,omitempty"`
	Rank            string          `json:"rank,omitempty"`
}

// Element is the materialized, effective view of one live set member.
type Element struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Version version.ID      `json:"version"`
	Rank    string          `json:"rank,omitempty"`
}

// State is the snapshot type this engine hands back to the resource
// store. Fields maps a field path to its set of elements, each tracked
// by a presence record (the add/remove LWW battle) and a revision
// chain (for edits).
type State struct {
	elements map[elementKey]*elementRecord
}

type elementKey struct {
	path string
	id   string
}

type elementRecord struct {
	presenceTag Tag
	live        bool
	chain       *version.Graph
	bodyByRev   map[version.ID]json.RawMessage
	tagByRev    map[version.ID]Tag
	rankByRev   map[version.ID]string
}

// NewState returns an empty set-merge snapshot.
func NewState() *State {
	return &State{elements: map[elementKey]*elementRecord{}}
}

func newElementRecord() *elementRecord {
	return &elementRecord{
		chain:     version.NewGraph(),
		bodyByRev: map[version.ID]json.RawMessage{},
		tagByRev:  map[version.ID]Tag{},
		rankByRev: map[version.ID]string{},
	}
}

// Fields materializes the current live view: field path -> live
// elements, ordered by Rank (lexical) when set, falling back to ID.
func (s *State) Fields() map[string][]Element {
	out := map[string][]Element{}
	for key, rec := range s.elements {
		if !rec.live {
			continue
		}
		elem, ok := rec.effective()
		if !ok {
			continue
		}
		elem.ID = key.id
		out[key.path] = append(out[key.path], elem)
	}
	for path := range out {
		elems := out[path]
		sort.Slice(elems, func(i, j int) bool {
			if elems[i].Rank != elems[j].Rank {
				return elems[i].Rank < elems[j].Rank
			}
			return elems[i].ID < elems[j].ID
		})
		out[path] = elems
	}
	return out
}

// effective resolves the revision chain's frontier to a single
// winning revision: spec.md §4.3 "selecting the revision whose version
// set is the frontier of the per-element chain graph". When concurrent
// edits leave more than one frontier member, the highest Tag wins —
// the same LWW rule used for add/remove (documented design decision,
// see DESIGN.md).
func (rec *elementRecord) effective() (Element, bool) {
	frontier := rec.chain.Frontier()
	var best version.ID
	var bestTag Tag
	found := false
	for _, v := range frontier {
		if v.IsRoot() {
			continue
		}
		tag := rec.tagByRev[v]
		if !found || tag.wins(bestTag) {
			best, bestTag, found = v, tag, true
		}
	}
	if !found {
		return Element{}, false
	}
	return Element{Body: rec.bodyByRev[best], Version: best, Rank: rec.rankByRev[best]}, true
}

// Engine is a per-resource set-merge instance bound to one agent.
type Engine struct {
	mu    sync.Mutex
	agent string
	seq   uint64
	graph *version.Graph
}

// New constructs a fresh engine for agentID. Registered under the name "set-merge".
func New(agentID string) merge.Engine {
	return &Engine{agent: agentID, graph: version.NewGraph()}
}

func (e *Engine) NextVersion() version.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return version.ID{Agent: e.agent, Seq: e.seq}
}

func (e *Engine) Frontier() []version.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Frontier()
}

func (e *Engine) Graph() *version.Graph {
	return e.graph
}

// SetGraph replaces the engine's internal version graph, letting a
// server-side instance share the resource store's authoritative graph
// rather than tracking a duplicate copy.
func (e *Engine) SetGraph(g *version.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = g
}

// DecodeSnapshot parses a persisted resource value into a *State. A
// JSON-null value (a never-written resource) decodes to an empty State.
func (e *Engine) DecodeSnapshot(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewState(), nil
	}
	state := NewState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("setmerge: decode snapshot: %w", err)
	}
	return state, nil
}

// EncodeSnapshot serializes a *State snapshot back to its persisted form.
func (e *Engine) EncodeSnapshot(snapshot any) (json.RawMessage, error) {
	state, _ := snapshot.(*State)
	if state == nil {
		state = NewState()
	}
	return json.Marshal(state)
}

// Materialize renders the flattened live-element view for snapshot
// (spec.md §6: "content-type of the resource (... or application/json),
// body is the full value"), discarding tombstones and superseded
// revisions that EncodeSnapshot would otherwise retain.
func (e *Engine) Materialize(snapshot any) (string, []byte, error) {
	state, _ := snapshot.(*State)
	if state == nil {
		state = NewState()
	}
	body, err := json.Marshal(state.Fields())
	if err != nil {
		return "", nil, fmt.Errorf("setmerge: materialize: %w", err)
	}
	return "application/json", body, nil
}

// ApplyUpdate merges update into snapshot (a *State, or nil for an
// EMPTY resource).
func (e *Engine) ApplyUpdate(snapshot any, update merge.Update) (merge.ApplyResult, error) {
	state, _ := snapshot.(*State)
	if state == nil {
		state = NewState()
	}

	e.mu.Lock()
	known := e.graph.Has(update.Version)
	if !known {
		if err := e.graph.Add(update.Version, update.Parents); err != nil {
			e.mu.Unlock()
			return merge.ApplyResult{}, err
		}
	}
	e.mu.Unlock()

	if known {
		return merge.ApplyResult{Snapshot: state}, nil
	}

	var patches []Patch
	var err error
	switch {
	case update.State != nil:
		patches, err = decodePatches(update.State)
	default:
		patches, err = rawToPatches(update.Patches)
	}
	if err != nil {
		return merge.ApplyResult{}, err
	}

	for _, p := range patches {
		applyPatch(state, p)
	}

	emitted, err := patchesToRaw(patches)
	if err != nil {
		return merge.ApplyResult{}, err
	}
	return merge.ApplyResult{Snapshot: state, Emitted: emitted}, nil
}

func applyPatch(state *State, p Patch) {
	key := elementKey{path: p.Path, id: p.ID}
	rec, ok := state.elements[key]
	if !ok {
		rec = newElementRecord()
		state.elements[key] = rec
	}

	live := p.Op == "add"
	if !ok || p.Tag.wins(rec.presenceTag) || p.Tag == rec.presenceTag {
		rec.presenceTag = p.Tag
		rec.live = live
	}

	if p.Op != "add" {
		return
	}

	p.Body = sanitizeBody(p.Body)

	parents := p.RevisionParents
	if len(parents) == 0 {
		parents = []version.ID{version.Root}
	}
	if !rec.chain.Has(p.Version) {
		// A revision's parents may reference earlier revisions pruned
		// from this record's chain only in pathological replays; in
		// practice the chain mirrors the resource's own causal graph
		// depth, so missing parents here indicate a genuinely
		// out-of-order delivery and the patch is dropped rather than
		// panicking the resource.
		if err := rec.chain.Add(p.Version, parents); err != nil {
			return
		}
	}
	rec.bodyByRev[p.Version] = p.Body
	rec.tagByRev[p.Version] = p.Tag
	rec.rankByRev[p.Version] = p.Rank
}

// DerivePatches computes the add/remove patches that turn prev into
// next, by diffing their element records directly (both are *State).
func (e *Engine) DerivePatches(prev, next any) ([]json.RawMessage, error) {
	prevState, _ := prev.(*State)
	nextState, _ := next.(*State)
	if prevState == nil {
		prevState = NewState()
	}
	if nextState == nil {
		nextState = NewState()
	}

	var patches []Patch
	for key, rec := range nextState.elements {
		prior, hadPrior := prevState.elements[key]
		if hadPrior && prior.live == rec.live && prior.presenceTag == rec.presenceTag {
			continue
		}
		if rec.live {
			elem, ok := rec.effective()
			if !ok {
				continue
			}
			patches = append(patches, Patch{
				Op: "add", Path: key.path, ID: key.id,
				Version: elem.Version, Tag: rec.presenceTag,
				Body: elem.Body, Rank: elem.Rank,
			})
		} else {
			patches = append(patches, Patch{
				Op: "remove", Path: key.path, ID: key.id, Tag: rec.presenceTag,
			})
		}
	}
	return patchesToRaw(patches)
}

func patchesToRaw(patches []Patch) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(patches))
	for i, p := range patches {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func rawToPatches(raw []json.RawMessage) ([]Patch, error) {
	out := make([]Patch, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("setmerge: malformed patch: %w", err)
		}
	}
	return out, nil
}

func decodePatches(raw []byte) ([]Patch, error) {
	var patches []Patch
	if err := json.Unmarshal(raw, &patches); err != nil {
		return nil, fmt.Errorf("setmerge: malformed full-state body: %w", err)
	}
	return patches, nil
}

// sanitizeBody strips HTML markup from a body that is a JSON string
// (the chat-message shape); bodies of any other JSON type (objects,
// numbers, arrays of attachment references) pass through untouched.
func sanitizeBody(body json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return body
	}
	clean, err := json.Marshal(sanitize.HTML(s))
	if err != nil {
		return body
	}
	return clean
}
