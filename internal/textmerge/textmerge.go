// Package textmerge implements the text-merge engine (C2): the ordered
// text CRDT described in spec.md §4.2. Snapshots are plain Go strings;
// patches are single contiguous-range replacements expressed in Unicode
// scalar (code-point) offsets, never bytes or UTF-16 code units.
package textmerge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/version"
)

// Patch is a single contiguous replacement: runes [Start, End) of the
// prior text are replaced by Content. Range may be empty for a pure
// insertion; Content may be empty for a pure deletion.
type Patch struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

// Engine is a per-resource text-merge instance bound to one agent. It
// tracks its own causal graph; the store hands it snapshots and persists
// whatever it returns.
type Engine struct {
	mu    sync.Mutex
	agent string
	seq   uint64
	graph *version.Graph
}

// New constructs a fresh engine for agentID. Registered under the name
// "text-merge" (merge.Registry).
func New(agentID string) merge.Engine {
	return &Engine{agent: agentID, graph: version.NewGraph()}
}

// NextVersion increments the agent's local sequence and returns the new version.
func (e *Engine) NextVersion() version.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return version.ID{Agent: e.agent, Seq: e.seq}
}

// Frontier returns the engine's current frontier.
func (e *Engine) Frontier() []version.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Frontier()
}

// Graph returns the engine's version graph.
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

// DecodeSnapshot parses a persisted resource value into the engine's
// string snapshot type. A JSON-null value (a never-written resource)
// decodes to the empty string.
func (e *Engine) DecodeSnapshot(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("textmerge: decode snapshot: %w", err)
	}
	return s, nil
}

// EncodeSnapshot serializes a string snapshot back to its persisted form.
func (e *Engine) EncodeSnapshot(snapshot any) (json.RawMessage, error) {
	s, _ := snapshot.(string)
	return json.Marshal(s)
}

// Materialize renders the plain-text GET body for snapshot (spec.md §6:
// "content-type of the resource (text/plain ...)").
func (e *Engine) Materialize(snapshot any) (string, []byte, error) {
	s, _ := snapshot.(string)
	return "text/plain; charset=utf-8", []byte(s), nil
}

// ApplyUpdate merges update into snapshot (a string, or nil for an
// EMPTY resource) and returns the resulting text plus patches to relay.
// Re-applying an already-known version is a no-op (graph.Add is
// idempotent), satisfying the engine's causal-delivery guarantee:
// an update whose parent has not yet landed is rejected by graph.Add
// with version.ErrUnknownParent, which the store surfaces as a 409.
func (e *Engine) ApplyUpdate(snapshot any, update merge.Update) (merge.ApplyResult, error) {
	prev, _ := snapshot.(string)

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
		return merge.ApplyResult{Snapshot: prev}, nil
	}

	if update.State != nil {
		next := string(update.State)
		emitted, err := e.DerivePatches(prev, next)
		if err != nil {
			return merge.ApplyResult{}, err
		}
		return merge.ApplyResult{Snapshot: next, Emitted: emitted}, nil
	}

	patches, err := decodePatches(update.Patches)
	if err != nil {
		return merge.ApplyResult{}, err
	}

	patches, err = rebasePatches(patches, update.Since)
	if err != nil {
		return merge.ApplyResult{}, err
	}

	next, err := applyPatches(prev, patches)
	if err != nil {
		return merge.ApplyResult{}, err
	}
	emitted, err := encodePatches(patches)
	if err != nil {
		return merge.ApplyResult{}, err
	}
	return merge.ApplyResult{Snapshot: next, Emitted: emitted}, nil
}

// rebasePatches transforms patches — declared against the text as it
// stood at the update's parents — forward past every sibling update
// already applied concurrently with those parents, in the order each
// sibling landed, so the resulting offsets are valid against the
// current text (spec.md §4.2, worked in §8 scenario 4: concurrent
// a-3/b-1 off a shared parent converge to "Ahello worldB", not the
// naive in-place application that clobbers b-1's intended offset).
func rebasePatches(patches []Patch, since []merge.SiblingUpdate) ([]Patch, error) {
	for _, sib := range since {
		applied, err := decodePatches(sib.Patches)
		if err != nil {
			return nil, fmt.Errorf("textmerge: decode sibling %s patches: %w", sib.Version, err)
		}
		patches = rebaseAgainst(patches, applied)
	}
	return patches, nil
}

// rebaseAgainst transforms every patch in patches past every patch in
// applied, in order. applied's own entries are already expressed with
// the running-offset convention applyPatches uses, so transforming
// sequentially (rather than against applied's original declared
// offsets) keeps multi-patch updates consistent with that convention.
func rebaseAgainst(patches, applied []Patch) []Patch {
	out := make([]Patch, len(patches))
	copy(out, patches)
	for _, a := range applied {
		for i, p := range out {
			out[i] = transformPatch(a, p)
		}
	}
	return out
}

// transformPatch adjusts incoming's offsets to account for applied
// having already replaced text[applied.Start:applied.End] with
// applied.Content. Ranges that don't overlap simply shift by the
// length delta applied introduced; overlapping ranges have no single
// correct answer, so incoming's content is anchored at the start of
// applied's replacement rather than silently dropped.
func transformPatch(applied, incoming Patch) Patch {
	delta := runeLen(applied.Content) - (applied.End - applied.Start)

	switch {
	case incoming.Start >= applied.End:
		return Patch{Start: incoming.Start + delta, End: incoming.End + delta, Content: incoming.Content}
	case incoming.End <= applied.Start:
		return incoming
	case incoming.Start >= applied.Start:
		at := applied.Start + delta
		return Patch{Start: at, End: at, Content: incoming.Content}
	default:
		return Patch{Start: incoming.Start, End: applied.Start, Content: incoming.Content}
	}
}

func runeLen(s string) int {
	return len([]rune(s))
}

// DerivePatches computes the patch sequence that turns prev into next.
// It restricts itself to a single contiguous replacement, found via
// common-prefix/common-suffix reduction over the scalar (rune) streams
// — satisfying "a minimal diff restricted to a single contiguous
// replacement when exactly one exists" directly, since that is the only
// shape this algorithm ever produces.
func (e *Engine) DerivePatches(prev, next any) ([]json.RawMessage, error) {
	prevStr, _ := prev.(string)
	nextStr, _ := next.(string)
	return derivePatches(prevStr, nextStr)
}

func derivePatches(prev, next string) ([]json.RawMessage, error) {
	p := []rune(prev)
	n := []rune(next)

	prefix := 0
	for prefix < len(p) && prefix < len(n) && p[prefix] == n[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(p)-prefix && suffix < len(n)-prefix &&
		p[len(p)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	start := prefix
	end := len(p) - suffix
	content := string(n[prefix : len(n)-suffix])

	if start == end && content == "" {
		return nil, nil // identical text, no patch needed
	}

	return encodePatches([]Patch{{Start: start, End: end, Content: content}})
}

// applyPatches applies an ordered patch sequence to text. Each patch's
// Start/End are offsets into the *original* text; a running offset
// accounts for the length delta introduced by preceding patches, per
// spec.md §4.2 ("applied left-to-right with running offset").
func applyPatches(text string, patches []Patch) (string, error) {
	runes := []rune(text)
	offset := 0
	for _, p := range patches {
		start := p.Start + offset
		end := p.End + offset
		if start < 0 || end > len(runes) || start > end {
			return "", fmt.Errorf("textmerge: patch range [%d,%d) out of bounds for text of length %d", start, end, len(runes))
		}
		content := []rune(p.Content)
		merged := make([]rune, 0, len(runes)-(end-start)+len(content))
		merged = append(merged, runes[:start]...)
		merged = append(merged, content...)
		merged = append(merged, runes[end:]...)
		runes = merged
		offset += len(content) - (end - start)
	}
	return string(runes), nil
}

func encodePatches(patches []Patch) ([]json.RawMessage, error) {
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

func decodePatches(raw []json.RawMessage) ([]Patch, error) {
	out := make([]Patch, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("textmerge: malformed patch: %w", err)
		}
	}
	return out, nil
}
