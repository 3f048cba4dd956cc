// Package merge provides the merge-type registry (C1): a process-wide
// name -> factory table producing per-resource merge engines. The
// registry never hard-codes which concrete engine answers to which
// name — new names and aliases are data, registered at startup.
package merge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomsync/loom/internal/version"
)

// Update is the envelope applied to an engine: either a full Snapshot
// (State) or an incremental set of Patches, never both.
type Update struct {
	Version version.ID
	Parents []version.ID
	State   []byte            // full snapshot, required on first ingest
	Patches []json.RawMessage // incremental patches
	// Since lists updates already applied ahead of this one that are
	// concurrent with its declared Parents (not among their
	// ancestors), in the order they were originally applied. An engine
	// whose patches carry positional offsets (text-merge) rebases its
	// incoming patch through each of these, in order, before applying
	// it (spec.md §4.2's offset-rebase rule). Engines whose merge
	// semantics don't depend on positional offsets (set-merge) ignore it.
	Since []SiblingUpdate
}

// SiblingUpdate is one already-applied update included in an Update's
// Since list.
type SiblingUpdate struct {
	Version version.ID
	Patches []json.RawMessage
}

// ApplyResult is what an engine returns from ApplyUpdate.
type ApplyResult struct {
	// Snapshot is the resource value after applying the update. Its
	// concrete type is engine-specific: string for text-merge,
	// *setmerge.State for set-merge.
	Snapshot any
	// Emitted is the normalized patch set other subscribers should be
	// sent to reproduce this update. For a State update it is the patch
	// set derived from the previous snapshot to the new one.
	Emitted []json.RawMessage
}

// Engine is the contract every merge engine implements (spec.md §4.2,
// §4.3). The two concrete engines (text-merge, set-merge) share only
// this method set — there is no common base type.
type Engine interface {
	// ApplyUpdate merges update into snapshot and returns the new
	// snapshot plus the patches to relay. Applying an already-known
	// version again is a no-op: Snapshot is returned unchanged and
	// Emitted is empty.
	ApplyUpdate(snapshot any, update Update) (ApplyResult, error)
	// DerivePatches computes the patch sequence that reproduces next
	// starting from prev.
	DerivePatches(prev, next any) ([]json.RawMessage, error)
	// NextVersion returns a fresh version for this engine's agent,
	// incrementing its local sequence.
	NextVersion() version.ID
	// Frontier returns the engine's current view of the frontier.
	Frontier() []version.ID
	// Graph returns the engine's version graph.
	Graph() *version.Graph
	// SetGraph replaces the engine's internal version graph, so a
	// server-side engine instance (constructed fresh per request) can
	// share the resource store's authoritative graph instead of
	// tracking a separate copy (internal/replserver).
	SetGraph(g *version.Graph)
	// DecodeSnapshot parses a resource record's persisted value into
	// this engine's concrete snapshot type. A nil/JSON-null raw value
	// decodes to the engine's empty snapshot.
	DecodeSnapshot(raw json.RawMessage) (any, error)
	// EncodeSnapshot serializes a snapshot back to the form persisted
	// in a resource record's value field.
	EncodeSnapshot(snapshot any) (json.RawMessage, error)
	// Materialize renders the client-facing GET body for snapshot:
	// the full text for text-merge, or the flattened live-element view
	// for set-merge. Distinct from EncodeSnapshot, which persists the
	// complete internal CRDT state (tombstones, revision chains) rather
	// than what a reader should see.
	Materialize(snapshot any) (contentType string, body []byte, err error)
}

// Factory constructs a fresh engine instance bound to agentID.
type Factory func(agentID string) Engine

// Registry is a name -> Factory table with an alias layer on top. It is
// written once at startup and read concurrently thereafter (spec.md §5
// "Merge registry: write-once during startup, read-only thereafter"),
// but the mutex makes it safe to register from tests at any time too.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string // alias -> canonical name
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
}

// Register adds or replaces the factory for a canonical merge-type name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Alias makes alias resolve to canonical. Aliases are plain
// configuration: the registry never special-cases which engine a name
// ultimately maps to (spec.md §9 Open Question).
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// ErrUnsupportedMergeType is returned by New/Canonical for a name with
// no registered factory, directly or via alias.
var ErrUnsupportedMergeType = fmt.Errorf("merge: unsupported merge type")

// Canonical resolves name through the alias table (at most one hop) and
// confirms a factory is registered for the result.
func (r *Registry) Canonical(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := name
	if target, ok := r.aliases[name]; ok {
		canonical = target
	}
	if _, ok := r.factories[canonical]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMergeType, name)
	}
	return canonical, nil
}

// New resolves name (through aliases) and constructs a fresh engine for
// agentID. It returns the canonical name actually used, since that is
// what gets persisted as the resource's merge_type.
func (r *Registry) New(name, agentID string) (Engine, string, error) {
	canonical, err := r.Canonical(name)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	factory := r.factories[canonical]
	r.mu.RUnlock()

	return factory(agentID), canonical, nil
}
