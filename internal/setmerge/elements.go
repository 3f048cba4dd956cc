package setmerge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomsync/loom/internal/lexorank"
	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/version"
)

// AddElement is the app-facing way to introduce or edit a live element:
// State's fields are unexported (the revision chain and presence tag
// are this engine's business, not the caller's), so an application
// builds its next snapshot through this method rather than constructing
// a *State by hand. When afterID is empty the element is appended to
// the end of path's current order; otherwise it is ranked immediately
// after afterID, splitting the gap to the following element with
// lexorank.Mid so concurrent inserts at the same spot still converge to
// a total order (spec.md §4.3's optional rank metadata).
func (e *Engine) AddElement(snapshot any, path, id string, body any, afterID string) (any, []json.RawMessage, error) {
	state, _ := snapshot.(*State)
	if state == nil {
		state = NewState()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("setmerge: encode element body: %w", err)
	}

	rank := e.rankAfter(state, path, afterID)
	v := e.NextVersion()
	patch := Patch{
		Op:              "add",
		Path:            path,
		ID:              id,
		Version:         v,
		RevisionParents: []version.ID{version.Root},
		Tag:             Tag{Timestamp: time.Now().UnixNano(), AgentID: e.agent},
		Body:            raw,
		Rank:            rank,
	}
	return e.applyLocal(state, v, patch)
}

// RemoveElement retires the live element (path, id), if any.
func (e *Engine) RemoveElement(snapshot any, path, id string) (any, []json.RawMessage, error) {
	state, _ := snapshot.(*State)
	if state == nil {
		state = NewState()
	}

	v := e.NextVersion()
	patch := Patch{
		Op:   "remove",
		Path: path,
		ID:   id,
		Tag:  Tag{Timestamp: time.Now().UnixNano(), AgentID: e.agent},
	}
	return e.applyLocal(state, v, patch)
}

// applyLocal feeds a locally authored patch back through ApplyUpdate so
// the engine's own version graph stays authoritative for both remotely
// and locally originated edits alike, rather than duplicating the
// bookkeeping ApplyUpdate already does.
func (e *Engine) applyLocal(state *State, v version.ID, patch Patch) (any, []json.RawMessage, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, nil, fmt.Errorf("setmerge: encode patch: %w", err)
	}
	result, err := e.ApplyUpdate(state, merge.Update{
		Version: v,
		Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{raw},
	})
	if err != nil {
		return nil, nil, err
	}
	return result.Snapshot, result.Emitted, nil
}

// rankAfter picks the lexorank for a new element on path. An empty
// afterID appends to the end; otherwise the new rank splits the gap
// between afterID and whatever currently follows it, falling back to
// an end-of-list append if afterID is unknown (already removed, or
// never existed on this replica yet).
func (e *Engine) rankAfter(state *State, path, afterID string) string {
	live := state.Fields()[path]

	if afterID != "" {
		for i, elem := range live {
			if elem.ID != afterID {
				continue
			}
			var next string
			if i+1 < len(live) {
				next = live[i+1].Rank
			}
			if next == "" {
				return lexorank.After(elem.Rank)
			}
			return lexorank.Mid(elem.Rank, next)
		}
	}

	if len(live) == 0 {
		return lexorank.First()
	}
	return lexorank.After(live[len(live)-1].Rank)
}
