package version

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownParent is returned by Graph.Add when a declared parent is
// not present in the graph.
var ErrUnknownParent = errors.New("version: unknown parent")

// Graph is a causal DAG of versions: each node (other than Root) names
// one or more parents. The frontier is maintained incrementally as
// nodes are added, per spec.md §3: "the frontier equals the set of
// nodes with in-degree 0 when edges are drawn child->parent".
//
// Graph is not safe for concurrent use; callers serialize access (the
// resource store does this with a per-resource lock, spec.md §4.4/§5).
type Graph struct {
	parents  map[ID][]ID
	children map[ID]map[ID]struct{} // parent -> set of children, reverse index
	frontier map[ID]struct{}
}

// NewGraph returns an empty graph: just the Root node with the frontier
// {Root}.
func NewGraph() *Graph {
	g := &Graph{
		parents:  map[ID][]ID{Root: nil},
		children: map[ID]map[ID]struct{}{},
		frontier: map[ID]struct{}{Root: {}},
	}
	return g
}

// Has reports whether v is a node in the graph.
func (g *Graph) Has(v ID) bool {
	_, ok := g.parents[v]
	return ok
}

// Parents returns the declared parents of v, or nil if v is not a node
// (or is Root).
func (g *Graph) Parents(v ID) []ID {
	return append([]ID(nil), g.parents[v]...)
}

// Add inserts a new node v with the given parents. Every parent must
// already be a node in the graph. The frontier is updated: v joins it,
// and any parent that now has no childless descendant (simplification:
// any parent of v) leaves it once none of its children remain
// childless — but per spec.md §3/§4.2, declared parents are removed
// from the frontier immediately since v is itself a child of each.
func (g *Graph) Add(v ID, parents []ID) error {
	if g.Has(v) {
		return nil // idempotent: re-adding an already-known version is a no-op.
	}
	if len(parents) == 0 {
		return fmt.Errorf("version: node %s must declare at least one parent", v)
	}
	for _, p := range parents {
		if !g.Has(p) {
			return fmt.Errorf("%w: %s", ErrUnknownParent, p)
		}
	}

	g.parents[v] = append([]ID(nil), parents...)
	g.frontier[v] = struct{}{}
	for _, p := range parents {
		if g.children[p] == nil {
			g.children[p] = map[ID]struct{}{}
		}
		g.children[p][v] = struct{}{}
		delete(g.frontier, p)
	}
	return nil
}

// Frontier returns the current frontier (versions with no known
// child), in a deterministic sorted order.
func (g *Graph) Frontier() []ID {
	out := make([]ID, 0, len(g.frontier))
	for v := range g.frontier {
		out = append(out, v)
	}
	sortIDs(out)
	return out
}

// Covers returns the versions in parents that are not nodes in the
// graph (Root always is one); an empty result means all are. Used by validate_parents (spec.md §4.4) to
// distinguish "unknown parent" from "plausible pruned ancestor".
func (g *Graph) Covers(parents []ID) (missing []ID) {
	for _, p := range parents {
		if !g.Has(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Size returns the number of nodes, including Root.
func (g *Graph) Size() int {
	return len(g.parents)
}

// Nodes returns every version in the graph other than Root, in a
// deterministic sorted order. Used to serialize a graph to persistent
// storage (internal/store) or to a per-element revision chain DTO
// (internal/setmerge).
func (g *Graph) Nodes() []ID {
	out := make([]ID, 0, len(g.parents))
	for v := range g.parents {
		if v.IsRoot() {
			continue
		}
		out = append(out, v)
	}
	sortIDs(out)
	return out
}

// Reset empties the graph back to just {Root}, as performed by a
// reborn (spec.md §4.5).
func (g *Graph) Reset() {
	g.parents = map[ID][]ID{Root: nil}
	g.children = map[ID]map[ID]struct{}{}
	g.frontier = map[ID]struct{}{Root: {}}
}

// Prune removes nodes whose entire descendant set lies beyond keepDepth
// generations from the current frontier, as long as no frontier member
// still names them as a direct parent (spec.md §4.4, §12). It returns
// the set of version IDs that were pruned; their entries remain absent
// from the graph afterward, so a later Covers() call reports them as
// missing (triggering MissingParents, not RebornRequired).
func (g *Graph) Prune(keepDepth int) []ID {
	if keepDepth <= 0 {
		return nil
	}

	// BFS backward from the frontier, keeping nodes within keepDepth
	// generations.
	keep := map[ID]struct{}{}
	frontier := g.Frontier()
	level := make(map[ID]struct{}, len(frontier))
	for _, v := range frontier {
		level[v] = struct{}{}
	}
	for depth := 0; depth <= keepDepth && len(level) > 0; depth++ {
		next := map[ID]struct{}{}
		for v := range level {
			keep[v] = struct{}{}
			for _, p := range g.parents[v] {
				next[p] = struct{}{}
			}
		}
		level = next
	}
	keep[Root] = struct{}{}

	var pruned []ID
	for v := range g.parents {
		if _, ok := keep[v]; ok {
			continue
		}
		// Never prune a node still named directly by a live frontier member.
		if g.namedByFrontier(v) {
			continue
		}
		pruned = append(pruned, v)
	}

	for _, v := range pruned {
		delete(g.parents, v)
		delete(g.children, v)
		delete(g.frontier, v)
	}
	sortIDs(pruned)
	return pruned
}

// Seed resets the graph and directly registers frontier as its sole
// known nodes, with no recorded parents of their own. A sync client
// bootstrapping from a server-sent snapshot (spec.md §4.6) never
// replays the full causal history behind that snapshot's frontier —
// Seed gives its local graph just enough to validate that its own next
// write's declared Parents are known, without reconstructing history
// the server itself may have already pruned.
func (g *Graph) Seed(frontier []ID) {
	g.Reset()
	if len(frontier) == 0 {
		return
	}
	delete(g.frontier, Root)
	for _, v := range frontier {
		if v.IsRoot() {
			g.frontier[Root] = struct{}{}
			continue
		}
		g.parents[v] = nil
		g.frontier[v] = struct{}{}
	}
}

// Ancestors returns every version reachable by walking parents backward
// from ids, including ids themselves and Root. Used by the replication
// server to tell which already-applied updates are concurrent with a
// new write's declared parents (spec.md §4.2's offset-rebase rule):
// anything applied but absent from this set diverged after the new
// write's causal view and must be rebased against.
func (g *Graph) Ancestors(ids []ID) map[ID]struct{} {
	seen := map[ID]struct{}{}
	queue := append([]ID(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, g.parents[id]...)
	}
	return seen
}

func (g *Graph) namedByFrontier(v ID) bool {
	for f := range g.frontier {
		for _, p := range g.parents[f] {
			if p == v {
				return true
			}
		}
	}
	return false
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Agent != ids[j].Agent {
			return ids[i].Agent < ids[j].Agent
		}
		return ids[i].Seq < ids[j].Seq
	})
}
