package version

import "encoding/json"

// edgeDTO is the on-disk shape of one graph node: its version and the
// parents declared when it was added.
type edgeDTO struct {
	Version ID   `json:"version"`
	Parents []ID `json:"parents"`
}

// MarshalJSON serializes every node in g (other than Root) along with
// its declared parents, in deterministic order. Used by internal/store
// to persist a resource's causal graph across restarts.
func (g *Graph) MarshalJSON() ([]byte, error) {
	nodes := g.Nodes()
	edges := make([]edgeDTO, len(nodes))
	for i, v := range nodes {
		edges[i] = edgeDTO{Version: v, Parents: g.Parents(v)}
	}
	return json.Marshal(edges)
}

// UnmarshalJSON rebuilds a graph from MarshalJSON's output. Edges are
// replayed in a fixed-point loop since JSON array order does not
// guarantee a parent appears before its children.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var edges []edgeDTO
	if err := json.Unmarshal(data, &edges); err != nil {
		return err
	}

	*g = *NewGraph()
	remaining := edges
	for len(remaining) > 0 {
		progressed := false
		var next []edgeDTO
		for _, e := range remaining {
			ready := true
			for _, p := range e.Parents {
				if !g.Has(p) {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, e)
				continue
			}
			if err := g.Add(e.Version, e.Parents); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			break // stragglers whose parents never appeared; shouldn't happen in practice
		}
		remaining = next
	}
	return nil
}
