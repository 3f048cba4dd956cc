package setmerge

import (
	"encoding/json"

	"github.com/loomsync/loom/internal/version"
)

// stateDTO is the on-disk shape of a State, used by internal/store to
// persist a resource record across restarts.
type stateDTO struct {
	Elements []elementDTO `json:"elements"`
}

type elementDTO struct {
	Path        string        `json:"path"`
	ID          string        `json:"id"`
	PresenceTag Tag           `json:"presence_tag"`
	Live        bool          `json:"live"`
	Revisions   []revisionDTO `json:"revisions"`
}

type revisionDTO struct {
	Version version.ID      `json:"version"`
	Parents []version.ID    `json:"parents"`
	Tag     Tag             `json:"tag"`
	Body    json.RawMessage `json:"body"`
	Rank    string          `json:"rank,omitempty"`
}

// MarshalJSON serializes the full internal state (presence records and
// per-element revision chains), not just the materialized live view,
// so a later ApplyUpdate can still resolve concurrent edits correctly
// after a restart.
func (s *State) MarshalJSON() ([]byte, error) {
	dto := stateDTO{}
	for key, rec := range s.elements {
		elem := elementDTO{
			Path: key.path, ID: key.id,
			PresenceTag: rec.presenceTag, Live: rec.live,
		}
		for _, v := range rec.chain.Nodes() {
			elem.Revisions = append(elem.Revisions, revisionDTO{
				Version: v,
				Parents: rec.chain.Parents(v),
				Tag:     rec.tagByRev[v],
				Body:    rec.bodyByRev[v],
				Rank:    rec.rankByRev[v],
			})
		}
		dto.Elements = append(dto.Elements, elem)
	}
	return json.Marshal(dto)
}

// UnmarshalJSON reconstructs a State from MarshalJSON's output,
// rebuilding each element's revision chain in parent-before-child
// order so version.Graph.Add never sees an unknown parent.
func (s *State) UnmarshalJSON(data []byte) error {
	var dto stateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	s.elements = map[elementKey]*elementRecord{}
	for _, elem := range dto.Elements {
		rec := newElementRecord()
		rec.presenceTag = elem.PresenceTag
		rec.live = elem.Live

		remaining := elem.Revisions
		for len(remaining) > 0 {
			progressed := false
			var next []revisionDTO
			for _, rv := range remaining {
				if !allParentsKnown(rec.chain, rv.Parents) {
					next = append(next, rv)
					continue
				}
				if err := rec.chain.Add(rv.Version, rv.Parents); err != nil {
					return err
				}
				rec.bodyByRev[rv.Version] = rv.Body
				rec.tagByRev[rv.Version] = rv.Tag
				rec.rankByRev[rv.Version] = rv.Rank
				progressed = true
			}
			if !progressed {
				break // stragglers with a parent this record never saw; drop them
			}
			remaining = next
		}

		s.elements[elementKey{path: elem.Path, id: elem.ID}] = rec
	}
	return nil
}

func allParentsKnown(g *version.Graph, parents []version.ID) bool {
	for _, p := range parents {
		if !g.Has(p) {
			return false
		}
	}
	return true
}
