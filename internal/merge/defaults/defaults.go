// Package defaults wires the concrete merge engines into a fresh
// registry. It exists as its own package, separate from internal/merge,
// so the core registry/interface package never imports a concrete
// engine: textmerge and setmerge both import internal/merge for the
// Engine contract, and internal/merge importing them back would be a
// cycle.
package defaults

import (
	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/setmerge"
	"github.com/loomsync/loom/internal/textmerge"
)

// NewRegistry returns a Registry pre-populated with the engines the
// core requires at minimum (spec.md §4.1): text-merge, set-merge, and
// one accepted alias. "richtext-merge" is the alias: a merge type that
// existed briefly during the protocol's rich-text experiments and was
// folded back into plain text-merge, kept resolvable for older clients
// that still send it.
func NewRegistry() *merge.Registry {
	r := merge.NewRegistry()
	r.Register("text-merge", textmerge.New)
	r.Register("set-merge", setmerge.New)
	r.Alias("richtext-merge", "text-merge")
	return r
}
