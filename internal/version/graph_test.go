package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/version"
)

func id(agent string, seq uint64) version.ID {
	return version.ID{Agent: agent, Seq: seq}
}

func TestNewGraphFrontierIsRoot(t *testing.T) {
	g := version.NewGraph()
	assert.Equal(t, []version.ID{version.Root}, g.Frontier())
}

func TestAddLinear(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	assert.Equal(t, []version.ID{id("a", 1)}, g.Frontier())

	require.NoError(t, g.Add(id("a", 2), []version.ID{id("a", 1)}))
	assert.Equal(t, []version.ID{id("a", 2)}, g.Frontier())
}

func TestAddConcurrentBranches(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	require.NoError(t, g.Add(id("a", 2), []version.ID{id("a", 1)}))

	require.NoError(t, g.Add(id("a", 3), []version.ID{id("a", 2)}))
	require.NoError(t, g.Add(id("b", 1), []version.ID{id("a", 2)}))

	got := g.Frontier()
	assert.ElementsMatch(t, []version.ID{id("a", 3), id("b", 1)}, got)
}

func TestNodesExcludesRoot(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	require.NoError(t, g.Add(id("a", 2), []version.ID{id("a", 1)}))
	assert.Equal(t, []version.ID{id("a", 1), id("a", 2)}, g.Nodes())
}

func TestAddUnknownParent(t *testing.T) {
	g := version.NewGraph()
	err := g.Add(id("a", 1), []version.ID{id("x", 99)})
	assert.ErrorIs(t, err, version.ErrUnknownParent)
}

func TestAddIdempotent(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	assert.Equal(t, 2, g.Size())
}

func TestCovers(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	missing := g.Covers([]version.ID{id("a", 1), id("a", 99)})
	assert.Equal(t, []version.ID{id("a", 99)}, missing)
}

func TestReset(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	g.Reset()
	assert.Equal(t, []version.ID{version.Root}, g.Frontier())
	assert.Equal(t, 1, g.Size())
}

func TestPruneKeepsAncestryOfFrontier(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	require.NoError(t, g.Add(id("a", 2), []version.ID{id("a", 1)}))
	require.NoError(t, g.Add(id("a", 3), []version.ID{id("a", 2)}))

	pruned := g.Prune(1)
	assert.Contains(t, pruned, id("a", 1))
	assert.False(t, g.Has(id("a", 1)))
	assert.True(t, g.Has(id("a", 2)))
	assert.True(t, g.Has(id("a", 3)))

	missing := g.Covers([]version.ID{id("a", 1)})
	assert.Equal(t, []version.ID{id("a", 1)}, missing)
}

func TestSeedReplacesFrontierWithGivenNodes(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	require.NoError(t, g.Add(id("a", 2), []version.ID{id("a", 1)}))

	g.Seed([]version.ID{id("b", 7), id("c", 3)})
	assert.ElementsMatch(t, []version.ID{id("b", 7), id("c", 3)}, g.Frontier())
	assert.False(t, g.Has(id("a", 1)))

	// Seeded nodes accept a new child declaring them as parents, even
	// though their own history was never replayed.
	require.NoError(t, g.Add(id("b", 8), []version.ID{id("b", 7), id("c", 3)}))
	assert.Equal(t, []version.ID{id("b", 8)}, g.Frontier())
}

func TestSeedEmptyResetsToRoot(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	g.Seed(nil)
	assert.Equal(t, []version.ID{version.Root}, g.Frontier())
}

func TestPruneZeroKeepDepthIsNoOp(t *testing.T) {
	g := version.NewGraph()
	require.NoError(t, g.Add(id("a", 1), []version.ID{version.Root}))
	// a-1 is the frontier itself; keepDepth 0 would try to prune everything
	// except what's reachable, but Prune(0) is a no-op by construction.
	pruned := g.Prune(0)
	assert.Empty(t, pruned)
	assert.True(t, g.Has(id("a", 1)))
}
