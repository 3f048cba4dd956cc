package store_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/store"
	"github.com/loomsync/loom/internal/version"
)

func v(agent string, seq uint64) version.ID { return version.ID{Agent: agent, Seq: seq} }

func TestLoadUnknownResourceReturnsErrUnknownResource(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("/docs/readme")
	assert.ErrorIs(t, err, store.ErrUnknownResource)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := store.NewRecord("/docs/readme", "text-merge")
	rec, err = s.Append(rec, v("a", 1), nil, json.RawMessage(`"hello"`), "text-merge", 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(rec))

	loaded, err := s.Load("/docs/readme")
	require.NoError(t, err)
	assert.Equal(t, "text-merge", loaded.MergeType)
	assert.JSONEq(t, `"hello"`, string(loaded.Value))
	assert.Equal(t, []version.ID{v("a", 1)}, loaded.Frontier)
	assert.True(t, loaded.Graph.Has(v("a", 1)))
}

func TestValidateParentsOkOnFreshResourceWithNoParents(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	assert.NoError(t, s.ValidateParents(rec, nil))
	assert.NoError(t, s.ValidateParents(rec, []version.ID{version.Root}))
}

func TestValidateParentsRebornRequiredOnEmptyGraphWithParents(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	err := s.ValidateParents(rec, []version.ID{v("a", 1)})
	assert.ErrorIs(t, err, store.ErrRebornRequired)
}

func TestValidateParentsMissingParentsWhenGraphNonEmpty(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	rec, err := s.Append(rec, v("a", 1), nil, json.RawMessage(`"v1"`), "text-merge", 0, nil)
	require.NoError(t, err)

	err = s.ValidateParents(rec, []version.ID{v("a", 99)})
	var missingErr *store.MissingParentsError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, []version.ID{v("a", 99)}, missingErr.Missing)
	assert.ErrorIs(t, err, store.ErrMissingParents)
}

func TestValidateParentsOkWhenDeclaredParentsAreFrontier(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	rec, err := s.Append(rec, v("a", 1), nil, json.RawMessage(`"v1"`), "text-merge", 0, nil)
	require.NoError(t, err)

	assert.NoError(t, s.ValidateParents(rec, []version.ID{v("a", 1)}))
}

func TestRebornResetsGraphAndFrontier(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	rec, err := s.Append(rec, v("a", 1), nil, json.RawMessage(`"v1"`), "text-merge", 0, nil)
	require.NoError(t, err)

	rec = s.Reborn(rec, json.RawMessage(`"reset"`))
	assert.Equal(t, []version.ID{version.Root}, rec.Frontier)
	assert.False(t, rec.Graph.Has(v("a", 1)))
	assert.JSONEq(t, `"reset"`, string(rec.Value))

	// a subsequent PUT declaring the old frontier must now require reborn handling.
	err = s.ValidateParents(rec, []version.ID{v("a", 1)})
	assert.ErrorIs(t, err, store.ErrRebornRequired)
}

func TestAppendPrunesBeyondKeepGenerations(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	rec := store.NewRecord("/x", "text-merge")
	rec, err := s.Append(rec, v("a", 1), nil, json.RawMessage(`"v1"`), "text-merge", 1, nil)
	require.NoError(t, err)
	rec, err = s.Append(rec, v("a", 2), []version.ID{v("a", 1)}, json.RawMessage(`"v2"`), "text-merge", 1, nil)
	require.NoError(t, err)
	rec, err = s.Append(rec, v("a", 3), []version.ID{v("a", 2)}, json.RawMessage(`"v3"`), "text-merge", 1, nil)
	require.NoError(t, err)

	assert.False(t, rec.Graph.Has(v("a", 1)), "a-1 should have been pruned beyond the 1-generation keep depth")
	assert.True(t, rec.Graph.Has(v("a", 2)))
	assert.True(t, rec.Graph.Has(v("a", 3)))
}

func TestWithLockSerializesAccess(t *testing.T) {
	s, _ := store.Open(t.TempDir())
	var order []int
	err := s.WithLock("/x", func() error {
		order = append(order, 1)
		return nil
	})
	require.NoError(t, err)
	err = s.WithLock("/x", func() error {
		order = append(order, 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)
}
