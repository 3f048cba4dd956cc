package setmerge_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/setmerge"
	"github.com/loomsync/loom/internal/version"
)

func v(agent string, seq uint64) version.ID { return version.ID{Agent: agent, Seq: seq} }

func addPatch(path, id string, ver version.ID, ts int64, agent, body string) json.RawMessage {
	p := setmerge.Patch{
		Op: "add", Path: path, ID: id, Version: ver,
		RevisionParents: []version.ID{version.Root},
		Tag:             setmerge.Tag{Timestamp: ts, AgentID: agent},
		Body:            json.RawMessage(body),
	}
	raw, _ := json.Marshal(p)
	return raw
}

func removePatch(path, id string, ts int64, agent string) json.RawMessage {
	p := setmerge.Patch{Op: "remove", Path: path, ID: id, Tag: setmerge.Tag{Timestamp: ts, AgentID: agent}}
	raw, _ := json.Marshal(p)
	return raw
}

func TestApplyUpdateAddsElement(t *testing.T) {
	e := setmerge.New("a")
	res, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{addPatch("messages", "m1", v("a", 1), 100, "a", `"hi"`)},
	})
	require.NoError(t, err)

	state := res.Snapshot.(*setmerge.State)
	fields := state.Fields()
	require.Len(t, fields["messages"], 1)
	assert.Equal(t, "m1", fields["messages"][0].ID)
	assert.JSONEq(t, `"hi"`, string(fields["messages"][0].Body))
}

func TestConcurrentAddOfDistinctElementsUnions(t *testing.T) {
	e := setmerge.New("a")
	res, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{
			addPatch("messages", "m1", v("a", 1), 100, "a", `"one"`),
			addPatch("messages", "m2", v("a", 1), 100, "a", `"two"`),
		},
	})
	require.NoError(t, err)
	fields := res.Snapshot.(*setmerge.State).Fields()
	assert.Len(t, fields["messages"], 2)
}

func TestConcurrentAddRemoveResolvesByHigherTag(t *testing.T) {
	e := setmerge.New("a")
	res, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{addPatch("messages", "m1", v("a", 1), 100, "a", `"hi"`)},
	})
	require.NoError(t, err)

	res, err = e.ApplyUpdate(res.Snapshot, merge.Update{
		Version: v("a", 2), Parents: []version.ID{v("a", 1)},
		Patches: []json.RawMessage{removePatch("messages", "m1", 50, "z")}, // lower timestamp, loses
	})
	require.NoError(t, err)
	fields := res.Snapshot.(*setmerge.State).Fields()
	assert.Len(t, fields["messages"], 1, "remove with lower tag must not win")

	res, err = e.ApplyUpdate(res.Snapshot, merge.Update{
		Version: v("a", 3), Parents: []version.ID{v("a", 2)},
		Patches: []json.RawMessage{removePatch("messages", "m1", 200, "z")}, // higher timestamp, wins
	})
	require.NoError(t, err)
	fields = res.Snapshot.(*setmerge.State).Fields()
	assert.Empty(t, fields["messages"])
}

func TestEditRevisionChainSelectsFrontier(t *testing.T) {
	e := setmerge.New("a")
	res, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{addPatch("messages", "m1", v("a", 1), 100, "a", `"v1"`)},
	})
	require.NoError(t, err)

	editPatch := setmerge.Patch{
		Op: "add", Path: "messages", ID: "m1", Version: v("a", 2),
		RevisionParents: []version.ID{v("a", 1)},
		Tag:             setmerge.Tag{Timestamp: 200, AgentID: "a"},
		Body:            json.RawMessage(`"v2"`),
	}
	raw, err := json.Marshal(editPatch)
	require.NoError(t, err)

	res, err = e.ApplyUpdate(res.Snapshot, merge.Update{
		Version: v("a", 2), Parents: []version.ID{v("a", 1)},
		Patches: []json.RawMessage{raw},
	})
	require.NoError(t, err)
	fields := res.Snapshot.(*setmerge.State).Fields()
	require.Len(t, fields["messages"], 1)
	assert.JSONEq(t, `"v2"`, string(fields["messages"][0].Body))
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	e := setmerge.New("a")
	update := merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{addPatch("messages", "m1", v("a", 1), 100, "a", `"hi"`)},
	}
	res, err := e.ApplyUpdate(nil, update)
	require.NoError(t, err)

	res2, err := e.ApplyUpdate(res.Snapshot, update)
	require.NoError(t, err)
	assert.Empty(t, res2.Emitted)
}

func TestApplyUpdateRejectsUnknownParent(t *testing.T) {
	e := setmerge.New("a")
	_, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 5), Parents: []version.ID{v("a", 4)},
		Patches: []json.RawMessage{addPatch("messages", "m1", v("a", 5), 1, "a", `"x"`)},
	})
	assert.ErrorIs(t, err, version.ErrUnknownParent)
}

func TestStateMarshalUnmarshalRoundTrip(t *testing.T) {
	e := setmerge.New("a")
	res, err := e.ApplyUpdate(nil, merge.Update{
		Version: v("a", 1), Parents: []version.ID{version.Root},
		Patches: []json.RawMessage{
			addPatch("messages", "m1", v("a", 1), 100, "a", `"v1"`),
			addPatch("messages", "m2", v("a", 1), 100, "a", `"tombstoned"`),
		},
	})
	require.NoError(t, err)

	editPatch := setmerge.Patch{
		Op: "add", Path: "messages", ID: "m1", Version: v("a", 2),
		RevisionParents: []version.ID{v("a", 1)},
		Tag:             setmerge.Tag{Timestamp: 200, AgentID: "a"},
		Body:            json.RawMessage(`"v2"`),
	}
	raw, err := json.Marshal(editPatch)
	require.NoError(t, err)
	res, err = e.ApplyUpdate(res.Snapshot, merge.Update{
		Version: v("a", 2), Parents: []version.ID{v("a", 1)},
		Patches: []json.RawMessage{raw},
	})
	require.NoError(t, err)

	res, err = e.ApplyUpdate(res.Snapshot, merge.Update{
		Version: v("a", 3), Parents: []version.ID{v("a", 2)},
		Patches: []json.RawMessage{removePatch("messages", "m2", 150, "z")},
	})
	require.NoError(t, err)

	before := res.Snapshot.(*setmerge.State)
	wantFields := before.Fields()

	encoded, err := json.Marshal(before)
	require.NoError(t, err)

	restored := setmerge.NewState()
	require.NoError(t, json.Unmarshal(encoded, restored))

	assert.Equal(t, wantFields, restored.Fields())

	// The restored state must still resolve future updates correctly: a
	// concurrent edit with a lower tag than the existing frontier must lose.
	staleEdit := setmerge.Patch{
		Op: "add", Path: "messages", ID: "m1", Version: v("a", 4),
		RevisionParents: []version.ID{v("a", 1)},
		Tag:             setmerge.Tag{Timestamp: 150, AgentID: "a"},
		Body:            json.RawMessage(`"stale"`),
	}
	rawStale, err := json.Marshal(staleEdit)
	require.NoError(t, err)

	res, err = e.ApplyUpdate(restored, merge.Update{
		Version: v("a", 4), Parents: []version.ID{v("a", 3)},
		Patches: []json.RawMessage{rawStale},
	})
	require.NoError(t, err)
	fields := res.Snapshot.(*setmerge.State).Fields()
	require.Len(t, fields["messages"], 1)
	assert.JSONEq(t, `"v2"`, string(fields["messages"][0].Body), "restored chain must still prefer the higher-tag frontier revision")
}

func TestDecodeSnapshotOfNullIsEmptyState(t *testing.T) {
	e := setmerge.New("a")
	snap, err := e.DecodeSnapshot(json.RawMessage("null"))
	require.NoError(t, err)
	state, ok := snap.(*setmerge.State)
	require.True(t, ok)
	assert.Empty(t, state.Fields())
}

func TestSetGraphSharesStoreGraph(t *testing.T) {
	shared := version.NewGraph()
	require.NoError(t, shared.Add(v("a", 1), []version.ID{version.Root}))

	e := setmerge.New("a")
	e.SetGraph(shared)
	assert.Equal(t, []version.ID{v("a", 1)}, e.Frontier())
}

func TestAddElementAppendsInRankOrder(t *testing.T) {
	e := setmerge.New("a").(*setmerge.Engine)

	snap, _, err := e.AddElement(nil, "items", "i1", "first", "")
	require.NoError(t, err)
	snap, _, err = e.AddElement(snap, "items", "i2", "second", "")
	require.NoError(t, err)
	snap, _, err = e.AddElement(snap, "items", "i3", "third", "")
	require.NoError(t, err)

	fields := snap.(*setmerge.State).Fields()
	require.Len(t, fields["items"], 3)
	assert.Equal(t, []string{"i1", "i2", "i3"}, []string{fields["items"][0].ID, fields["items"][1].ID, fields["items"][2].ID})
	assert.Less(t, fields["items"][0].Rank, fields["items"][1].Rank)
	assert.Less(t, fields["items"][1].Rank, fields["items"][2].Rank)
}

func TestAddElementAfterInsertsBetweenNeighbors(t *testing.T) {
	e := setmerge.New("a").(*setmerge.Engine)

	snap, _, err := e.AddElement(nil, "items", "i1", "first", "")
	require.NoError(t, err)
	snap, _, err = e.AddElement(snap, "items", "i3", "third", "")
	require.NoError(t, err)
	snap, _, err = e.AddElement(snap, "items", "i2", "second", "i1")
	require.NoError(t, err)

	fields := snap.(*setmerge.State).Fields()
	ids := []string{fields["items"][0].ID, fields["items"][1].ID, fields["items"][2].ID}
	assert.Equal(t, []string{"i1", "i2", "i3"}, ids, "i2 must land between i1 and i3 by rank")
}

func TestAddElementAfterUnknownIDFallsBackToAppend(t *testing.T) {
	e := setmerge.New("a").(*setmerge.Engine)

	snap, _, err := e.AddElement(nil, "items", "i1", "first", "")
	require.NoError(t, err)
	snap, _, err = e.AddElement(snap, "items", "i2", "second", "does-not-exist")
	require.NoError(t, err)

	fields := snap.(*setmerge.State).Fields()
	require.Len(t, fields["items"], 2)
	assert.Equal(t, "i1", fields["items"][0].ID)
	assert.Equal(t, "i2", fields["items"][1].ID)
}

func TestRemoveElementRetiresIt(t *testing.T) {
	e := setmerge.New("a").(*setmerge.Engine)

	snap, _, err := e.AddElement(nil, "items", "i1", "first", "")
	require.NoError(t, err)
	snap, emitted, err := e.RemoveElement(snap, "items", "i1")
	require.NoError(t, err)
	assert.NotEmpty(t, emitted)

	fields := snap.(*setmerge.State).Fields()
	assert.Empty(t, fields["items"])
}
