package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/version"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{"a-1", "agent-with-dashes-42", "ROOT"}
	for _, s := range cases {
		id, err := version.Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, id.String(), s)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "noseq", "a-", "-1", "a-notanumber"} {
		_, err := version.Parse(s)
		assert.ErrorIs(t, err, version.ErrMalformedVersion, s)
	}
}

func TestParseListAndJoin(t *testing.T) {
	ids, err := version.ParseList("a-1, b-2,c-3")
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "a-1, b-2, c-3", version.JoinList(ids))
}

func TestParseListEmpty(t *testing.T) {
	ids, err := version.ParseList("")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRootIsRoot(t *testing.T) {
	assert.True(t, version.Root.IsRoot())
	id, err := version.Parse("ROOT")
	require.NoError(t, err)
	assert.True(t, id.IsRoot())
}
