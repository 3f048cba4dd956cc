package replserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/blobstore"
	"github.com/loomsync/loom/internal/config"
	mergedefaults "github.com/loomsync/loom/internal/merge/defaults"
	"github.com/loomsync/loom/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	blobs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })
	return NewServer(":0", st, mergedefaults.NewRegistry(), config.NewTunables(), blobs)
}

func TestPutThenGetTextMerge(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Merge-Type", "text-merge")
	w := httptest.NewRecorder()
	s.handleResource(w, put)
	require.Equal(t, http.StatusOK, w.Code)

	get := httptest.NewRequest(http.MethodGet, "/doc", nil)
	w = httptest.NewRecorder()
	s.handleResource(w, get)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "a-1", w.Header().Get("Version"))
	assert.Equal(t, "text-merge", w.Header().Get("Merge-Type"))
}

func TestGetUnknownResourceReturns404(t *testing.T) {
	s := newTestServer(t)
	get := httptest.NewRequest(http.MethodGet, "/missing", nil)
	w := httptest.NewRecorder()
	s.handleResource(w, get)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutMissingVersionHeaderIsMalformed(t *testing.T) {
	s := newTestServer(t)
	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Merge-Type", "text-merge")
	w := httptest.NewRecorder()
	s.handleResource(w, put)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutUnsupportedMergeTypeReturns415(t *testing.T) {
	s := newTestServer(t)
	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Merge-Type", "video-merge")
	w := httptest.NewRecorder()
	s.handleResource(w, put)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestPutWithStaleParentsReturnsReborn(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Parents", "b-9")
	put.Header.Set("Merge-Type", "text-merge")
	w := httptest.NewRecorder()
	s.handleResource(w, put)
	assert.Equal(t, StatusReborn, w.Code)
}

func TestPutWithMissingParentsReturns409(t *testing.T) {
	s := newTestServer(t)

	first := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	first.Header.Set("Version", "a-1")
	first.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("world"))
	second.Header.Set("Version", "a-2")
	second.Header.Set("Parents", "a-99")
	second.Header.Set("Merge-Type", "text-merge")
	w := httptest.NewRecorder()
	s.handleResource(w, second)
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "missing_parents")
}

func TestHandleVersionsServesGraph(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), put)

	w := httptest.NewRecorder()
	s.handleResource(w, httptest.NewRequest(http.MethodGet, "/doc/versions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a-1")
}

func TestHandleRebornResetsHistory(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), put)

	reborn := httptest.NewRequest(http.MethodPost, "/doc/_reborn", strings.NewReader(`"reset"`))
	w := httptest.NewRecorder()
	s.handleResource(w, reborn)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.handleResource(w, httptest.NewRequest(http.MethodGet, "/doc", nil))
	assert.Equal(t, "reset", w.Body.String())
	assert.Equal(t, "ROOT", w.Header().Get("Version"))
}

func TestBlobPutThenGetRoundTrips(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPost, "/_blobs", strings.NewReader("blob bytes"))
	put.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.handleBlobsOrUnavailable(w, put)
	require.Equal(t, http.StatusCreated, w.Code)
	hash := w.Body.String()
	require.NotEmpty(t, hash)

	get := httptest.NewRequest(http.MethodGet, "/_blobs/"+hash, nil)
	w = httptest.NewRecorder()
	s.handleBlobsOrUnavailable(w, get)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "blob bytes", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestBlobGetMissingHashReturns404(t *testing.T) {
	s := newTestServer(t)
	get := httptest.NewRequest(http.MethodGet, "/_blobs/deadbeef", nil)
	w := httptest.NewRecorder()
	s.handleBlobsOrUnavailable(w, get)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBlobPutIsIdempotentByHash(t *testing.T) {
	s := newTestServer(t)

	first := httptest.NewRequest(http.MethodPost, "/_blobs", strings.NewReader("same bytes"))
	w1 := httptest.NewRecorder()
	s.handleBlobsOrUnavailable(w1, first)
	require.Equal(t, http.StatusCreated, w1.Code)

	second := httptest.NewRequest(http.MethodPost, "/_blobs", strings.NewReader("same bytes"))
	w2 := httptest.NewRecorder()
	s.handleBlobsOrUnavailable(w2, second)
	require.Equal(t, http.StatusCreated, w2.Code)

	assert.Equal(t, w1.Body.String(), w2.Body.String())
}

// TestPutConcurrentSiblingsRebaseOffsets reproduces spec.md §8 scenario
// 4 through the real HTTP PUT pipeline: two clients concurrently PUT
// against the same parent a-2; the second one's offsets must be
// rebased past the first's already-applied patch.
func TestPutConcurrentSiblingsRebaseOffsets(t *testing.T) {
	s := newTestServer(t)

	seed := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello world"))
	seed.Header.Set("Version", "a-2")
	seed.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), seed)

	a3 := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader(`[{"start":0,"end":0,"content":"A"}]`))
	a3.Header.Set("Version", "a-3")
	a3.Header.Set("Parents", "a-2")
	a3.Header.Set("Merge-Type", "text-merge")
	a3.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleResource(w, a3)
	require.Equal(t, http.StatusOK, w.Code)

	b1 := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader(`[{"start":11,"end":11,"content":"B"}]`))
	b1.Header.Set("Version", "b-1")
	b1.Header.Set("Parents", "a-2")
	b1.Header.Set("Merge-Type", "text-merge")
	b1.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	s.handleResource(w, b1)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.handleResource(w, httptest.NewRequest(http.MethodGet, "/doc", nil))
	assert.Equal(t, "Ahello worldB", w.Body.String())
}

// TestPutOmittingMergeTypeFallsBackToPersisted reproduces spec.md §8
// scenario 2's worked PUT, which carries no Merge-Type header at all:
// a follow-up write must resolve against the resource's already
// persisted merge_type rather than being rejected as malformed.
func TestPutOmittingMergeTypeFallsBackToPersisted(t *testing.T) {
	s := newTestServer(t)

	first := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	first.Header.Set("Version", "a-1")
	first.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader(`[{"start":5,"end":5,"content":" world"}]`))
	second.Header.Set("Version", "a-2")
	second.Header.Set("Parents", "a-1")
	second.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleResource(w, second)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.handleResource(w, httptest.NewRequest(http.MethodGet, "/doc", nil))
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "text-merge", w.Header().Get("Merge-Type"))
}

func TestPutPatchAgainstExistingParentSucceeds(t *testing.T) {
	s := newTestServer(t)

	put := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader("hello"))
	put.Header.Set("Version", "a-1")
	put.Header.Set("Merge-Type", "text-merge")
	s.handleResource(httptest.NewRecorder(), put)

	patchBody := `[{"start":5,"end":5,"content":" world"}]`
	second := httptest.NewRequest(http.MethodPut, "/doc", strings.NewReader(patchBody))
	second.Header.Set("Version", "a-2")
	second.Header.Set("Parents", "a-1")
	second.Header.Set("Merge-Type", "text-merge")
	second.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleResource(w, second)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.handleResource(w, httptest.NewRequest(http.MethodGet, "/doc", nil))
	assert.Equal(t, "hello world", w.Body.String())
}
