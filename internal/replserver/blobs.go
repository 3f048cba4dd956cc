package replserver

import (
	"io"
	"net/http"
	"strings"

	"github.com/loomsync/loom/internal/blobstore"
)

// handleBlobsOrUnavailable guards handleBlobs for a server started
// without a blob store root configured.
func (s *Server) handleBlobsOrUnavailable(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		http.Error(w, "blob store not configured", http.StatusServiceUnavailable)
		return
	}
	s.handleBlobs(w, r)
}

// handleBlobs serves the content-addressed blob store (C7, spec.md
// §4.7) at /_blobs: POST stores a new blob and returns its hash, GET
// /_blobs/<hash> streams it back with its stored content type.
func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/_blobs"), "/")

	switch r.Method {
	case http.MethodPost:
		if hash != "" {
			http.Error(w, "POST /_blobs does not take a hash suffix", http.StatusBadRequest)
			return
		}
		s.handleBlobPut(w, r)
	case http.MethodGet, http.MethodHead:
		if hash == "" {
			http.Error(w, "missing blob hash", http.StatusBadRequest)
			return
		}
		s.handleBlobGet(w, r, hash)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, blobMaxSize))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := s.blobs.Put(data, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "put blob: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(hash))
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request, hash string) {
	if r.Method == http.MethodHead {
		meta, err := s.blobs.Head(hash)
		if err != nil {
			writeBlobError(w, err)
			return
		}
		w.Header().Set("Content-Type", meta.ContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	data, contentType, err := s.blobs.Get(hash)
	if err != nil {
		writeBlobError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

func writeBlobError(w http.ResponseWriter, err error) {
	if err == blobstore.ErrNotFound {
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// blobMaxSize bounds a single blob upload; spec.md doesn't name a limit,
// this keeps a misbehaving client from exhausting server memory on one
// request.
const blobMaxSize = 64 << 20
