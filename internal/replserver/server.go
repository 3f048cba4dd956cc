// Package replserver implements the replication server (C5): the HTTP
// surface described in spec.md §4.5/§6, wired on top of internal/store
// (per-resource persistence), internal/merge (engine selection), and
// internal/replserver/fanout (subscriber broadcast).
package replserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomsync/loom/internal/blobstore"
	"github.com/loomsync/loom/internal/config"
	"github.com/loomsync/loom/internal/logging"
	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/metrics"
	"github.com/loomsync/loom/internal/replserver/fanout"
	"github.com/loomsync/loom/internal/store"
)

// StatusReborn is the custom status code for a history reset (spec.md §4.5, §6).
const StatusReborn = 309

// Server is the replication server: one HTTP listener serving every
// resource path under a single store root.
type Server struct {
	addr       string
	store      *store.Store
	registry   *merge.Registry
	tunables   *config.Tunables
	fanout     *fanout.Hub
	events     *eventBus
	blobs      *blobstore.Store
	httpServer *http.Server
}

// NewServer builds a Server listening on addr, backed by st and
// resolving merge types through registry. blobs may be nil, in which
// case /_blobs responds 503 (a server run without a configured blob
// store root).
func NewServer(addr string, st *store.Store, registry *merge.Registry, tunables *config.Tunables, blobs *blobstore.Store) *Server {
	s := &Server{
		addr:     addr,
		store:    st,
		registry: registry,
		tunables: tunables,
		fanout:   fanout.New(256),
		events:   newEventBus(),
		blobs:    blobs,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/_admin/events", s.handleAdminEvents)
	mux.HandleFunc("/_blobs/", s.handleBlobsOrUnavailable)
	mux.HandleFunc("/_blobs", s.handleBlobsOrUnavailable)
	mux.HandleFunc("/", s.handleResource)

	handler := logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's top-level http.Handler, for embedding in
// an httptest.Server or another process's mux instead of binding a
// socket via Serve.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve listens on the server's address and blocks until ctx is
// cancelled, then performs a graceful shutdown (mirrors the teacher's
// hub.Server.Serve).
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("replserver: listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("replication server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("replication server listening", "addr", s.addr)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("replserver: serve: %w", err)
	}
	<-shutdownDone
	return nil
}

// handleResource dispatches a request against an arbitrary resource
// path, distinguishing the /versions and /_reborn suffixed operations
// from a plain GET/PUT (spec.md §4.5).
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/versions") && r.Method == http.MethodGet:
		s.handleVersions(w, r, strings.TrimSuffix(path, "/versions"))
	case strings.HasSuffix(path, "/_reborn") && r.Method == http.MethodPost:
		s.handleReborn(w, r, strings.TrimSuffix(path, "/_reborn"))
	case r.Method == http.MethodGet:
		s.handleGet(w, r, path)
	case r.Method == http.MethodPut:
		s.handlePut(w, r, path)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
