package replserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomsync/loom/internal/merge"
	"github.com/loomsync/loom/internal/metrics"
	"github.com/loomsync/loom/internal/replserver/fanout"
	"github.com/loomsync/loom/internal/replserver/framecodec"
	"github.com/loomsync/loom/internal/store"
	"github.com/loomsync/loom/internal/version"
)

// handleGet serves a plain GET (the current materialized value) or, for
// Subscribe: true, upgrades to a long-lived chunked stream of frames
// (spec.md §4.5, §6).
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, path string) {
	rec, err := s.store.Load(path)
	if errors.Is(err, store.ErrUnknownResource) {
		http.Error(w, "unknown resource", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("replserver: load failed", "path", path, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	if wantsSubscribe(r) {
		s.handleSubscribe(w, r, path, rec)
		return
	}

	engine, _, err := s.registry.New(rec.MergeType, "server")
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	engine.SetGraph(rec.Graph)

	snapshot, err := engine.DecodeSnapshot(rec.Value)
	if err != nil {
		slog.Error("replserver: decode snapshot failed", "path", path, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	contentType, body, err := engine.Materialize(snapshot)
	if err != nil {
		slog.Error("replserver: materialize failed", "path", path, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Version", version.JoinList(rec.Frontier))
	w.Header().Set("Merge-Type", rec.MergeType)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleSubscribe streams the resource's current snapshot followed by
// every subsequent patch frame, until the client disconnects. A lagged
// subscriber is resynced with a fresh full snapshot rather than being
// dropped outright (spec.md §4.5 "a lagged subscriber ... is resent a
// full snapshot").
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, path string, rec *store.Record) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.fanout.Subscribe(path)
	defer s.fanout.Unsubscribe(sub)
	metrics.ActiveSubscribers.Inc()
	defer metrics.ActiveSubscribers.Dec()

	compression := framecodec.NegotiateCompression(r.Header.Get("Accept-Encoding"))

	w.Header().Set("Version", version.JoinList(rec.Frontier))
	w.Header().Set("Merge-Type", rec.MergeType)
	w.Header().Set("Content-Type", "application/vnd.loom.frame-stream")
	if compression == framecodec.CompressionZstd {
		w.Header().Set("Content-Encoding", string(compression))
	}
	w.WriteHeader(http.StatusOK)

	if err := s.sendSnapshot(w, rec, compression); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.tunables.Heartbeat())
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeFrame(w, frameHeader{}, nil); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if sub.Lagged() {
				metrics.LaggedSubscribersTotal.Inc()
				s.events.publish(newAdminEvent("lagged", path, ""))
				fresh, err := s.store.Load(path)
				if err != nil {
					return
				}
				if err := s.sendSnapshot(w, fresh, compression); err != nil {
					return
				}
				sub.ClearLag()
				flusher.Flush()
				continue
			}
			if err := s.writeSubscriberFrame(w, frame, compression); err != nil {
				return
			}
			flusher.Flush()
			if frame.Status == StatusReborn {
				// The resource's history was just reset; this
				// subscription is stale by definition, so close it and
				// let the client resubscribe from scratch.
				return
			}
		}
	}
}

// sendSnapshot writes the resource's persisted engine snapshot (not its
// client-facing materialized view) as the subscription's bootstrap or
// lag-recovery frame: the sync client's apply_update needs the full
// internal state (tombstones, revision chains) to keep merging
// correctly, the same thing Append would have persisted (spec.md §4.6
// "call apply_update with state=...").
func (s *Server) sendSnapshot(w io.Writer, rec *store.Record, compression framecodec.Compression) error {
	engine, _, err := s.registry.New(rec.MergeType, "server")
	if err != nil {
		return err
	}
	engine.SetGraph(rec.Graph)

	snapshot, err := engine.DecodeSnapshot(rec.Value)
	if err != nil {
		return err
	}
	body, err := engine.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	encoding := ""
	if compression == framecodec.CompressionZstd {
		body, _ = framecodec.Compress(body)
		encoding = string(framecodec.CompressionZstd)
	}
	return writeFrame(w, frameHeader{
		Version:     rec.Frontier,
		MergeType:   rec.MergeType,
		ContentType: "application/json",
		Encoding:    encoding,
	}, body)
}

func (s *Server) writeSubscriberFrame(w io.Writer, frame fanout.Frame, compression framecodec.Compression) error {
	body := frame.Body
	encoding := ""
	if compression == framecodec.CompressionZstd && len(body) > 0 {
		body, _ = framecodec.Compress(body)
		encoding = string(framecodec.CompressionZstd)
	}
	return writeFrame(w, frameHeader{
		Status:      frame.Status,
		Version:     frame.Version,
		MergeType:   frame.MergeType,
		ContentType: frame.ContentType,
		Encoding:    encoding,
	}, body)
}

// defaultMergeType is step (3) of spec.md §4.1's merge-type selection
// order, used when a PUT omits Merge-Type and the resource has no
// persisted merge_type of its own yet.
const defaultMergeType = "text-merge"

// putOutcome classifies a PUT's result for metrics and response mapping
// (spec.md §7.1).
type putOutcome int

const (
	putOutcomeAccepted putOutcome = iota
	putOutcomeMalformed
	putOutcomeMissingParents
	putOutcomeReborn
	putOutcomeUnsupported
	putOutcomeIsolated
	putOutcomeStorageError
)

// handlePut implements the write pipeline: parse headers, acquire the
// resource's write lock, validate_parents, select the merge engine,
// apply_update, append, release the lock, then fan the update out to
// subscribers (spec.md §4.5).
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, path string) {
	hdrs, err := parsePutHeaders(r)
	if err != nil {
		metrics.PutsTotal.WithLabelValues("malformed").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A Merge-Type header, when present, must name a supported type
	// right away; an absent header is resolved later against the
	// resource's own history (spec.md §4.1).
	if hdrs.MergeType != "" {
		if _, err := s.registry.Canonical(hdrs.MergeType); err != nil {
			metrics.PutsTotal.WithLabelValues("unsupported_merge_type").Inc()
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.PutsTotal.WithLabelValues("malformed").Inc()
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	outcome := putOutcomeAccepted
	var missing []version.ID
	var pipelineErr error
	var emitted []json.RawMessage
	var engineCanonical string

	lockErr := s.store.WithLock(path, func() error {
		rec, err := s.store.Load(path)
		switch {
		case errors.Is(err, store.ErrUnknownResource):
			rec = store.NewRecord(path, "")
		case err != nil:
			outcome, pipelineErr = putOutcomeStorageError, err
			return nil
		}

		if err := s.store.ValidateParents(rec, hdrs.Parents); err != nil {
			var missingErr *store.MissingParentsError
			switch {
			case errors.Is(err, store.ErrRebornRequired):
				outcome = putOutcomeReborn
			case errors.As(err, &missingErr):
				outcome, missing = putOutcomeMissingParents, missingErr.Missing
			default:
				outcome, pipelineErr = putOutcomeStorageError, err
			}
			return nil
		}

		// spec.md §4.1's selection order: (1) the request's own
		// Merge-Type header, (2) the resource's persisted merge_type,
		// (3) defaultMergeType.
		mergeType := hdrs.MergeType
		if mergeType == "" {
			mergeType = rec.MergeType
		}
		if mergeType == "" {
			mergeType = defaultMergeType
		}
		engine, resolved, err := s.registry.New(mergeType, "server")
		if err != nil {
			outcome = putOutcomeUnsupported
			return nil
		}
		engineCanonical = resolved
		engine.SetGraph(rec.Graph)

		snapshot, err := engine.DecodeSnapshot(rec.Value)
		if err != nil {
			outcome, pipelineErr = putOutcomeStorageError, err
			return nil
		}

		update := merge.Update{Version: hdrs.Version, Parents: hdrs.Parents}
		// Parents absent signals a from-scratch write (spec.md §6
		// "absent on fresh state"): the body is the engine's full State
		// rather than an incremental patch set.
		if len(hdrs.Parents) == 0 {
			update.State = body
			update.Parents = []version.ID{version.Root}
		} else {
			var patches []json.RawMessage
			if err := json.Unmarshal(body, &patches); err != nil {
				outcome = putOutcomeMalformed
				return nil
			}
			update.Patches = patches
			// Siblings already committed ahead of this write's declared
			// parents need the engine to rebase this patch past them
			// before applying (spec.md §4.2, §8 scenario 4).
			update.Since = s.store.ConcurrentSince(rec, hdrs.Parents)
		}

		result, applyErr := applyWithIsolation(engine, snapshot, update)
		if applyErr != nil {
			outcome, pipelineErr = putOutcomeIsolated, applyErr
			return nil
		}

		encoded, err := engine.EncodeSnapshot(result.Snapshot)
		if err != nil {
			outcome, pipelineErr = putOutcomeStorageError, err
			return nil
		}
		if _, err := s.store.Append(rec, hdrs.Version, hdrs.Parents, encoded, engineCanonical, s.tunables.GraphKeepGenerations(), result.Emitted); err != nil {
			outcome, pipelineErr = putOutcomeStorageError, err
			return nil
		}
		if err := s.store.Save(rec); err != nil {
			outcome, pipelineErr = putOutcomeStorageError, err
			return nil
		}

		emitted = result.Emitted
		return nil
	})
	if lockErr != nil {
		outcome, pipelineErr = putOutcomeStorageError, lockErr
	}

	switch outcome {
	case putOutcomeAccepted:
		metrics.PutsTotal.WithLabelValues("accepted").Inc()
		if len(emitted) > 0 {
			frameBody, err := json.Marshal(emitted)
			if err == nil {
				s.fanout.Broadcast(path, fanout.Frame{
					Version:     []version.ID{hdrs.Version},
					MergeType:   engineCanonical,
					ContentType: "application/json",
					Body:        frameBody,
				})
			}
		}
		w.WriteHeader(http.StatusOK)
	case putOutcomeReborn:
		metrics.PutsTotal.WithLabelValues("reborn").Inc()
		w.WriteHeader(StatusReborn)
	case putOutcomeMissingParents:
		metrics.PutsTotal.WithLabelValues("missing_parents").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"missing_parents": missing})
	case putOutcomeUnsupported:
		metrics.PutsTotal.WithLabelValues("unsupported_merge_type").Inc()
		http.Error(w, "unsupported merge type", http.StatusUnsupportedMediaType)
	case putOutcomeMalformed:
		metrics.PutsTotal.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed patch body", http.StatusBadRequest)
	case putOutcomeIsolated:
		metrics.PutsTotal.WithLabelValues("storage_error").Inc()
		metrics.ResourcesIsolatedTotal.Inc()
		s.events.publish(newAdminEvent("isolated", path, pipelineErr.Error()))
		s.fanout.Broadcast(path, fanout.Frame{Status: StatusReborn})
		slog.Error("replserver: merge engine panicked, resource isolated", "path", path, "error", pipelineErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		metrics.PutsTotal.WithLabelValues("storage_error").Inc()
		slog.Error("replserver: put failed", "path", path, "error", pipelineErr)
		http.Error(w, "storage error", http.StatusInternalServerError)
	}
}

// applyWithIsolation runs ApplyUpdate with a panic recovered into an
// error, so one malformed or buggy update taints only this resource
// (spec.md §7 item 7) instead of crashing the server.
func applyWithIsolation(engine merge.Engine, snapshot any, update merge.Update) (result merge.ApplyResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("replserver: merge engine panic: %v", p)
		}
	}()
	return engine.ApplyUpdate(snapshot, update)
}

// handleVersions serves the resource's version graph as JSON (spec.md
// §6's "GET .../versions" history endpoint).
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request, path string) {
	rec, err := s.store.Load(path)
	if errors.Is(err, store.ErrUnknownResource) {
		http.Error(w, "unknown resource", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("replserver: load failed", "path", path, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"frontier": rec.Frontier,
		"graph":    rec.Graph,
	})
}

// handleReborn resets a resource's history: the graph collapses to
// {Root} and, when the request carries a body, the value is replaced
// (SPEC_FULL.md's supplemented admin operation, spec.md §4.5's reborn
// semantics triggered directly rather than only inferred from
// validate_parents).
func (s *Server) handleReborn(w http.ResponseWriter, r *http.Request, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	var newValue json.RawMessage
	if len(body) > 0 {
		newValue = json.RawMessage(body)
	}

	lockErr := s.store.WithLock(path, func() error {
		rec, err := s.store.Load(path)
		if errors.Is(err, store.ErrUnknownResource) {
			rec = store.NewRecord(path, "")
		} else if err != nil {
			return err
		}
		s.store.Reborn(rec, newValue)
		return s.store.Save(rec)
	})
	if lockErr != nil {
		slog.Error("replserver: reborn failed", "path", path, "error", lockErr)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	metrics.RebornsTotal.Inc()
	s.events.publish(newAdminEvent("reborn", path, ""))
	s.fanout.Broadcast(path, fanout.Frame{Status: StatusReborn})
	w.WriteHeader(http.StatusOK)
}
