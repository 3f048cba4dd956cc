package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomsync/loom/internal/blobstore"
	"github.com/loomsync/loom/internal/config"
	"github.com/loomsync/loom/internal/logging"
	mergedefaults "github.com/loomsync/loom/internal/merge/defaults"
	"github.com/loomsync/loom/internal/replserver"
	serverconfig "github.com/loomsync/loom/internal/replserver/config"
	"github.com/loomsync/loom/internal/store"
)

// errStorageOpenFailed marks a runServe failure that happened while
// opening the resource store or blob store, distinct from a bind
// failure — main.go maps the two to different exit codes (spec.md §6:
// "1 bind failure; 2 storage open failure").
var errStorageOpenFailed = errors.New("storage open failed")

func runServe(args []string) error {
	cfg, err := serverconfig.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logging.SetLevel(level)

	st, err := store.Open(cfg.Root)
	if err != nil {
		return fmt.Errorf("open store: %w: %w", errStorageOpenFailed, err)
	}
	blobs, err := blobstore.Open(filepath.Join(cfg.Root, "blobs"))
	if err != nil {
		return fmt.Errorf("open blob store: %w: %w", errStorageOpenFailed, err)
	}

	logging.PrintBanner("server", appVersion, cfg.Addr())
	logging.PrintAccessURL(cfg.Addr())

	server := replserver.NewServer(cfg.Addr(), st, mergedefaults.NewRegistry(), config.NewTunables(), blobs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Any remaining failure here is the listener/serve-loop path, i.e.
	// a bind failure: runServe's only other failure points (config,
	// storage) have already returned above.
	return server.Serve(ctx)
}
