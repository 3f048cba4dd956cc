package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loomsync/loom/internal/logging"
	mergedefaults "github.com/loomsync/loom/internal/merge/defaults"
	"github.com/loomsync/loom/internal/syncclient"
	clientconfig "github.com/loomsync/loom/internal/syncclient/config"
)

// runWatch is a small demonstration client: it follows one resource
// (text-merge unless -merge-type says otherwise), printing every update
// it receives, and hands each line of stdin to dispatchLine as a write
// to push through the outbound queue.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	path := fs.String("path", "/doc", "resource path to follow")
	mergeType := fs.String("merge-type", "text-merge", "merge type of the followed resource")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := clientconfig.Load(fs.Args())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logging.SetLevel(level)

	logging.PrintBanner("client", appVersion, cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := syncclient.New(cfg.ServerURL, cfg.AgentID, cfg.DataDir, mergedefaults.NewRegistry())
	resource, err := client.Follow(ctx, *path, *mergeType)
	if err != nil {
		return fmt.Errorf("follow %s: %w", *path, err)
	}

	resource.OnUpdate(func() {
		_, body, pending, err := resource.View()
		if err != nil {
			fmt.Fprintf(os.Stderr, "view error: %v\n", err)
			return
		}
		marker := ""
		if pending {
			marker = " (pending)"
		}
		fmt.Printf("%s%s: %s\n", *path, marker, body)
	})
	resource.OnFailure(func(intentID string) {
		fmt.Fprintf(os.Stderr, "write %s failed after retries\n", intentID)
	})

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := dispatchLine(resource, *mergeType, scanner.Text()); err != nil {
				fmt.Fprintf(os.Stderr, "put error: %v\n", err)
			}
		}
	}()

	<-ctx.Done()
	return nil
}

// dispatchLine interprets one line of stdin input against resource. A
// set-merge resource accepts "add <path> <id> <body...>" and "remove
// <path> <id>"; every other merge type treats the whole line as the
// resource's next full text (spec.md §4.2).
func dispatchLine(resource *syncclient.Resource, mergeType, line string) error {
	if mergeType != "set-merge" {
		return resource.Put(line)
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("watch: expected \"add <path> <id> <body...>\" or \"remove <path> <id>\", got %q", line)
	}

	switch fields[0] {
	case "add":
		if len(fields) < 4 {
			return fmt.Errorf("watch: add requires a path, id, and body")
		}
		return resource.AddElement(fields[1], fields[2], strings.Join(fields[3:], " "), "")
	case "remove":
		return resource.RemoveElement(fields[1], fields[2])
	default:
		return fmt.Errorf("watch: unknown command %q, expected add or remove", fields[0])
	}
}
