package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loomsync/loom/internal/logging"
)

var appVersion = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: loom [serve|watch|version] [flags]\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			// spec.md §6: exit code 2 for a storage-open failure, 1 for
			// everything else (including a listener bind failure).
			if errors.Is(err, errStorageOpenFailed) {
				os.Exit(2)
			}
			os.Exit(1)
		}
	case "watch":
		if err := runWatch(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(appVersion)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: loom [serve|watch|version] [flags]\n")
		os.Exit(1)
	}
}
