package replserver

import (
	"fmt"
	"io"

	"github.com/loomsync/loom/internal/version"
)

// frameHeader is the line-oriented header block that precedes each
// chunk of a Subscribe: true response body, mirroring the request/
// response headers of a plain GET (spec.md §6) so a single frame can
// be parsed the same way regardless of which one carried it.
type frameHeader struct {
	Status      int
	Version     []version.ID
	MergeType   string
	ContentType string
	Encoding    string
}

// writeFrame writes one frame to w: a short header block terminated by
// a blank line, then exactly len(body) bytes. Each frame is
// self-delimiting via Content-Length, so a subscriber reads frames back
// to back off the same chunked stream indefinitely.
func writeFrame(w io.Writer, h frameHeader, body []byte) error {
	var lines string
	if h.Status != 0 {
		lines += fmt.Sprintf("Status: %d\r\n", h.Status)
	}
	if len(h.Version) > 0 {
		lines += fmt.Sprintf("Version: %s\r\n", version.JoinList(h.Version))
	}
	if h.MergeType != "" {
		lines += fmt.Sprintf("Merge-Type: %s\r\n", h.MergeType)
	}
	if h.ContentType != "" {
		lines += fmt.Sprintf("Content-Type: %s\r\n", h.ContentType)
	}
	if h.Encoding != "" {
		lines += fmt.Sprintf("Content-Encoding: %s\r\n", h.Encoding)
	}
	lines += fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	if _, err := io.WriteString(w, lines); err != nil {
		return fmt.Errorf("replserver: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("replserver: write frame body: %w", err)
	}
	return nil
}
