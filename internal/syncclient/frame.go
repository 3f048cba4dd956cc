package syncclient

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/loomsync/loom/internal/version"
)

// frameHeader is the line-oriented header block preceding each chunk of
// a Subscribe: true response body. It mirrors internal/replserver's
// writeFrame wire format exactly; duplicated here rather than imported,
// since a client package importing the server package it talks to over
// HTTP would invert the natural dependency direction.
type frameHeader struct {
	Status      int
	Version     []version.ID
	MergeType   string
	ContentType string
	Encoding    string
}

// readFrame parses one frame off r: a header block terminated by a
// blank line, then exactly Content-Length bytes of body.
func readFrame(r *bufio.Reader) (frameHeader, []byte, error) {
	var h frameHeader
	contentLength := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return h, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "Status":
			h.Status, _ = strconv.Atoi(value)
		case "Version":
			ids, err := version.ParseList(value)
			if err != nil {
				return h, nil, fmt.Errorf("syncclient: frame version header: %w", err)
			}
			h.Version = ids
		case "Merge-Type":
			h.MergeType = value
		case "Content-Type":
			h.ContentType = value
		case "Content-Encoding":
			h.Encoding = value
		case "Content-Length":
			n, err := strconv.Atoi(value)
			if err != nil {
				return h, nil, fmt.Errorf("syncclient: frame content-length header: %w", err)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return h, nil, fmt.Errorf("syncclient: frame missing Content-Length")
	}
	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return h, nil, fmt.Errorf("syncclient: read frame body: %w", err)
		}
	}
	return h, body, nil
}
