package replserver

import (
	"fmt"
	"net/http"

	"golang.org/x/net/http/httpguts"

	"github.com/loomsync/loom/internal/version"
)

// ErrMalformedHeader is the error kind "Malformed request" (spec.md §7.1):
// a required header is absent, not valid per RFC 7230, or fails to parse
// as its declared shape.
type ErrMalformedHeader struct {
	Header string
	Reason string
}

func (e *ErrMalformedHeader) Error() string {
	return fmt.Sprintf("replserver: malformed %s header: %s", e.Header, e.Reason)
}

// putHeaders is the parsed wire envelope of a PUT request (spec.md §6).
type putHeaders struct {
	Version   version.ID
	Parents   []version.ID
	MergeType string
}

func validHeaderValue(name string, r *http.Request) (string, error) {
	v := r.Header.Get(name)
	if v == "" {
		return "", &ErrMalformedHeader{Header: name, Reason: "missing"}
	}
	if !httpguts.ValidHeaderFieldValue(v) {
		return "", &ErrMalformedHeader{Header: name, Reason: "not a valid RFC 7230 header value"}
	}
	return v, nil
}

// parsePutHeaders validates and parses the Version, Parents, and
// Merge-Type headers of a PUT request. Parents is optional (absent on a
// brand-new resource's first write). Merge-Type is also optional: a
// follow-up write to an existing resource may omit it entirely, and
// handlePut falls back through the resource's persisted merge_type
// then a default (spec.md §4.1's three-step selection order). A first
// write to a brand-new resource that omits it gets the default.
func parsePutHeaders(r *http.Request) (putHeaders, error) {
	var h putHeaders

	rawVersion, err := validHeaderValue("Version", r)
	if err != nil {
		return h, err
	}
	v, err := version.Parse(rawVersion)
	if err != nil {
		return h, &ErrMalformedHeader{Header: "Version", Reason: err.Error()}
	}
	h.Version = v

	if raw := r.Header.Get("Parents"); raw != "" {
		if !httpguts.ValidHeaderFieldValue(raw) {
			return h, &ErrMalformedHeader{Header: "Parents", Reason: "not a valid RFC 7230 header value"}
		}
		parents, err := version.ParseList(raw)
		if err != nil {
			return h, &ErrMalformedHeader{Header: "Parents", Reason: err.Error()}
		}
		h.Parents = parents
	}

	if raw := r.Header.Get("Merge-Type"); raw != "" {
		if !httpguts.ValidHeaderFieldValue(raw) {
			return h, &ErrMalformedHeader{Header: "Merge-Type", Reason: "not a valid RFC 7230 header value"}
		}
		h.MergeType = raw
	}

	return h, nil
}

// wantsSubscribe reports whether a GET request declared Subscribe: true.
func wantsSubscribe(r *http.Request) bool {
	return r.Header.Get("Subscribe") == "true"
}
