// Package sanitize strips unsafe markup from set-merge element bodies
// before they are persisted, since set-merge's primary application is
// a chat/message feed where element bodies may contain user-authored
// HTML (SPEC_FULL.md §11). Text-merge documents are untouched.
package sanitize

import "github.com/microcosm-cc/bluemonday"

var policy = bluemonday.StrictPolicy()

// HTML strips all markup from s, leaving plain text. Used on
// set-merge element bodies before they are stored.
func HTML(s string) string {
	return policy.Sanitize(s)
}
