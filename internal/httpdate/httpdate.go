// Package httpdate parses the date formats found in HTTP headers. Servers in
// the wild still emit RFC 850 and asctime forms alongside RFC 1123, and a few
// broken stacks omit the timezone entirely, so parsing is multi-format and
// forgiving while formatting is always RFC 1123 GMT.
package httpdate

import (
	"strings"
	"time"
)

// Format layouts tried in order. The first is the only one we ever emit.
var layouts = []string{
	"Mon, 02 Jan 2006 15:04:05 GMT", // RFC 1123, the standard format
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Monday, 02-Jan-06 15:04:05 GMT", // RFC 850
	"Mon Jan _2 15:04:05 2006",       // asctime
	"Mon, 02-Jan-2006 15:04:05 GMT",  // cookie expires variant
	"Mon, 02 Jan 2006 15:04:05",      // missing zone, assume GMT
	"02 Jan 2006 15:04:05 GMT",
	"02 Jan 2006 15:04:05",
	"2006-01-02",
}

// Parse returns the time encoded by value, or false when no known layout
// matches. The result is always normalised to UTC.
func Parse(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Format renders t in the RFC 1123 GMT form HTTP requires on the wire.
func Format(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}
