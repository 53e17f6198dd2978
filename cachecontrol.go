package courier

import (
	"strconv"
	"strings"
)

// CacheControl is the parsed form of the Cache-Control directives a message
// carries. Durations are in whole seconds; -1 means the directive was absent.
type CacheControl struct {
	NoCache         bool
	NoStore         bool
	MaxAgeSeconds   int
	SMaxAgeSeconds  int
	Private         bool
	Public          bool
	MustRevalidate  bool
	MaxStaleSeconds int
	MinFreshSeconds int
	OnlyIfCached    bool
	NoTransform     bool
	Immutable       bool
}

// ParseCacheControl reads the Cache-Control directives from headers. A
// legacy "Pragma: no-cache" counts as Cache-Control: no-cache, unless a real
// Cache-Control header is also present (in which case Pragma is ignored, per
// RFC 7234 §5.4).
func ParseCacheControl(headers Headers) CacheControl {
	cc := CacheControl{
		MaxAgeSeconds:   -1,
		SMaxAgeSeconds:  -1,
		MaxStaleSeconds: -1,
		MinFreshSeconds: -1,
	}

	sawCacheControl := headers.Has("Cache-Control")
	for _, tok := range headers.commaSeparatedValues("Cache-Control") {
		directive, arg := splitDirective(tok)
		switch strings.ToLower(directive) {
		case "no-cache":
			cc.NoCache = true
		case "no-store":
			cc.NoStore = true
		case "max-age":
			cc.MaxAgeSeconds = parseSeconds(arg)
		case "s-maxage":
			cc.SMaxAgeSeconds = parseSeconds(arg)
		case "private":
			cc.Private = true
		case "public":
			cc.Public = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "max-stale":
			if arg == "" {
				// An unbounded max-stale accepts any staleness.
				cc.MaxStaleSeconds = int(^uint(0) >> 1)
			} else {
				cc.MaxStaleSeconds = parseSeconds(arg)
			}
		case "min-fresh":
			cc.MinFreshSeconds = parseSeconds(arg)
		case "only-if-cached":
			cc.OnlyIfCached = true
		case "no-transform":
			cc.NoTransform = true
		case "immutable":
			cc.Immutable = true
		}
	}

	if !sawCacheControl {
		for _, tok := range headers.commaSeparatedValues("Pragma") {
			if strings.EqualFold(tok, "no-cache") {
				cc.NoCache = true
			}
		}
	}
	return cc
}

func splitDirective(tok string) (directive, arg string) {
	if eq := strings.IndexByte(tok, '='); eq >= 0 {
		return strings.TrimSpace(tok[:eq]), strings.Trim(strings.TrimSpace(tok[eq+1:]), `"`)
	}
	return tok, ""
}

// parseSeconds reads a delta-seconds value. A digit string too large for an
// int saturates to the maximum int; negative values and other junk read as
// absent (-1).
func parseSeconds(s string) int {
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// "max-age=abc" and similar junk: treat overflow-looking strings of
		// digits as forever, anything else as absent.
		if allDigits(s) {
			return int(^uint(0) >> 1)
		}
		return -1
	}
	if n < 0 {
		return -1
	}
	if n > int64(^uint(0)>>1) {
		return int(^uint(0) >> 1)
	}
	return int(n)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
