package courier

import (
	"fmt"
	"sort"
	"strings"
)

type headerEntry struct {
	name  string
	value string
}

// Headers is an ordered multimap of HTTP header fields. Name comparison is
// case-insensitive; insertion order and per-name value order are preserved,
// which matters for Vary matching and for replaying cached responses
// byte-faithfully.
//
// The zero value is an empty, usable header set. Mutating methods take a
// pointer receiver; Request and Response snapshot headers with Clone so a
// caller mutating its own copy cannot disturb an in-flight call.
type Headers struct {
	entries []headerEntry
}

// NewHeaders builds a header set from alternating name/value pairs.
func NewHeaders(pairs ...string) Headers {
	if len(pairs)%2 != 0 {
		panic(fmt.Sprintf("courier: NewHeaders requires name/value pairs, got %d strings", len(pairs)))
	}
	h := Headers{}
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends a value for name, keeping any existing values.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, headerEntry{name: strings.TrimSpace(name), value: trimHeaderValue(value)})
}

// Set replaces all values for name with a single value, at the position of
// the first prior occurrence.
func (h *Headers) Set(name, value string) {
	value = trimHeaderValue(value)
	for i := range h.entries {
		if strings.EqualFold(h.entries[i].name, name) {
			h.entries[i].value = value
			h.removeAfter(name, i+1)
			return
		}
	}
	h.entries = append(h.entries, headerEntry{name: strings.TrimSpace(name), value: value})
}

// Del removes every value for name.
func (h *Headers) Del(name string) {
	h.removeAfter(name, 0)
}

func (h *Headers) removeAfter(name string, from int) {
	kept := h.entries[:from]
	for _, e := range h.entries[from:] {
		if !strings.EqualFold(e.name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return e.value
		}
	}
	return ""
}

// Has reports whether at least one value exists for name.
func (h Headers) Has(name string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return true
		}
	}
	return false
}

// Values returns all values for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			out = append(out, e.value)
		}
	}
	return out
}

// Names returns the distinct field names in first-appearance order.
func (h Headers) Names() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range h.entries {
		lower := strings.ToLower(e.name)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, e.name)
		}
	}
	return out
}

// Len returns the number of name/value entries.
func (h Headers) Len() int { return len(h.entries) }

// At returns entry i as it was inserted.
func (h Headers) At(i int) (name, value string) {
	return h.entries[i].name, h.entries[i].value
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	return Headers{entries: append([]headerEntry(nil), h.entries...)}
}

// ByteCount approximates the wire size of the header block, counting ": " and
// CRLF per field.
func (h Headers) ByteCount() int64 {
	var n int64
	for _, e := range h.entries {
		n += int64(len(e.name) + len(e.value) + 4)
	}
	return n
}

// Equal reports deep equality including order.
func (h Headers) Equal(other Headers) bool {
	if len(h.entries) != len(other.entries) {
		return false
	}
	for i := range h.entries {
		if h.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

func (h Headers) String() string {
	var b strings.Builder
	for _, e := range h.entries {
		b.WriteString(e.name)
		b.WriteString(": ")
		b.WriteString(e.value)
		b.WriteString("\n")
	}
	return b.String()
}

// commaSeparatedValues splits every value for name on commas, trimming
// whitespace, the way Vary and Cache-Control lists are tokenized.
func (h Headers) commaSeparatedValues(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// varyFields returns the lower-cased union of field names listed in Vary.
func varyFields(responseHeaders Headers) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range responseHeaders.commaSeparatedValues("Vary") {
		lower := strings.ToLower(tok)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, lower)
		}
	}
	sort.Strings(out)
	return out
}

// hasVaryAll reports whether the response declares Vary: *.
func hasVaryAll(responseHeaders Headers) bool {
	for _, f := range varyFields(responseHeaders) {
		if f == "*" {
			return true
		}
	}
	return false
}

// varyHeaders extracts from requestHeaders exactly the fields the response
// varies on, producing the subset recorded alongside a cache entry.
func varyHeaders(requestHeaders, responseHeaders Headers) Headers {
	fields := varyFields(responseHeaders)
	var out Headers
	for _, f := range fields {
		for _, v := range requestHeaders.Values(f) {
			out.Add(f, v)
		}
	}
	return out
}

func trimHeaderValue(v string) string {
	return strings.Trim(v, " \t")
}

// hopByHopFields are meaningful for a single connection only. They are left
// out of merged 304 responses; cache entries store headers as received.
var hopByHopFields = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isEndToEnd(name string) bool {
	return !hopByHopFields[strings.ToLower(name)]
}
