package courier

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRequest(t *testing.T, method, rawURL string, opts ...RequestOption) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL, opts...)
	require.NoError(t, err)
	return req
}

func TestCacheEntryRoundTrip(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/a?b=c",
		WithHeader("Accept-Language", "fr-CA"))
	resp := &Response{
		Request:    req,
		Protocol:   ProtocolHTTP11,
		StatusCode: 200,
		Status:     "OK",
		Headers: NewHeaders(
			"Content-Type", "text/plain",
			"Vary", "Accept-Language",
			"ETag", `"v1"`,
		),
		SentAtMillis:     1234,
		ReceivedAtMillis: 5678,
	}

	var buf bytes.Buffer
	require.NoError(t, newCacheEntry(resp).writeTo(&buf))

	entry, err := readCacheEntry(&buf)
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/a?b=c", entry.url)
	assert.Equal(t, "GET", entry.requestMethod)
	assert.Equal(t, ProtocolHTTP11, entry.protocol)
	assert.Equal(t, 200, entry.code)
	assert.Equal(t, "OK", entry.reason)
	assert.Equal(t, `"v1"`, entry.responseHeaders.Get("ETag"))
	assert.Equal(t, int64(1234), entry.sentMillis)
	assert.Equal(t, int64(5678), entry.receivedMillis)
	assert.Equal(t, "fr-CA", entry.varyHeaders.Get("accept-language"))
}

func TestCacheEntryHeaderMultimapRoundTrip(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/")
	resp := &Response{
		Request:    req,
		Protocol:   ProtocolHTTP11,
		StatusCode: 200,
		Headers: NewHeaders(
			"Set-Thing", "one",
			"Set-Thing", "two",
			"Other", "x",
			"Set-Thing", "three",
		),
	}
	var buf bytes.Buffer
	require.NoError(t, newCacheEntry(resp).writeTo(&buf))
	entry, err := readCacheEntry(&buf)
	require.NoError(t, err)

	assert.True(t, entry.responseHeaders.Equal(resp.Headers), "order and duplicates must survive")
}

func TestCacheEntryH2StatusLine(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/")
	resp := &Response{
		Request:    req,
		Protocol:   ProtocolHTTP2,
		StatusCode: 204,
		Headers:    Headers{},
	}
	var buf bytes.Buffer
	require.NoError(t, newCacheEntry(resp).writeTo(&buf))
	assert.Contains(t, buf.String(), "h2 204")

	entry, err := readCacheEntry(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTP2, entry.protocol)
	assert.Equal(t, 204, entry.code)
}

// Entries serialized by earlier deployments can contain HTTP/2 pseudo-header
// names; reads stay lenient for disk compatibility.
func TestCacheEntryLegacyPseudoHeader(t *testing.T) {
	raw := strings.Join([]string{
		"http://example.com/",
		"GET",
		"0",
		"HTTP/1.1 200 OK",
		"2",
		":status: 200",
		"Content-Type: text/plain",
		"100",
		"200",
		"",
		"",
	}, "\n")

	entry, err := readCacheEntry(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "200", entry.responseHeaders.Get(":status"))
	assert.Equal(t, "text/plain", entry.responseHeaders.Get("Content-Type"))
}

func TestCacheEntryTruncated(t *testing.T) {
	raw := "http://example.com/\nGET\n"
	_, err := readCacheEntry(strings.NewReader(raw))
	assert.Error(t, err)
}

func TestCacheEntryMatchesVary(t *testing.T) {
	build := func(lang string) *Request {
		return mustRequest(t, "GET", "http://example.com/a", WithHeader("Accept-Language", lang))
	}
	resp := &Response{
		Request:    build("fr-CA"),
		Protocol:   ProtocolHTTP11,
		StatusCode: 200,
		Headers:    NewHeaders("Vary", "Accept-Language"),
	}
	entry := newCacheEntry(resp)

	assert.True(t, entry.matches(build("fr-CA")))
	assert.False(t, entry.matches(build("en-US")), "vary mismatch must not match")
	assert.False(t, entry.matches(mustRequest(t, "HEAD", "http://example.com/a")))
}

func TestCacheEntryVaryStarNeverMatches(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/a")
	resp := &Response{
		Request:    req,
		Protocol:   ProtocolHTTP11,
		StatusCode: 200,
		Headers:    NewHeaders("Vary", "*"),
	}
	entry := newCacheEntry(resp)
	assert.False(t, entry.matches(req))
}

func TestCacheKeyIsStable(t *testing.T) {
	a := mustRequest(t, "GET", "http://example.com/a")
	b := mustRequest(t, "GET", "http://EXAMPLE.com/a")
	assert.Equal(t, cacheKey(effectiveCacheURL(a)), cacheKey(effectiveCacheURL(b)))
	assert.Len(t, cacheKey(a.URL()), 32)
}

func TestEffectiveCacheURLOverride(t *testing.T) {
	req := mustRequest(t, "POST", "http://example.com/rpc",
		WithBody(StringBody("application/json", "{}")),
		WithCacheURLOverride("http://example.com/rpc/idempotent-key-1"))
	assert.Equal(t, "/rpc/idempotent-key-1", effectiveCacheURL(req).Path)
}
