package courier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersOrderAndCase(t *testing.T) {
	h := NewHeaders(
		"Content-Type", "text/plain",
		"Set-Cookie", "a=1",
		"Set-Cookie", "b=2",
	)

	assert.Equal(t, "text/plain", h.Get("content-type"))
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("set-cookie"))
	assert.Equal(t, 3, h.Len())

	name, value := h.At(1)
	assert.Equal(t, "Set-Cookie", name)
	assert.Equal(t, "a=1", value)
}

func TestHeadersSetReplacesAll(t *testing.T) {
	h := NewHeaders("Accept", "a", "accept", "b", "Other", "x")
	h.Set("Accept", "c")

	assert.Equal(t, []string{"c"}, h.Values("accept"))
	assert.Equal(t, "x", h.Get("Other"))
	assert.Equal(t, 2, h.Len())
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders("A", "1", "B", "2", "a", "3")
	h.Del("a")
	assert.False(t, h.Has("A"))
	assert.Equal(t, 1, h.Len())
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := NewHeaders("A", "1")
	cp := h.Clone()
	cp.Set("A", "2")
	assert.Equal(t, "1", h.Get("A"))
	assert.Equal(t, "2", cp.Get("A"))
}

func TestHeadersNames(t *testing.T) {
	h := NewHeaders("Via", "a", "VIA", "b", "Date", "x")
	assert.Equal(t, []string{"Via", "Date"}, h.Names())
}

func TestVaryFields(t *testing.T) {
	resp := NewHeaders("Vary", "Accept-Language, User-Agent", "Vary", "accept-language")
	assert.Equal(t, []string{"accept-language", "user-agent"}, varyFields(resp))
	assert.False(t, hasVaryAll(resp))

	star := NewHeaders("Vary", "*")
	assert.True(t, hasVaryAll(star))
}

func TestVaryHeadersSubset(t *testing.T) {
	req := NewHeaders("Accept-Language", "fr-CA", "Accept-Charset", "utf-8", "X-Junk", "1")
	resp := NewHeaders("Vary", "Accept-Language, Accept-Charset")

	recorded := varyHeaders(req, resp)
	assert.Equal(t, 2, recorded.Len())
	assert.Equal(t, "fr-CA", recorded.Get("accept-language"))
	assert.Equal(t, "utf-8", recorded.Get("accept-charset"))
}

func TestHopByHop(t *testing.T) {
	assert.False(t, isEndToEnd("Transfer-Encoding"))
	assert.False(t, isEndToEnd("connection"))
	assert.True(t, isEndToEnd("Content-Type"))
	assert.True(t, isEndToEnd("ETag"))
}
