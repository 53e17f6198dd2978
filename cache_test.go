package courier

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(t.TempDir(), 10<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

// scriptedServer returns each enqueued response once, in order.
type scriptedServer struct {
	t         *testing.T
	mu        chan struct{}
	responses []func(w http.ResponseWriter, r *http.Request)
	requests  []*http.Request
	server    *httptest.Server
}

func newScriptedServer(t *testing.T) *scriptedServer {
	s := &scriptedServer{t: t, mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-s.mu
		defer func() { s.mu <- struct{}{} }()
		if len(s.responses) == 0 {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(500)
			return
		}
		next := s.responses[0]
		s.responses = s.responses[1:]
		clone := *r
		s.requests = append(s.requests, &clone)
		next(w, r)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedServer) enqueue(fn func(w http.ResponseWriter, r *http.Request)) {
	<-s.mu
	s.responses = append(s.responses, fn)
	s.mu <- struct{}{}
}

func (s *scriptedServer) url(path string) string { return s.server.URL + path }

func textResponse(headers map[string]string, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		fmt.Fprint(w, body)
	}
}

// Scenario: a fresh response is served from cache without touching the
// network a second time.
func TestCacheFreshnessHit(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "A"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))

	assert.Equal(t, "A", body1)
	assert.Equal(t, "A", body2)
	assert.Equal(t, int64(2), cache.RequestCount())
	assert.Equal(t, int64(1), cache.NetworkCount())
	assert.Equal(t, int64(1), cache.HitCount())
	assert.Equal(t, int64(1), cache.WriteSuccessCount())
}

// Scenario: a stale entry with an ETag revalidates with If-None-Match; the
// 304 serves the stored bytes.
func TestCacheConditionalHitWithETag(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=0",
		"ETag":          "v1",
	}, "A"))
	server.enqueue(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(StatusNotModified)
	})

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))

	assert.Equal(t, "A", body1)
	assert.Equal(t, "A", body2)
	require.Len(t, server.requests, 2)
	assert.Equal(t, "v1", server.requests[1].Header.Get("If-None-Match"))
	assert.Equal(t, int64(1), cache.HitCount())
	assert.Equal(t, int64(2), cache.NetworkCount())
}

// Scenario: a Vary mismatch forces the network.
func TestCacheVaryMismatch(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=60",
		"Vary":          "Accept-Language",
	}, "A"))
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=60",
		"Vary":          "Accept-Language",
	}, "B"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc"),
		WithHeader("Accept-Language", "fr-CA")))
	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/doc"),
		WithHeader("Accept-Language", "en-US")))

	assert.Equal(t, "A", body1)
	assert.Equal(t, "B", body2)
}

func TestCacheVaryMatchHits(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=60",
		"Vary":          "Accept-Language",
	}, "A"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	req := func() *Request {
		return mustRequest(t, "GET", server.url("/doc"), WithHeader("Accept-Language", "fr-CA"))
	}
	_, body1 := execute(t, client, req())
	_, body2 := execute(t, client, req())
	assert.Equal(t, "A", body1)
	assert.Equal(t, "A", body2)
	assert.Equal(t, int64(1), cache.NetworkCount())
}

// Scenario: a successful POST invalidates the cached GET for the same URL.
func TestCachePOSTInvalidates(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=3600"}, "A"))
	server.enqueue(textResponse(nil, "B"))
	server.enqueue(textResponse(nil, "C"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	assert.Equal(t, "A", body1)

	_, body2 := execute(t, client, mustRequest(t, "POST", server.url("/doc"),
		WithBody(StringBody("text/plain", "update"))))
	assert.Equal(t, "B", body2)

	_, body3 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	assert.Equal(t, "C", body3, "the cached A must be gone after the POST")
}

// Scenario: a redirect's target is served from cache.
func TestCacheRedirectUsesCachedTarget(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "ABC"))
	server.enqueue(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/foo")
		w.WriteHeader(StatusMovedPermanently)
	})
	server.enqueue(textResponse(nil, "DEF"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/foo")))
	assert.Equal(t, "ABC", body1)

	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/bar")))
	assert.Equal(t, "ABC", body2, "redirect target must come from cache")

	_, body3 := execute(t, client, mustRequest(t, "GET", server.url("/other")))
	assert.Equal(t, "DEF", body3)
}

func TestCacheOnlyIfCachedUnsatisfiable(t *testing.T) {
	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	req := mustRequest(t, "GET", "http://localhost:1/absent",
		WithHeader("Cache-Control", "only-if-cached"))
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, StatusGatewayTimeout, resp.StatusCode)
	assert.Contains(t, resp.Status, "only-if-cached")
}

func TestCacheNoStoreIsNotWritten(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "no-store"}, "A"))
	server.enqueue(textResponse(nil, "B"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	assert.Equal(t, "A", body1)
	assert.Equal(t, "B", body2)
	// Only the plain 200 "B" is stored; a stored "A" would make this 2.
	assert.Equal(t, int64(1), cache.WriteSuccessCount())
}

func TestCacheSetCookieNotStored(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=60",
		"Set-Cookie":    "sid=1",
	}, "A"))
	server.enqueue(textResponse(nil, "B"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	_, body1 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	_, body2 := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	assert.Equal(t, "A", body1)
	assert.Equal(t, "B", body2)
}

func TestCache304MergesHeadersKeepsBody(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{
		"Cache-Control": "max-age=0",
		"ETag":          "v1",
		"X-Frame":       "old",
	}, "A"))
	server.enqueue(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame", "new")
		w.WriteHeader(StatusNotModified)
	})

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	resp, body := execute(t, client, mustRequest(t, "GET", server.url("/doc")))

	assert.Equal(t, "A", body, "304 must not replace the stored body")
	assert.Equal(t, "new", resp.Headers.Get("X-Frame"), "network headers overlay cached ones")
	assert.Equal(t, "v1", resp.Headers.Get("ETag"))
	require.NotNil(t, resp.CacheResponse)
	require.NotNil(t, resp.NetworkResponse)
}

func TestCacheIterator(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "A"))
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "B"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	execute(t, client, mustRequest(t, "GET", server.url("/a")))
	execute(t, client, mustRequest(t, "GET", server.url("/b")))

	seen := map[string]bool{}
	it := cache.URLs()
	for it.HasNext() {
		u, ok := it.Next()
		require.True(t, ok)
		seen[u] = true
	}
	assert.True(t, seen[server.url("/a")])
	assert.True(t, seen[server.url("/b")])

	// Remove /a through the iterator; the next identical GET is a miss.
	server.enqueue(textResponse(nil, "A2"))
	it = cache.URLs()
	for it.HasNext() {
		u, _ := it.Next()
		if u == server.url("/a") {
			require.NoError(t, it.Remove())
		}
	}
	_, body := execute(t, client, mustRequest(t, "GET", server.url("/a")))
	assert.Equal(t, "A2", body)
}

func TestCacheIteratorRemoveRequiresNext(t *testing.T) {
	cache := newTestCache(t)
	it := cache.URLs()
	assert.Error(t, it.Remove())
}

func TestCacheSizeBounded(t *testing.T) {
	cache, err := NewCache(t.TempDir(), 4096, nil)
	require.NoError(t, err)
	defer cache.Close()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		for i := 0; i < 64; i++ {
			fmt.Fprintf(w, "payload-%04d....", i)
		}
	}))
	defer server.Close()

	client := newTestClient(t, WithCache(cache))
	for i := 0; i < 12; i++ {
		_, _ = execute(t, client, mustRequest(t, "GET", fmt.Sprintf("%s/doc-%d", server.URL, i)))
	}
	assert.LessOrEqual(t, cache.Size(), int64(4096), "disk usage must stay within maxSize")
}

func TestCacheEvictAllAndCounters(t *testing.T) {
	server := newScriptedServer(t)
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "A"))
	server.enqueue(textResponse(map[string]string{"Cache-Control": "max-age=60"}, "A2"))

	cache := newTestCache(t)
	client := newTestClient(t, WithCache(cache))

	execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	cache.EvictAll()
	assert.Equal(t, int64(0), cache.Size())

	_, body := execute(t, client, mustRequest(t, "GET", server.url("/doc")))
	assert.Equal(t, "A2", body)
}
