package courier

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/thushan/courier/internal/disklru"
)

const (
	cacheAppVersion = 201105

	entryMetadata = 0
	entryBody     = 1
	entryCount    = 2
)

// Cache is an RFC 7234 response cache backed by the journaled disk store.
// Only GET responses are cached unless a request opts in other methods via
// its cache URL override. Reads see committed snapshots; at most one writer
// exists per key, and a write that fails mid-stream leaves the previous
// committed response authoritative.
type Cache struct {
	store *disklru.Store
	log   *slog.Logger

	requestCount      atomic.Int64
	networkCount      atomic.Int64
	hitCount          atomic.Int64
	conditionalHits   atomic.Int64
	writeSuccessCount atomic.Int64
	writeAbortCount   atomic.Int64
}

// NewCache opens (creating or recovering as needed) a cache rooted at dir,
// bounded by maxSize bytes.
func NewCache(dir string, maxSize int64, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := disklru.Open(dir, cacheAppVersion, entryCount, maxSize, log)
	if err != nil {
		return nil, fmt.Errorf("courier: opening cache at %s: %w", dir, err)
	}
	return &Cache{store: store, log: log}, nil
}

// get returns the stored response matching req, or nil. The response body
// streams from the committed snapshot.
func (c *Cache) get(req *Request) *Response {
	key := cacheKey(effectiveCacheURL(req))
	snapshot, err := c.store.Get(key)
	if err != nil || snapshot == nil {
		return nil
	}

	entry, err := readCacheEntry(snapshot.Reader(entryMetadata))
	if err != nil {
		snapshot.Close()
		c.log.Warn("dropping unreadable cache entry", "key", key, "error", err)
		c.store.Remove(key)
		return nil
	}
	if !entry.matches(req) {
		snapshot.Close()
		return nil
	}

	body := NewResponseBody(
		entry.responseHeaders.Get("Content-Type"),
		snapshot.Len(entryBody),
		&snapshotBody{r: io.LimitReader(snapshot.Reader(entryBody), snapshot.Len(entryBody)), snapshot: snapshot},
	)
	return entry.response(req, body)
}

// put begins writing resp's metadata and returns a body-teeing writer, or
// nil when a writer already owns the key or the store declined.
func (c *Cache) put(resp *Response) *cacheWriter {
	key := cacheKey(effectiveCacheURL(resp.Request))
	editor, err := c.store.Edit(key)
	if err != nil || editor == nil {
		return nil
	}

	meta, err := editor.NewWriter(entryMetadata)
	if err != nil {
		c.abort(editor)
		return nil
	}
	entry := newCacheEntry(resp)
	if err := entry.writeTo(meta); err != nil {
		meta.Close()
		c.abort(editor)
		return nil
	}
	if err := meta.Close(); err != nil {
		c.abort(editor)
		return nil
	}

	body, err := editor.NewWriter(entryBody)
	if err != nil {
		c.abort(editor)
		return nil
	}
	return &cacheWriter{cache: c, editor: editor, body: body}
}

// update rewrites the metadata of an existing entry after a 304, leaving the
// stored body bytes untouched.
func (c *Cache) update(cached *Response, network *Response) {
	key := cacheKey(effectiveCacheURL(cached.Request))
	editor, err := c.store.Edit(key)
	if err != nil || editor == nil {
		return
	}
	meta, err := editor.NewWriter(entryMetadata)
	if err != nil {
		c.abort(editor)
		return
	}
	entry := newCacheEntry(network)
	if err := entry.writeTo(meta); err != nil {
		meta.Close()
		c.abort(editor)
		return
	}
	if err := meta.Close(); err != nil {
		c.abort(editor)
		return
	}
	if err := editor.Commit(); err != nil {
		c.writeAbortCount.Add(1)
		return
	}
	c.writeSuccessCount.Add(1)
}

func (c *Cache) abort(editor *disklru.Editor) {
	c.writeAbortCount.Add(1)
	editor.Abort()
}

// remove evicts the entry stored for u.
func (c *Cache) remove(u *url.URL) {
	c.store.Remove(cacheKey(u))
}

// invalidate handles an invalidating method's successful response: the
// effective request URL is evicted, as are same-origin Location and
// Content-Location targets.
func (c *Cache) invalidate(resp *Response) {
	reqURL := effectiveCacheURL(resp.Request)
	c.remove(reqURL)
	for _, name := range []string{"Location", "Content-Location"} {
		value := resp.Header(name)
		if value == "" {
			continue
		}
		target, err := reqURL.Parse(value)
		if err != nil {
			continue
		}
		if target.Scheme == reqURL.Scheme && target.Host == reqURL.Host {
			c.remove(target)
		}
	}
}

func (c *Cache) trackStrategy(s cacheStrategy) {
	c.requestCount.Add(1)
	if s.networkRequest != nil {
		c.networkCount.Add(1)
	} else if s.cacheResponse != nil {
		c.hitCount.Add(1)
	}
}

func (c *Cache) trackConditionalCacheHit() {
	c.hitCount.Add(1)
	c.conditionalHits.Add(1)
}

// RequestCount counts calls that consulted the cache.
func (c *Cache) RequestCount() int64 { return c.requestCount.Load() }

// NetworkCount counts calls that used the network.
func (c *Cache) NetworkCount() int64 { return c.networkCount.Load() }

// HitCount counts calls answered (fully or via 304) from the cache.
func (c *Cache) HitCount() int64 { return c.hitCount.Load() }

// WriteSuccessCount counts committed cache writes.
func (c *Cache) WriteSuccessCount() int64 { return c.writeSuccessCount.Load() }

// WriteAbortCount counts abandoned cache writes.
func (c *Cache) WriteAbortCount() int64 { return c.writeAbortCount.Load() }

// Size returns committed bytes on disk.
func (c *Cache) Size() int64 { return c.store.Size() }

// MaxSize returns the configured bound.
func (c *Cache) MaxSize() int64 { return c.store.MaxSize() }

// Flush forces journal records to disk.
func (c *Cache) Flush() error { return c.store.Flush() }

// Close releases the journal. The cache directory survives for reopening.
func (c *Cache) Close() error { return c.store.Close() }

// Delete closes the cache and removes everything on disk.
func (c *Cache) Delete() error { return c.store.Delete() }

// EvictAll removes every stored response.
func (c *Cache) EvictAll() {
	for _, key := range c.store.Keys() {
		c.store.Remove(key)
	}
}

// URLs iterates the cached request URLs. Deletion through Remove is
// supported mid-iteration.
func (c *Cache) URLs() *CacheIterator {
	return &CacheIterator{cache: c, keys: c.store.Keys()}
}

// CacheIterator walks cached URLs. HasNext snapshots the next URL cheaply;
// Next returns it even if the entry was concurrently evicted in between, to
// keep the HasNext promise. Remove deletes the last URL returned and is
// usable once per Next.
type CacheIterator struct {
	cache *Cache
	keys  []string

	mu        sync.Mutex
	nextURL   *string
	lastKey   string
	canRemove bool
}

func (it *CacheIterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.nextURL != nil {
		return true
	}
	for len(it.keys) > 0 {
		key := it.keys[0]
		it.keys = it.keys[1:]
		snapshot, err := it.cache.store.Get(key)
		if err != nil || snapshot == nil {
			continue
		}
		entry, err := readCacheEntry(snapshot.Reader(entryMetadata))
		snapshot.Close()
		if err != nil {
			continue
		}
		u := entry.url
		it.nextURL = &u
		it.lastKey = key
		return true
	}
	return false
}

func (it *CacheIterator) Next() (string, bool) {
	if !it.HasNext() {
		return "", false
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	u := *it.nextURL
	it.nextURL = nil
	it.canRemove = true
	return u, true
}

func (it *CacheIterator) Remove() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.canRemove {
		return fmt.Errorf("courier: Remove requires a preceding Next")
	}
	it.canRemove = false
	_, err := it.cache.store.Remove(it.lastKey)
	return err
}

// snapshotBody streams a committed body stream and releases the snapshot on
// close.
type snapshotBody struct {
	r        io.Reader
	snapshot *disklru.Snapshot
	closed   bool
}

func (b *snapshotBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *snapshotBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.snapshot.Close()
}

// cacheWriter tees network body bytes into the store; commit happens when
// the network body reaches EOF, abort on any earlier failure.
type cacheWriter struct {
	cache  *Cache
	editor *disklru.Editor
	body   io.WriteCloser
	done   bool
}

func (w *cacheWriter) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

func (w *cacheWriter) commit() {
	if w.done {
		return
	}
	w.done = true
	if err := w.body.Close(); err != nil {
		w.cache.writeAbortCount.Add(1)
		w.editor.Abort()
		return
	}
	if err := w.editor.Commit(); err != nil {
		w.cache.writeAbortCount.Add(1)
		return
	}
	w.cache.writeSuccessCount.Add(1)
}

func (w *cacheWriter) abort() {
	if w.done {
		return
	}
	w.done = true
	w.body.Close()
	w.cache.writeAbortCount.Add(1)
	w.editor.Abort()
}
