package courier

import (
	"io"
	"strings"
)

// cacheInterceptor sits between the application interceptors and the
// connection machinery: it answers fresh hits locally, converts stale hits
// into conditional requests, merges 304s, tees cacheable bodies to disk, and
// evicts entries invalidated by write methods.
type cacheInterceptor struct {
	client *Client
}

func (ci *cacheInterceptor) Intercept(chain Chain) (*Response, error) {
	call := chain.Call()
	req := chain.Request()
	cache := ci.client.options.Cache

	var cacheCandidate *Response
	if cache != nil {
		cacheCandidate = cache.get(req)
	}

	strategy := computeCacheStrategy(nowMillis(), req, cacheCandidate)
	networkRequest := strategy.networkRequest
	cacheResponse := strategy.cacheResponse

	if cache != nil {
		cache.trackStrategy(strategy)
	}
	if cacheCandidate != nil && cacheResponse == nil {
		// The candidate existed but was unusable (Vary mismatch handled in
		// get; here: uncacheable or superseded).
		cacheCandidate.Close()
	}

	// Unsatisfiable only-if-cached.
	if networkRequest == nil && cacheResponse == nil {
		resp := synthesizeUnsatisfiable(req)
		call.listener.SatisfactionFailure(call, resp)
		return resp, nil
	}

	// Pure cache hit.
	if networkRequest == nil {
		call.listener.CacheHit(call, cacheResponse)
		hit := *cacheResponse
		hit.CacheResponse = cacheResponse.stripBody()
		return &hit, nil
	}

	if cacheResponse != nil {
		call.listener.CacheConditionalHit(call, cacheResponse)
	} else if cache != nil {
		call.listener.CacheMiss(call)
	}

	networkResponse, err := chain.Proceed(networkRequest)
	if err != nil {
		if cacheResponse != nil {
			cacheResponse.Close()
		}
		return nil, err
	}

	if cacheResponse != nil {
		if networkResponse.StatusCode == StatusNotModified {
			// 304: the stored bytes stand; headers merge, timestamps update.
			merged := *cacheResponse
			merged.Headers = combineCachedHeaders(cacheResponse.Headers, networkResponse.Headers)
			merged.SentAtMillis = networkResponse.SentAtMillis
			merged.ReceivedAtMillis = networkResponse.ReceivedAtMillis
			merged.CacheResponse = cacheResponse.stripBody()
			merged.NetworkResponse = networkResponse.stripBody()
			networkResponse.Close()

			cache.trackConditionalCacheHit()
			cache.update(cacheResponse, merged.stripBody())
			return &merged, nil
		}
		cacheResponse.Close()
	}

	response := *networkResponse
	response.CacheResponse = cacheResponse.stripBody()
	response.NetworkResponse = networkResponse.stripBody()
	result := &response

	if cache != nil {
		if isCacheWorthy(req, result) {
			if writer := cache.put(result); writer != nil {
				result = teeCacheWrite(result, writer)
			}
		}
		// A cache URL override marks the write method as idempotent; it opts
		// out of invalidation as well as into storage.
		if req.CacheURLOverride() == nil &&
			methodInvalidatesCache(req.Method()) &&
			result.StatusCode >= 200 && result.StatusCode < 400 {
			cache.invalidate(result)
		}
	}
	return result, nil
}

// isCacheWorthy decides storage: GET by default, any method when the request
// opted in via a cache URL override; never with Vary: *, never partial
// content, never no-store, and never Set-Cookie responses while a cookie jar
// is installed (stale cookies served from disk would bypass the jar).
func isCacheWorthy(req *Request, resp *Response) bool {
	if req.Method() != "GET" && req.CacheURLOverride() == nil {
		return false
	}
	if hasVaryAll(resp.Headers) {
		return false
	}
	if resp.Headers.Has("Set-Cookie") {
		return false
	}
	return isCacheableResponse(resp, req)
}

// combineCachedHeaders implements the RFC 7234 §4.3.4 merge: start from the
// cached end-to-end headers, overlay the 304's end-to-end headers except the
// entity-describing set, drop stale 1xx warnings, keep 2xx warnings.
func combineCachedHeaders(cached, network Headers) Headers {
	var out Headers
	for i := 0; i < cached.Len(); i++ {
		name, value := cached.At(i)
		if strings.EqualFold(name, "Warning") && strings.HasPrefix(value, "1") {
			continue
		}
		if !isEndToEnd(name) {
			continue
		}
		if isContentSpecific(name) || !network.Has(name) {
			out.Add(name, value)
		}
	}
	for i := 0; i < network.Len(); i++ {
		name, value := network.At(i)
		if isContentSpecific(name) {
			// The 304 carries no entity; its entity headers do not apply.
			continue
		}
		if isEndToEnd(name) {
			out.Add(name, value)
		}
	}
	return out
}

func isContentSpecific(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "content-encoding", "content-type":
		return true
	default:
		return false
	}
}

// teeCacheWrite wraps the response body so bytes flow to the cache editor as
// the application reads them. Reaching EOF commits; failing or abandoning
// aborts and the previous committed entry (if any) survives.
func teeCacheWrite(resp *Response, writer *cacheWriter) *Response {
	inner := resp.Body
	teed := *resp
	teed.Body = NewResponseBody(inner.ContentType(), inner.ContentLength(), &cacheTeeSource{
		inner:  inner,
		writer: writer,
	})
	return &teed
}

type cacheTeeSource struct {
	inner  *ResponseBody
	writer *cacheWriter
	closed bool
}

func (t *cacheTeeSource) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		if _, werr := t.writer.Write(p[:n]); werr != nil {
			t.writer.abort()
		}
	}
	if err == io.EOF {
		t.writer.commit()
	} else if err != nil {
		t.writer.abort()
	}
	return n, err
}

func (t *cacheTeeSource) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	// Closing before EOF abandons the write; the tail was never observed.
	t.writer.abort()
	return t.inner.Close()
}
