package courier

import (
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/thushan/courier/internal/hostutil"
)

// Request is one HTTP request as the application described it. Requests are
// immutable once built; follow-ups and interceptors derive new requests with
// Derive rather than mutating in place.
type Request struct {
	method           string
	url              *url.URL
	headers          Headers
	body             RequestBody
	tags             map[reflect.Type]any
	cacheURLOverride *url.URL

	cacheControlOnce sync.Once
	cacheControl     CacheControl
}

// RequestOption customises a request at construction.
type RequestOption func(*Request) error

// NewRequest builds an immutable request for an absolute http or https URL.
// The URL host is canonicalised (punycode, lower case) so that equal
// destinations compare equal.
func NewRequest(method, rawURL string, opts ...RequestOption) (*Request, error) {
	if method == "" {
		return nil, fmt.Errorf("courier: method must not be empty")
	}
	u, err := canonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	r := &Request{method: strings.ToUpper(method), url: u}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.body != nil && !methodPermitsBody(r.method) {
		return nil, fmt.Errorf("courier: method %s must not have a request body", r.method)
	}
	if r.body == nil && methodRequiresBody(r.method) {
		return nil, fmt.Errorf("courier: method %s requires a request body", r.method)
	}
	return r, nil
}

func canonicalURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("courier: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("courier: unexpected scheme %q in %q", u.Scheme, rawURL)
	}
	host := hostutil.Canonicalize(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("courier: invalid host in %q", rawURL)
	}
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// WithHeader appends a header field.
func WithHeader(name, value string) RequestOption {
	return func(r *Request) error {
		r.headers.Add(name, value)
		return nil
	}
}

// WithHeaders replaces the whole header block.
func WithHeaders(h Headers) RequestOption {
	return func(r *Request) error {
		r.headers = h.Clone()
		return nil
	}
}

// WithBody attaches a request body.
func WithBody(body RequestBody) RequestOption {
	return func(r *Request) error {
		r.body = body
		return nil
	}
}

// WithTag attaches an opaque value retrievable by its type via RequestTag.
func WithTag(value any) RequestOption {
	return func(r *Request) error {
		if value == nil {
			return fmt.Errorf("courier: tag value must not be nil")
		}
		if r.tags == nil {
			r.tags = make(map[reflect.Type]any, 1)
		}
		r.tags[reflect.TypeOf(value)] = value
		return nil
	}
}

// WithCacheURLOverride keys cache storage and lookup on an alternate URL,
// which also opts a non-GET request into caching.
func WithCacheURLOverride(rawURL string) RequestOption {
	return func(r *Request) error {
		u, err := canonicalURL(rawURL)
		if err != nil {
			return err
		}
		r.cacheURLOverride = u
		return nil
	}
}

// WithCacheControl sets the Cache-Control header from parsed directives.
func WithCacheControl(cc CacheControl) RequestOption {
	return func(r *Request) error {
		value := formatCacheControl(cc)
		if value == "" {
			r.headers.Del("Cache-Control")
		} else {
			r.headers.Set("Cache-Control", value)
		}
		return nil
	}
}

// Method returns the request verb, upper case.
func (r *Request) Method() string { return r.method }

// URL returns the canonical request URL. Treat as read-only.
func (r *Request) URL() *url.URL { return r.url }

// IsHTTPS reports whether the request targets a TLS origin.
func (r *Request) IsHTTPS() bool { return r.url.Scheme == "https" }

// Header returns the first value for name.
func (r *Request) Header(name string) string { return r.headers.Get(name) }

// Headers returns a copy of the header block.
func (r *Request) Headers() Headers { return r.headers.Clone() }

// Body returns the request body, or nil.
func (r *Request) Body() RequestBody { return r.body }

// CacheURLOverride returns the alternate cache key URL, or nil.
func (r *Request) CacheURLOverride() *url.URL { return r.cacheURLOverride }

// CacheControl lazily parses and caches this request's cache directives.
func (r *Request) CacheControl() CacheControl {
	r.cacheControlOnce.Do(func() {
		r.cacheControl = ParseCacheControl(r.headers)
	})
	return r.cacheControl
}

// RequestTag retrieves the tag of type T attached with WithTag.
func RequestTag[T any](r *Request) (T, bool) {
	var zero T
	if r.tags == nil {
		return zero, false
	}
	v, ok := r.tags[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Derive returns a copy of the request with the given options applied on top.
// Tags and the cache URL override carry over.
func (r *Request) Derive(opts ...RequestOption) (*Request, error) {
	nr := &Request{
		method:           r.method,
		url:              r.url,
		headers:          r.headers.Clone(),
		body:             r.body,
		cacheURLOverride: r.cacheURLOverride,
	}
	if r.tags != nil {
		nr.tags = make(map[reflect.Type]any, len(r.tags))
		for k, v := range r.tags {
			nr.tags[k] = v
		}
	}
	for _, opt := range opts {
		if err := opt(nr); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// deriveMethodURL rebuilds the request for a follow-up hop: new method and
// target, body dropped unless the method keeps it.
func (r *Request) deriveMethodURL(method string, u *url.URL, keepBody bool) *Request {
	nr := &Request{
		method:           method,
		url:              u,
		headers:          r.headers.Clone(),
		cacheURLOverride: r.cacheURLOverride,
		tags:             r.tags,
	}
	if keepBody {
		nr.body = r.body
	} else {
		nr.headers.Del("Content-Length")
		nr.headers.Del("Content-Type")
		nr.headers.Del("Transfer-Encoding")
	}
	return nr
}

func methodPermitsBody(method string) bool {
	switch method {
	case "GET", "HEAD":
		return false
	default:
		return true
	}
}

func methodRequiresBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "PROPPATCH", "REPORT":
		return true
	default:
		return false
	}
}

// methodInvalidatesCache reports whether a successful response to this method
// must evict any cached entry for its URL.
func methodInvalidatesCache(method string) bool {
	switch method {
	case "POST", "PUT", "DELETE", "PATCH", "MOVE":
		return true
	default:
		return false
	}
}

func formatCacheControl(cc CacheControl) string {
	var parts []string
	if cc.NoCache {
		parts = append(parts, "no-cache")
	}
	if cc.NoStore {
		parts = append(parts, "no-store")
	}
	if cc.MaxAgeSeconds >= 0 {
		parts = append(parts, fmt.Sprintf("max-age=%d", cc.MaxAgeSeconds))
	}
	if cc.SMaxAgeSeconds >= 0 {
		parts = append(parts, fmt.Sprintf("s-maxage=%d", cc.SMaxAgeSeconds))
	}
	if cc.Private {
		parts = append(parts, "private")
	}
	if cc.Public {
		parts = append(parts, "public")
	}
	if cc.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if cc.MaxStaleSeconds >= 0 {
		if cc.MaxStaleSeconds == int(^uint(0)>>1) {
			parts = append(parts, "max-stale")
		} else {
			parts = append(parts, fmt.Sprintf("max-stale=%d", cc.MaxStaleSeconds))
		}
	}
	if cc.MinFreshSeconds >= 0 {
		parts = append(parts, fmt.Sprintf("min-fresh=%d", cc.MinFreshSeconds))
	}
	if cc.OnlyIfCached {
		parts = append(parts, "only-if-cached")
	}
	if cc.NoTransform {
		parts = append(parts, "no-transform")
	}
	if cc.Immutable {
		parts = append(parts, "immutable")
	}
	return strings.Join(parts, ", ")
}

// RequestBody supplies the bytes of a request. Implementations declare their
// length up front (or -1 for chunked transfer), and whether they can be
// replayed for retries and redirects.
type RequestBody interface {
	// ContentType returns the MIME type, or "" to omit the header.
	ContentType() string

	// ContentLength returns the byte count, or -1 when unknown (the body is
	// then sent chunked).
	ContentLength() int64

	// WriteTo streams the body into w exactly once per transmission.
	WriteTo(w io.Writer) error

	// IsOneShot reports whether the body can be transmitted at most once.
	// One-shot bodies are never replayed for retries or follow-ups.
	IsOneShot() bool

	// IsDuplex reports whether the body may be written concurrently with
	// reading the response. Only HTTP/2 supports duplex exchanges.
	IsDuplex() bool
}

// BytesBody is a replayable in-memory request body.
func BytesBody(contentType string, data []byte) RequestBody {
	return &bytesBody{contentType: contentType, data: data}
}

// StringBody is a replayable request body backed by a string.
func StringBody(contentType, data string) RequestBody {
	return &bytesBody{contentType: contentType, data: []byte(data)}
}

type bytesBody struct {
	contentType string
	data        []byte
}

func (b *bytesBody) ContentType() string   { return b.contentType }
func (b *bytesBody) ContentLength() int64  { return int64(len(b.data)) }
func (b *bytesBody) IsOneShot() bool       { return false }
func (b *bytesBody) IsDuplex() bool        { return false }
func (b *bytesBody) WriteTo(w io.Writer) error {
	_, err := w.Write(b.data)
	return err
}

// ReaderBody adapts a stream into a one-shot request body. contentLength may
// be -1 for chunked transfer.
func ReaderBody(contentType string, contentLength int64, r io.Reader) RequestBody {
	return &readerBody{contentType: contentType, contentLength: contentLength, r: r}
}

type readerBody struct {
	contentType   string
	contentLength int64
	r             io.Reader
}

func (b *readerBody) ContentType() string  { return b.contentType }
func (b *readerBody) ContentLength() int64 { return b.contentLength }
func (b *readerBody) IsOneShot() bool      { return true }
func (b *readerBody) IsDuplex() bool       { return false }
func (b *readerBody) WriteTo(w io.Writer) error {
	_, err := copyWithPooledBuffer(w, b.r)
	return err
}

// DuplexBody wraps a body so its bytes may interleave with response reads on
// an HTTP/2 exchange. HTTP/1.1 rejects duplex bodies with a protocol error.
func DuplexBody(body RequestBody) RequestBody {
	return &duplexBody{RequestBody: body}
}

type duplexBody struct {
	RequestBody
}

func (b *duplexBody) IsDuplex() bool { return true }
