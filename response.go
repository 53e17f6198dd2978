package courier

import (
	"crypto/x509"
	"fmt"
	"io"
	"sync"
)

// TLSInfo captures the negotiated TLS session of a connection, recorded on
// responses and persisted with cache entries.
type TLSInfo struct {
	Version           string
	CipherSuite       string
	PeerCertificates  []*x509.Certificate
	LocalCertificates []*x509.Certificate
}

// Response is one HTTP response. Responses are immutable apart from their
// body, which is a single-reader stream: closing it releases the underlying
// exchange, so every response must be closed exactly once.
type Response struct {
	Request  *Request
	Protocol Protocol

	StatusCode int
	Status     string // reason phrase, may be empty on HTTP/2

	Headers Headers
	Body    *ResponseBody
	TLS     *TLSInfo

	// Prior is the response that triggered this follow-up, with its body
	// stripped. Nil for the first hop.
	Prior *Response

	// CacheResponse and NetworkResponse record where the bytes came from
	// when a cache participated in the call, bodies stripped.
	CacheResponse   *Response
	NetworkResponse *Response

	SentAtMillis     int64
	ReceivedAtMillis int64

	trailersFn func() (Headers, error)
}

// Header returns the first value for name.
func (r *Response) Header(name string) string { return r.Headers.Get(name) }

// IsSuccessful reports a 2xx status.
func (r *Response) IsSuccessful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports a status the call engine may follow.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case StatusMovedPermanently, StatusFound, StatusSeeOther,
		StatusTemporaryRedirect, StatusPermanentRedirect,
		StatusMultipleChoices:
		return true
	default:
		return false
	}
}

// CacheControl parses this response's cache directives.
func (r *Response) CacheControl() CacheControl {
	return ParseCacheControl(r.Headers)
}

// Trailers returns the trailing headers. It blocks until the body has been
// fully consumed; calling it earlier returns an error on HTTP/1.
func (r *Response) Trailers() (Headers, error) {
	if r.trailersFn == nil {
		return Headers{}, nil
	}
	return r.trailersFn()
}

// Close releases the response body. Safe to call on responses without one.
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

func (r *Response) String() string {
	return fmt.Sprintf("Response{protocol=%s, code=%d, url=%s}", r.Protocol, r.StatusCode, r.Request.URL())
}

// stripBody returns a copy safe to retain beyond the body's lifetime, used
// for prior/cache/network sub-responses.
func (r *Response) stripBody() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Body = nil
	cp.trailersFn = nil
	return &cp
}

// ResponseBody is the single-reader byte stream of a response. Closing it
// (or draining it to EOF and then closing) releases the exchange and lets the
// connection return to the pool.
type ResponseBody struct {
	source        io.ReadCloser
	contentType   string
	contentLength int64

	closeOnce sync.Once
	closeErr  error
}

// NewResponseBody wraps a stream as a response body. contentLength is -1 when
// unknown.
func NewResponseBody(contentType string, contentLength int64, source io.ReadCloser) *ResponseBody {
	return &ResponseBody{source: source, contentType: contentType, contentLength: contentLength}
}

// ContentType returns the MIME type reported by the origin, or "".
func (b *ResponseBody) ContentType() string { return b.contentType }

// ContentLength returns the expected byte count, or -1 when unknown.
func (b *ResponseBody) ContentLength() int64 { return b.contentLength }

func (b *ResponseBody) Read(p []byte) (int, error) { return b.source.Read(p) }

func (b *ResponseBody) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.source.Close()
	})
	return b.closeErr
}

// Bytes drains the body to EOF, closes it, and returns the content.
func (b *ResponseBody) Bytes() ([]byte, error) {
	defer b.Close()
	return io.ReadAll(b.source)
}

// String drains the body to EOF, closes it, and returns the content as text.
func (b *ResponseBody) String() (string, error) {
	data, err := b.Bytes()
	return string(data), err
}

// Well-known status codes the engine branches on.
const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101
	StatusProcessing         = 102
	StatusEarlyHints         = 103

	StatusOK             = 200
	StatusNoContent      = 204
	StatusResetContent   = 205
	StatusPartialContent = 206

	StatusMultipleChoices   = 300
	StatusMovedPermanently  = 301
	StatusFound             = 302
	StatusSeeOther          = 303
	StatusNotModified       = 304
	StatusTemporaryRedirect = 307
	StatusPermanentRedirect = 308

	StatusUnauthorized               = 401
	StatusNotFound                   = 404
	StatusProxyAuthRequired          = 407
	StatusRequestTimeout             = 408
	StatusMisdirectedRequest         = 421
	StatusInternalServerError        = 500
	StatusNotImplemented             = 501
	StatusServiceUnavailable         = 503
	StatusGatewayTimeout             = 504
	StatusHTTPVersionNotSupported    = 505
)

// isCacheableStatus lists the codes cacheable by default: the RFC 7231 §6.1
// set without 206, plus 308. isCacheableResponse also admits 302 and 307 when
// they carry explicit freshness or public/private markers; every other code
// is never cached.
func isCacheableStatus(code int) bool {
	switch code {
	case 200, 203, 204, 300, 301, 308, 404, 405, 410, 414, 501:
		return true
	default:
		return false
	}
}
