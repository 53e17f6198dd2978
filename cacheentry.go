package courier

import (
	"bufio"
	"crypto/md5"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// cacheKey is the disk key for a request URL: the MD5 of its canonical form,
// hex-encoded to fit the store's key alphabet.
func cacheKey(u *url.URL) string {
	sum := md5.Sum([]byte(u.String()))
	return hex.EncodeToString(sum[:])
}

// effectiveCacheURL is the URL a request is cached under: the explicit
// override when present, otherwise the request URL.
func effectiveCacheURL(req *Request) *url.URL {
	if o := req.CacheURLOverride(); o != nil {
		return o
	}
	return req.URL()
}

// cacheEntry is the metadata stream of a stored response: enough to rebuild
// the response head and to re-validate Vary matches. The body bytes live in
// the second stream, content-encoding preserved.
//
// Serialized line-oriented, UTF-8:
//
//	url, method, vary-count, vary lines, status line, header count,
//	header lines, sent millis, received millis, blank line, then for HTTPS
//	the cipher suite, both certificate chains (base64 DER) and the TLS
//	version. Legacy entries without the trailing TLS version, and header
//	names beginning with ':' (serialized HTTP/2 pseudo-headers), read fine.
type cacheEntry struct {
	url            string
	requestMethod  string
	varyHeaders    Headers
	protocol       Protocol
	code           int
	reason         string
	responseHeaders Headers
	sentMillis     int64
	receivedMillis int64
	tls            *TLSInfo
}

func newCacheEntry(resp *Response) *cacheEntry {
	return &cacheEntry{
		url:             effectiveCacheURL(resp.Request).String(),
		requestMethod:   resp.Request.Method(),
		varyHeaders:     varyHeaders(resp.Request.Headers(), resp.Headers),
		protocol:        resp.Protocol,
		code:            resp.StatusCode,
		reason:          resp.Status,
		responseHeaders: resp.Headers.Clone(),
		sentMillis:      resp.SentAtMillis,
		receivedMillis:  resp.ReceivedAtMillis,
		tls:             resp.TLS,
	}
}

func (e *cacheEntry) isHTTPS() bool { return strings.HasPrefix(e.url, "https://") }

// matches reports whether this entry may answer req: same URL and method,
// and every header the stored response varied on carries the same values now
// as when the entry was written.
func (e *cacheEntry) matches(req *Request) bool {
	if e.url != effectiveCacheURL(req).String() || e.requestMethod != req.Method() {
		return false
	}
	if hasVaryAll(e.responseHeaders) {
		return false
	}
	requested := varyHeaders(req.Headers(), e.responseHeaders)
	return requested.Equal(e.varyHeaders)
}

func (e *cacheEntry) writeTo(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%s\n", e.url)
	fmt.Fprintf(bw, "%s\n", e.requestMethod)
	fmt.Fprintf(bw, "%d\n", e.varyHeaders.Len())
	for i := 0; i < e.varyHeaders.Len(); i++ {
		name, value := e.varyHeaders.At(i)
		fmt.Fprintf(bw, "%s: %s\n", name, value)
	}

	fmt.Fprintf(bw, "%s %d %s\n", statusLineProtocol(e.protocol), e.code, e.reason)
	fmt.Fprintf(bw, "%d\n", e.responseHeaders.Len())
	for i := 0; i < e.responseHeaders.Len(); i++ {
		name, value := e.responseHeaders.At(i)
		fmt.Fprintf(bw, "%s: %s\n", name, value)
	}
	fmt.Fprintf(bw, "%d\n", e.sentMillis)
	fmt.Fprintf(bw, "%d\n", e.receivedMillis)
	fmt.Fprintf(bw, "\n")

	if e.isHTTPS() {
		tls := e.tls
		if tls == nil {
			tls = &TLSInfo{}
		}
		fmt.Fprintf(bw, "%s\n", tls.CipherSuite)
		writeCertList(bw, tls.PeerCertificates)
		writeCertList(bw, tls.LocalCertificates)
		fmt.Fprintf(bw, "%s\n", tls.Version)
	}
	return bw.Flush()
}

func writeCertList(bw *bufio.Writer, certs []*x509.Certificate) {
	fmt.Fprintf(bw, "%d\n", len(certs))
	for _, cert := range certs {
		fmt.Fprintf(bw, "%s\n", base64.StdEncoding.EncodeToString(cert.Raw))
	}
}

func statusLineProtocol(p Protocol) string {
	if p == ProtocolHTTP2 {
		return "h2"
	}
	if p == ProtocolHTTP10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

func readCacheEntry(r io.Reader) (*cacheEntry, error) {
	br := bufio.NewReader(r)
	e := &cacheEntry{}

	var err error
	if e.url, err = readEntryLine(br); err != nil {
		return nil, err
	}
	if e.requestMethod, err = readEntryLine(br); err != nil {
		return nil, err
	}
	varyCount, err := readEntryCount(br)
	if err != nil {
		return nil, err
	}
	for i := 0; i < varyCount; i++ {
		if err := readEntryHeader(br, &e.varyHeaders); err != nil {
			return nil, err
		}
	}

	statusLine, err := readEntryLine(br)
	if err != nil {
		return nil, err
	}
	if err := parseEntryStatusLine(statusLine, e); err != nil {
		return nil, err
	}

	headerCount, err := readEntryCount(br)
	if err != nil {
		return nil, err
	}
	for i := 0; i < headerCount; i++ {
		if err := readEntryHeader(br, &e.responseHeaders); err != nil {
			return nil, err
		}
	}
	if e.sentMillis, err = readEntryMillis(br); err != nil {
		return nil, err
	}
	if e.receivedMillis, err = readEntryMillis(br); err != nil {
		return nil, err
	}
	if blank, err := readEntryLine(br); err != nil || blank != "" {
		return nil, fmt.Errorf("courier: cache entry: expected blank line, got %q", blank)
	}

	if e.isHTTPS() {
		tls := &TLSInfo{}
		if tls.CipherSuite, err = readEntryLine(br); err != nil {
			return nil, err
		}
		if tls.PeerCertificates, err = readCertList(br); err != nil {
			return nil, err
		}
		if tls.LocalCertificates, err = readCertList(br); err != nil {
			return nil, err
		}
		// Legacy entries predate the TLS version line; absent means unknown.
		if version, err := readEntryLine(br); err == nil {
			tls.Version = version
		}
		e.tls = tls
	}
	return e, nil
}

func parseEntryStatusLine(line string, e *cacheEntry) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return fmt.Errorf("courier: cache entry: unexpected status line %q", line)
	}
	switch fields[0] {
	case "h2":
		e.protocol = ProtocolHTTP2
	case "HTTP/1.0":
		e.protocol = ProtocolHTTP10
	case "HTTP/1.1":
		e.protocol = ProtocolHTTP11
	default:
		return fmt.Errorf("courier: cache entry: unexpected status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("courier: cache entry: unexpected status line %q", line)
	}
	e.code = code
	if len(fields) == 3 {
		e.reason = fields[2]
	}
	return nil
}

func readEntryLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("courier: truncated cache entry: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readEntryCount(br *bufio.Reader) (int, error) {
	line, err := readEntryLine(br)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("courier: cache entry: expected count, got %q", line)
	}
	return n, nil
}

func readEntryMillis(br *bufio.Reader) (int64, error) {
	line, err := readEntryLine(br)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("courier: cache entry: expected millis, got %q", line)
	}
	return n, nil
}

// readEntryHeader accepts "Name: value" lines, leniently including legacy
// serializations whose names begin with ':' (HTTP/2 pseudo-headers written
// by earlier deployments).
func readEntryHeader(br *bufio.Reader, h *Headers) error {
	line, err := readEntryLine(br)
	if err != nil {
		return err
	}
	start := 0
	if strings.HasPrefix(line, ":") {
		start = 1
	}
	colon := strings.IndexByte(line[start:], ':')
	if colon < 0 {
		return fmt.Errorf("courier: cache entry: malformed header %q", line)
	}
	colon += start
	h.Add(line[:colon], strings.TrimSpace(line[colon+1:]))
	return nil
}

func readCertList(br *bufio.Reader) ([]*x509.Certificate, error) {
	count, err := readEntryCount(br)
	if err != nil {
		return nil, err
	}
	certs := make([]*x509.Certificate, 0, count)
	for i := 0; i < count; i++ {
		line, err := readEntryLine(br)
		if err != nil {
			return nil, err
		}
		der, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("courier: cache entry: bad certificate encoding: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("courier: cache entry: bad certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// response rebuilds the cached response head with body supplied by the
// caller.
func (e *cacheEntry) response(req *Request, body *ResponseBody) *Response {
	return &Response{
		Request:          req,
		Protocol:         e.protocol,
		StatusCode:       e.code,
		Status:           e.reason,
		Headers:          e.responseHeaders.Clone(),
		Body:             body,
		TLS:              e.tls,
		SentAtMillis:     e.sentMillis,
		ReceivedAtMillis: e.receivedMillis,
	}
}
