package courier

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Connection owns one socket (and its TLS session, when present) and turns it
// into a sequence of exchanges. An HTTP/1.1 connection serves one exchange at
// a time; an HTTP/2 connection multiplexes up to the peer's advertised
// concurrent-stream limit.
//
// Lifecycle: connecting → idle → in use [n] → draining (noNewExchanges) →
// closed. A connection marked noNewExchanges is never handed out by the pool
// again but finishes its in-flight exchanges.
type Connection struct {
	pool  *ConnectionPool
	route Route

	rawConn  net.Conn
	tlsConn  *tls.Conn
	tlsInfo  *TLSInfo
	protocol Protocol

	h1 *http1Codec
	h2 *http2Conn

	mu                sync.Mutex
	noNewExchanges    bool
	closed            bool
	exchangesInFlight int
	exchangeLimit     int // 1 for HTTP/1.1, peer max streams for HTTP/2
	totalExchanges    int64
	successCount      int64
	failureCount      int64
	routeFailureCount int
	idleAtNs          int64
}

// Route returns the route this connection was established over.
func (c *Connection) Route() Route { return c.route }

// Protocol returns the negotiated application protocol.
func (c *Connection) Protocol() Protocol { return c.protocol }

// TLSInfo returns the handshake record, or nil for cleartext.
func (c *Connection) TLSInfo() *TLSInfo { return c.tlsInfo }

// IsMultiplexed reports whether this connection can serve concurrent
// exchanges.
func (c *Connection) IsMultiplexed() bool { return c.h2 != nil }

// netConn returns the stream the codecs read and write. TLS when present.
func (c *Connection) netConn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.rawConn
}

// reserveExchange claims capacity for a new exchange, or reports why not.
func (c *Connection) reserveExchange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noNewExchanges || c.closed {
		return false
	}
	limit := c.exchangeLimit
	if c.h2 != nil {
		limit = c.h2.streamLimit()
	}
	if c.exchangesInFlight >= limit {
		return false
	}
	c.exchangesInFlight++
	c.totalExchanges++
	return true
}

// releaseExchange returns capacity and stamps the idle time when the
// connection empties.
func (c *Connection) releaseExchange(success bool) {
	c.mu.Lock()
	c.exchangesInFlight--
	if success {
		c.successCount++
	} else {
		c.failureCount++
	}
	idle := c.exchangesInFlight == 0
	if idle {
		c.idleAtNs = time.Now().UnixNano()
	}
	pool := c.pool
	c.mu.Unlock()

	if idle && pool != nil {
		pool.connectionBecameIdle(c)
	}
}

// NoNewExchanges takes the connection out of service for future exchanges.
func (c *Connection) NoNewExchanges() {
	c.mu.Lock()
	c.noNewExchanges = true
	c.mu.Unlock()
}

func (c *Connection) isNoNewExchanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noNewExchanges
}

// newCodec binds a fresh exchange codec for a call.
func (c *Connection) newCodec(call *Call, timeouts timeoutConfig) (exchangeCodec, error) {
	if c.h2 != nil {
		return c.h2.newStreamCodec(call, timeouts)
	}
	c.h1.bind(call, timeouts)
	return c.h1, nil
}

// isEligible reports whether a pooled connection may carry an exchange to
// address. The second form of reuse, HTTP/2 coalescing, is admitted when the
// connection's route terminates at the same endpoint and its certificate
// authenticates the requested host.
func (c *Connection) isEligible(address *Address, routes []Route) bool {
	c.mu.Lock()
	if c.closed || c.noNewExchanges {
		c.mu.Unlock()
		return false
	}
	limit := c.exchangeLimit
	if c.h2 != nil {
		limit = c.h2.streamLimit()
	}
	if c.exchangesInFlight >= limit {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if c.route.address.equal(address) {
		return true
	}

	// Coalescing: only multiplexed TLS connections, identical config, a
	// route that resolves to this connection's endpoint, and a certificate
	// covering the new host.
	if c.h2 == nil || c.tlsInfo == nil {
		return false
	}
	if !c.route.address.equalConfig(address) {
		return false
	}
	if routes == nil || !routesContainEndpoint(routes, c.route) {
		return false
	}
	return c.certificateMatches(address.Host())
}

func routesContainEndpoint(routes []Route, candidate Route) bool {
	for _, r := range routes {
		if r.proxy.Kind == ProxyDirect && candidate.proxy.Kind == ProxyDirect &&
			r.SocketEndpoint() == candidate.SocketEndpoint() {
			return true
		}
	}
	return false
}

// certificateMatches verifies the peer certificate's SANs cover host.
func (c *Connection) certificateMatches(host string) bool {
	if len(c.tlsInfo.PeerCertificates) == 0 {
		return false
	}
	return c.tlsInfo.PeerCertificates[0].VerifyHostname(host) == nil
}

// isHealthy probes the socket before reuse. Extensive checks additionally
// require a live HTTP/2 ping for connections that have been idle a while.
func (c *Connection) isHealthy(doExtensiveChecks bool) bool {
	c.mu.Lock()
	closed := c.closed
	idleAt := c.idleAtNs
	c.mu.Unlock()
	if closed {
		return false
	}

	if c.h2 != nil {
		if !c.h2.isHealthy() {
			return false
		}
		if doExtensiveChecks {
			idleFor := time.Duration(time.Now().UnixNano() - idleAt)
			if idleFor > 10*time.Second && !c.h2.awaitPong(time.Second) {
				return false
			}
		}
		return true
	}

	// HTTP/1: peek for an unexpected close or stray bytes. A readable
	// socket with buffered data at idle means the server already gave up.
	conn := c.netConn()
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	one := make([]byte, 1)
	n, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})
	if n > 0 {
		// Stray bytes outside an exchange poison the framing.
		return false
	}
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// cancel tears down in-flight I/O for a canceled call. For HTTP/1 the only
// option is closing the socket; HTTP/2 resets the stream at the codec level.
func (c *Connection) cancel() {
	if c.h2 != nil {
		return // stream-level cancel handles it
	}
	c.close()
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.noNewExchanges = true
	c.mu.Unlock()

	if c.h2 != nil {
		c.h2.close()
	}
	if c.tlsConn != nil {
		c.tlsConn.Close()
	}
	c.rawConn.Close()
}

func (c *Connection) idleAt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleAtNs
}

func (c *Connection) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangesInFlight
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) String() string {
	proto := string(c.protocol)
	if proto == "" {
		proto = "connecting"
	}
	var b strings.Builder
	b.WriteString("Connection{")
	b.WriteString(c.route.address.hostPort())
	b.WriteString(" ")
	b.WriteString(proto)
	b.WriteString("}")
	return b.String()
}

// timeoutConfig carries the per-attempt deadlines an exchange applies to its
// socket operations.
type timeoutConfig struct {
	connect time.Duration
	read    time.Duration
	write   time.Duration
}

// responseHead is the status line and header block of a response before the
// body is opened.
type responseHead struct {
	protocol Protocol
	code     int
	reason   string
	headers  Headers
}

// exchangeCodec encodes one request and decodes its response on a specific
// connection. HTTP/1 and HTTP/2 provide implementations.
type exchangeCodec interface {
	connection() *Connection

	writeRequestHeaders(req *Request) error
	createRequestBody(req *Request, contentLength int64) (io.WriteCloser, error)
	flushRequest() error
	finishRequest() error

	// readResponseHeaders returns the next response head. When
	// expectContinue is set and the peer answered 100, it returns (nil, nil)
	// and the caller proceeds to send the body.
	readResponseHeaders(expectContinue bool) (*responseHead, error)

	// responseBodySource opens the body stream for head. The returned length
	// is -1 when unknown (read to end of stream).
	responseBodySource(head *responseHead) (io.ReadCloser, int64, error)

	trailers() (Headers, error)

	// cancel aborts the exchange: socket close for HTTP/1, RST_STREAM with
	// CANCEL for HTTP/2.
	cancel()
}
