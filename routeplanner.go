package courier

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// connectDelay staggers racing connect attempts during fast fallback, per
// the happy-eyeballs recommendation.
const connectDelay = 250 * time.Millisecond

// routeSelector enumerates route batches for an address: for every proxy
// candidate, one batch per DNS resolution. Routes that recently failed are
// moved to the back of the batch so healthy endpoints are tried first.
type routeSelector struct {
	address  *Address
	routeDB  *routeDatabase
	call     *Call
	listener EventListener

	proxies    []Proxy
	proxyIndex int
}

func newRouteSelector(address *Address, routeDB *routeDatabase, call *Call) *routeSelector {
	s := &routeSelector{
		address:  address,
		routeDB:  routeDB,
		call:     call,
		listener: call.listener,
	}
	u := call.request.URL()
	s.listener.ProxySelectStart(call, address.Host())
	s.proxies = address.selectProxies(u)
	s.listener.ProxySelectEnd(call, address.Host(), s.proxies)
	return s
}

func (s *routeSelector) hasNext() bool {
	return s.proxyIndex < len(s.proxies)
}

// next resolves the next proxy candidate into a batch of routes.
func (s *routeSelector) next(ctx context.Context) ([]Route, error) {
	if !s.hasNext() {
		return nil, &RouteError{Host: s.address.Host()}
	}
	proxy := s.proxies[s.proxyIndex]
	s.proxyIndex++

	// For an HTTP proxy the socket targets the proxy itself; DNS resolves
	// the proxy host. Direct routes resolve the origin.
	lookupHost := s.address.Host()
	port := s.address.Port()
	if proxy.Kind == ProxyHTTP {
		lookupHost = proxy.Host
		port = proxy.Port
	}

	var ips []net.IP
	if ip := net.ParseIP(lookupHost); ip != nil {
		ips = []net.IP{ip}
	} else {
		s.listener.DNSStart(s.call, lookupHost)
		resolved, err := s.address.dns.Lookup(ctx, lookupHost)
		if err != nil {
			return nil, err
		}
		if len(resolved) == 0 {
			return nil, fmt.Errorf("courier: dns for %s returned no addresses", lookupHost)
		}
		s.listener.DNSEnd(s.call, lookupHost, resolved)
		ips = resolved
	}

	var fresh, postponed []Route
	for _, ip := range ips {
		route := Route{address: s.address, proxy: proxy, ip: ip, port: port}
		if s.routeDB.shouldPostpone(route) {
			postponed = append(postponed, route)
		} else {
			fresh = append(fresh, route)
		}
	}
	return append(fresh, postponed...), nil
}

// exchangeFinder obtains a connection able to carry one exchange, in
// preference order: the call's own connection, a pooled connection, a
// coalesced pooled connection, then a freshly connected route.
type exchangeFinder struct {
	call     *Call
	address  *Address
	timeouts timeoutConfig

	selector *routeSelector
}

func newExchangeFinder(call *Call, address *Address, timeouts timeoutConfig) *exchangeFinder {
	return &exchangeFinder{call: call, address: address, timeouts: timeouts}
}

func (f *exchangeFinder) find(ctx context.Context, requireMultiplexed bool) (*Connection, error) {
	client := f.call.client
	pool := client.pool
	doExtensiveChecks := f.call.request.Method() != "GET"

	for {
		if f.call.IsCanceled() {
			return nil, ErrCanceled
		}

		// 1. The connection a previous exchange of this call used.
		if conn := f.call.connection; conn != nil {
			if conn.isEligible(f.address, nil) && conn.isHealthy(doExtensiveChecks) && conn.reserveExchange() {
				return conn, nil
			}
		}

		// 2. A pooled connection with this exact address.
		if conn := f.takePooled(pool, nil, requireMultiplexed, doExtensiveChecks); conn != nil {
			f.call.listener.ConnectionAcquired(f.call, conn)
			return conn, nil
		}

		// 3/4. Plan routes, retrying the pool with them (coalescing), then
		// connect.
		if f.selector == nil {
			f.selector = newRouteSelector(f.address, client.routeDB, f.call)
		}
		if !f.selector.hasNext() {
			return nil, &RouteError{Host: f.address.Host()}
		}
		routes, err := f.selector.next(ctx)
		if err != nil {
			if f.selector.hasNext() {
				continue
			}
			return nil, err
		}

		if conn := f.takePooled(pool, routes, requireMultiplexed, doExtensiveChecks); conn != nil {
			f.call.listener.ConnectionAcquired(f.call, conn)
			return conn, nil
		}

		conn, err := f.connectBatch(ctx, routes)
		if err != nil {
			if f.selector.hasNext() {
				continue
			}
			return nil, err
		}
		client.routeDB.connected(conn.route)
		conn.reserveExchange()
		pool.put(conn)
		f.call.listener.ConnectionAcquired(f.call, conn)
		return conn, nil
	}
}

func (f *exchangeFinder) takePooled(pool *ConnectionPool, routes []Route, requireMultiplexed, doExtensiveChecks bool) *Connection {
	for {
		conn := pool.acquire(f.address, routes, requireMultiplexed)
		if conn == nil {
			return nil
		}
		if conn.isHealthy(doExtensiveChecks) {
			return conn
		}
		// Unhealthy: retire it and keep looking.
		conn.releaseExchange(false)
		conn.NoNewExchanges()
	}
}

// connectBatch dials the batch (racing when fast fallback is enabled),
// tunnels, handshakes and negotiates the protocol.
func (f *exchangeFinder) connectBatch(ctx context.Context, routes []Route) (*Connection, error) {
	client := f.call.client
	raw, route, err := f.dialRace(ctx, routes)
	if err != nil {
		return nil, err
	}

	conn, err := f.establish(raw, route)
	if err != nil {
		raw.Close()
		client.routeDB.recordFailure(route)
		f.call.listener.ConnectFailed(f.call, route, err)
		return nil, err
	}
	f.call.listener.ConnectEnd(f.call, route, conn.protocol)
	return conn, nil
}

// dialRace opens the TCP socket. With fast fallback, attempts launch
// connectDelay apart and the first to connect wins; the rest are torn down.
func (f *exchangeFinder) dialRace(ctx context.Context, routes []Route) (net.Conn, Route, error) {
	client := f.call.client
	dial := client.options.Dialer
	if dial == nil {
		dialer := &net.Dialer{Timeout: f.timeouts.connect}
		dial = dialer.DialContext
	}

	dialOne := func(ctx context.Context, route Route) (net.Conn, error) {
		f.call.listener.ConnectStart(f.call, route)
		conn, err := dial(ctx, "tcp", route.SocketEndpoint())
		if err != nil {
			client.routeDB.recordFailure(route)
			f.call.listener.ConnectFailed(f.call, route, err)
		}
		return conn, err
	}

	if !f.address.fastFallback || len(routes) == 1 {
		var errs []error
		for _, route := range routes {
			if f.call.IsCanceled() {
				return nil, Route{}, ErrCanceled
			}
			conn, err := dialOne(ctx, route)
			if err == nil {
				return conn, route, nil
			}
			errs = append(errs, err)
		}
		return nil, Route{}, &RouteError{Host: f.address.Host(), Attempts: errs}
	}

	type winner struct {
		conn  net.Conn
		route Route
	}
	won := make(chan winner, 1)
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, raceCtx := errgroup.WithContext(raceCtx)
	for i, route := range routes {
		delay := time.Duration(i) * connectDelay
		g.Go(func() error {
			select {
			case <-raceCtx.Done():
				return raceCtx.Err()
			case <-time.After(delay):
			}
			conn, err := dialOne(raceCtx, route)
			if err != nil {
				return err
			}
			select {
			case won <- winner{conn: conn, route: route}:
				cancel() // winner found; abandon the stragglers
			default:
				conn.Close() // lost the race after connecting
			}
			return nil
		})
	}
	err := g.Wait()
	select {
	case w := <-won:
		return w.conn, w.route, nil
	default:
	}
	return nil, Route{}, &RouteError{Host: f.address.Host(), Attempts: []error{err}}
}

// establish turns a raw socket into a protocol-negotiated Connection:
// CONNECT tunnel when proxied TLS, then the TLS handshake walking the
// connection-spec fallback list, then codec setup.
func (f *exchangeFinder) establish(raw net.Conn, route Route) (*Connection, error) {
	conn := &Connection{route: route, rawConn: raw, exchangeLimit: 1}

	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	if route.RequiresTunnel() {
		if err := establishTunnel(f.call, raw, route, f.timeouts); err != nil {
			return nil, err
		}
	}

	if !f.address.IsTLS() {
		if len(f.address.protocols) == 1 && f.address.protocols[0] == ProtocolH2PriorKnowledge {
			conn.protocol = ProtocolHTTP2
			h2, err := newHTTP2Conn(conn, f.call.client.options.PingInterval)
			if err != nil {
				return nil, err
			}
			conn.h2 = h2
		} else {
			conn.protocol = ProtocolHTTP11
			conn.h1 = newHTTP1Codec(conn)
		}
		return conn, nil
	}

	specs := f.address.connectionSpecs
	if len(specs) == 0 {
		specs = []ConnectionSpec{ModernTLS}
	}

	var lastErr error
	socket := raw
	for i, spec := range specs {
		if !spec.IsTLS {
			continue
		}
		if i > 0 {
			// A failed handshake consumed the socket; redial the same route
			// for the fallback spec.
			socket.Close()
			dialer := &net.Dialer{Timeout: f.timeouts.connect}
			fresh, err := dialer.Dial("tcp", route.SocketEndpoint())
			if err != nil {
				return nil, err
			}
			socket = fresh
			conn.rawConn = socket
			if route.RequiresTunnel() {
				if err := establishTunnel(f.call, socket, route, f.timeouts); err != nil {
					return nil, err
				}
			}
		}

		tlsConn, info, protocol, err := f.handshake(socket, spec)
		if err != nil {
			lastErr = err
			continue
		}
		conn.tlsConn = tlsConn
		conn.tlsInfo = info
		conn.protocol = protocol
		if protocol == ProtocolHTTP2 {
			h2, err := newHTTP2Conn(conn, f.call.client.options.PingInterval)
			if err != nil {
				return nil, err
			}
			conn.h2 = h2
		} else {
			conn.h1 = newHTTP1Codec(conn)
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("courier: no TLS connection spec for https address %s", f.address.hostPort())
	}
	return nil, lastErr
}

func (f *exchangeFinder) handshake(socket net.Conn, spec ConnectionSpec) (*tls.Conn, *TLSInfo, Protocol, error) {
	f.call.listener.SecureConnectStart(f.call)

	base := f.address.tlsConfig
	if base == nil {
		base = &tls.Config{}
	}
	cfg := spec.apply(base)
	if cfg.ServerName == "" {
		cfg.ServerName = f.address.Host()
	}
	cfg.NextProtos = nil
	for _, p := range f.address.protocols {
		cfg.NextProtos = append(cfg.NextProtos, p.alpnID())
	}

	tlsConn := tls.Client(socket, cfg)
	if f.timeouts.connect > 0 {
		tlsConn.SetDeadline(time.Now().Add(f.timeouts.connect))
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, nil, "", fmt.Errorf("courier: tls handshake with %s failed: %w", f.address.Host(), err)
	}
	tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	opts := f.call.client.options
	if opts.HostnameVerifier != nil {
		if err := opts.HostnameVerifier(f.address.Host(), state); err != nil {
			return nil, nil, "", fmt.Errorf("courier: hostname verification of %s failed: %w", f.address.Host(), err)
		}
	}
	if opts.CertificatePinner != nil {
		if err := opts.CertificatePinner(f.address.Host(), state.PeerCertificates); err != nil {
			return nil, nil, "", fmt.Errorf("courier: certificate pin for %s failed: %w", f.address.Host(), err)
		}
	}
	info := &TLSInfo{
		Version:          tls.VersionName(state.Version),
		CipherSuite:      tls.CipherSuiteName(state.CipherSuite),
		PeerCertificates: state.PeerCertificates,
	}

	protocol := ProtocolHTTP11
	if state.NegotiatedProtocol == "h2" {
		protocol = ProtocolHTTP2
	}
	f.call.listener.SecureConnectEnd(f.call, info)
	return tlsConn, info, protocol, nil
}
