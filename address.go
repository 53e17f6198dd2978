package courier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/thushan/courier/internal/hostutil"
)

// DNS resolves host names to IP addresses. Implementations must return the
// addresses in preference order; the route planner tries them in that order,
// with recently failed routes moved to the back.
type DNS interface {
	Lookup(ctx context.Context, host string) ([]net.IP, error)
}

// DNSFunc adapts a function to the DNS interface.
type DNSFunc func(ctx context.Context, host string) ([]net.IP, error)

func (f DNSFunc) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	return f(ctx, host)
}

// SystemDNS resolves through the platform resolver.
var SystemDNS DNS = systemDNS{}

type systemDNS struct{}

func (systemDNS) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("courier: dns lookup of %s failed: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// ProxyKind distinguishes how a route reaches the origin.
type ProxyKind int

const (
	// ProxyDirect connects straight to the origin.
	ProxyDirect ProxyKind = iota
	// ProxyHTTP forwards through an HTTP proxy; HTTPS origins tunnel via
	// CONNECT.
	ProxyHTTP
)

func (k ProxyKind) String() string {
	switch k {
	case ProxyDirect:
		return "direct"
	case ProxyHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Proxy is one proxy endpoint candidate.
type Proxy struct {
	Kind ProxyKind
	Host string
	Port int
}

// NoProxy is the direct route pseudo-proxy.
var NoProxy = Proxy{Kind: ProxyDirect}

func (p Proxy) String() string {
	if p.Kind == ProxyDirect {
		return "direct"
	}
	return fmt.Sprintf("%s://%s", p.Kind, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// ProxySelector yields proxy candidates for a URL, in preference order. An
// empty result means connect directly.
type ProxySelector interface {
	Select(u *url.URL) []Proxy
}

// ProxySelectorFunc adapts a function to the ProxySelector interface.
type ProxySelectorFunc func(u *url.URL) []Proxy

func (f ProxySelectorFunc) Select(u *url.URL) []Proxy { return f(u) }

// Dialer opens the raw TCP socket for a route. The default is a net.Dialer
// with the configured connect timeout.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// CertificatePinner inspects the peer chain after a successful handshake; a
// non-nil error fails the connection before any request bytes are written.
type CertificatePinner func(host string, peerCertificates []*x509.Certificate) error

// HostnameVerifier replaces the default hostname check against the peer
// certificate. It runs in addition to (not instead of) chain verification.
type HostnameVerifier func(host string, state tls.ConnectionState) error

// ConnectionSpec describes one TLS (or cleartext) configuration the client is
// willing to speak. Specs are attempted in order; a handshake failure falls
// back to the next compatible spec.
type ConnectionSpec struct {
	Name        string
	IsTLS       bool
	MinTLS      uint16
	MaxTLS      uint16
	CipherSuites []uint16 // nil means library defaults
}

var (
	// ModernTLS is TLS 1.2+ with the platform's vetted cipher suites.
	ModernTLS = ConnectionSpec{Name: "modern-tls", IsTLS: true, MinTLS: tls.VersionTLS12, MaxTLS: tls.VersionTLS13}

	// CompatibleTLS additionally admits TLS 1.0/1.1 for legacy origins.
	CompatibleTLS = ConnectionSpec{Name: "compatible-tls", IsTLS: true, MinTLS: tls.VersionTLS10, MaxTLS: tls.VersionTLS13}

	// Cleartext is plain TCP for http URLs.
	Cleartext = ConnectionSpec{Name: "cleartext", IsTLS: false}
)

// apply narrows base to this spec's versions and ciphers.
func (s ConnectionSpec) apply(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.MinVersion = s.MinTLS
	cfg.MaxVersion = s.MaxTLS
	if s.CipherSuites != nil {
		cfg.CipherSuites = append([]uint16(nil), s.CipherSuites...)
	}
	return cfg
}

// Address identifies an origin together with everything needed to reach it:
// resolver, proxy policy, TLS posture and protocol preferences. Two requests
// may share a connection only when their addresses are equal.
type Address struct {
	host   string
	port   int
	scheme string

	dns             DNS
	proxy           *Proxy
	proxySelector   ProxySelector
	protocols       []Protocol
	connectionSpecs []ConnectionSpec
	tlsConfig       *tls.Config
	fastFallback    bool
}

func newAddress(client *Client, u *url.URL) *Address {
	port := hostutil.DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	return &Address{
		host:            u.Hostname(),
		port:            port,
		scheme:          u.Scheme,
		dns:             client.options.DNS,
		proxy:           client.options.Proxy,
		proxySelector:   client.options.ProxySelector,
		protocols:       client.options.Protocols,
		connectionSpecs: client.options.ConnectionSpecs,
		tlsConfig:       client.options.TLSConfig,
		fastFallback:    client.options.FastFallback,
	}
}

// Host returns the origin host, canonical form.
func (a *Address) Host() string { return a.host }

// Port returns the origin port.
func (a *Address) Port() int { return a.port }

// IsTLS reports whether the origin requires TLS.
func (a *Address) IsTLS() bool { return a.scheme == "https" }

func (a *Address) hostPort() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

// poolKey groups pool buckets. Coalescing-eligible connections share buckets
// only through route matching, so the key is the full endpoint identity.
func (a *Address) poolKey() string {
	return a.scheme + "|" + a.hostPort()
}

// equalConfig reports whether two addresses share everything except the
// host, the precondition for HTTP/2 connection coalescing. Resolver and TLS
// surface identity is implied by the owning client, so only wire-visible
// fields compare.
func (a *Address) equalConfig(o *Address) bool {
	return a.port == o.port &&
		a.scheme == o.scheme &&
		proxyEqual(a.proxy, o.proxy) &&
		protocolsEqual(a.protocols, o.protocols)
}

// equal reports full pooling equality.
func (a *Address) equal(o *Address) bool {
	return a.host == o.host && a.equalConfig(o)
}

func proxyEqual(a, b *Proxy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func protocolsEqual(a, b []Protocol) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// selectProxies resolves the proxy candidates for this address, honouring an
// explicit proxy over the selector.
func (a *Address) selectProxies(u *url.URL) []Proxy {
	if a.proxy != nil {
		return []Proxy{*a.proxy}
	}
	if a.proxySelector != nil {
		if proxies := a.proxySelector.Select(u); len(proxies) > 0 {
			return proxies
		}
	}
	return []Proxy{NoProxy}
}
