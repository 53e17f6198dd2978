// Package courier is a client-side HTTP stack: a uniform request/response
// API over HTTP/1.1 and HTTP/2 with a shared connection pool, a dispatcher
// with global and per-host concurrency caps, an RFC 7234 disk cache, and a
// re-entrant interceptor chain.
//
// Clients are cheap to share and safe for concurrent use. Build one with the
// options you need and keep it for the life of the process:
//
//	cache, err := courier.NewCache("/var/cache/myapp", 50<<20, nil)
//	client, err := courier.New(
//	  courier.WithCallTimeout(30*time.Second),
//	  courier.WithCache(cache),
//	)
//	req, _ := courier.NewRequest("GET", "https://example.com/")
//	resp, err := client.NewCall(req).Execute()
//	defer resp.Close()
package courier

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thushan/courier/internal/version"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Options carries every recognised client setting. Zero values mean the
// documented defaults. Dispatcher, connection pool, cache, DNS and the TLS
// surface are fixable only here, at the application level; network
// interceptors cannot override them.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CallTimeout    time.Duration // 0 means no overall deadline

	FollowRedirects          bool
	FollowSSLRedirects       bool
	RetryOnConnectionFailure bool
	FastFallback             bool

	Cache     *Cache
	CookieJar CookieJar
	DNS       DNS

	Proxy              *Proxy
	ProxySelector      ProxySelector
	ProxyAuthenticator Authenticator
	Authenticator      Authenticator

	ConnectionPool *ConnectionPool
	Dispatcher     *Dispatcher

	TLSConfig         *tls.Config
	CertificatePinner CertificatePinner
	HostnameVerifier  HostnameVerifier
	Dialer            Dialer
	Protocols         []Protocol
	ConnectionSpecs   []ConnectionSpec
	PingInterval      time.Duration

	EventListenerFactory EventListenerFactory
	Interceptors         []Interceptor
	NetworkInterceptors  []Interceptor

	UserAgent string
	Logger    *slog.Logger
}

// Option mutates Options during New.
type Option func(*Options)

func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }
func WithReadTimeout(d time.Duration) Option    { return func(o *Options) { o.ReadTimeout = d } }
func WithWriteTimeout(d time.Duration) Option   { return func(o *Options) { o.WriteTimeout = d } }
func WithCallTimeout(d time.Duration) Option    { return func(o *Options) { o.CallTimeout = d } }

func WithFollowRedirects(follow bool) Option {
	return func(o *Options) { o.FollowRedirects = follow }
}

func WithFollowSSLRedirects(follow bool) Option {
	return func(o *Options) { o.FollowSSLRedirects = follow }
}

func WithRetryOnConnectionFailure(retry bool) Option {
	return func(o *Options) { o.RetryOnConnectionFailure = retry }
}

func WithFastFallback(enabled bool) Option { return func(o *Options) { o.FastFallback = enabled } }

func WithCache(cache *Cache) Option     { return func(o *Options) { o.Cache = cache } }
func WithCookieJar(jar CookieJar) Option { return func(o *Options) { o.CookieJar = jar } }
func WithDNS(dns DNS) Option            { return func(o *Options) { o.DNS = dns } }

func WithProxy(p Proxy) Option                  { return func(o *Options) { o.Proxy = &p } }
func WithProxySelector(s ProxySelector) Option  { return func(o *Options) { o.ProxySelector = s } }
func WithProxyAuthenticator(a Authenticator) Option {
	return func(o *Options) { o.ProxyAuthenticator = a }
}
func WithAuthenticator(a Authenticator) Option { return func(o *Options) { o.Authenticator = a } }

func WithConnectionPool(p *ConnectionPool) Option { return func(o *Options) { o.ConnectionPool = p } }
func WithDispatcher(d *Dispatcher) Option         { return func(o *Options) { o.Dispatcher = d } }

func WithTLSConfig(cfg *tls.Config) Option { return func(o *Options) { o.TLSConfig = cfg } }

func WithCertificatePinner(p CertificatePinner) Option {
	return func(o *Options) { o.CertificatePinner = p }
}

func WithHostnameVerifier(v HostnameVerifier) Option {
	return func(o *Options) { o.HostnameVerifier = v }
}

func WithDialer(d Dialer) Option { return func(o *Options) { o.Dialer = d } }
func WithProtocols(protocols ...Protocol) Option {
	return func(o *Options) { o.Protocols = protocols }
}
func WithConnectionSpecs(specs ...ConnectionSpec) Option {
	return func(o *Options) { o.ConnectionSpecs = specs }
}
func WithPingInterval(d time.Duration) Option { return func(o *Options) { o.PingInterval = d } }

func WithEventListenerFactory(f EventListenerFactory) Option {
	return func(o *Options) { o.EventListenerFactory = f }
}

func WithInterceptor(i Interceptor) Option {
	return func(o *Options) { o.Interceptors = append(o.Interceptors, i) }
}

func WithNetworkInterceptor(i Interceptor) Option {
	return func(o *Options) { o.NetworkInterceptors = append(o.NetworkInterceptors, i) }
}

func WithUserAgent(ua string) Option    { return func(o *Options) { o.UserAgent = ua } }
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// Client executes calls. It owns the dispatcher, the connection pool and the
// route failure database unless the application supplied its own.
type Client struct {
	options    Options
	dispatcher *Dispatcher
	pool       *ConnectionPool
	routeDB    *routeDatabase
	log        *slog.Logger
	closed     atomic.Bool
}

// New builds a client. Invalid protocol combinations fail here rather than
// at the first call.
func New(opts ...Option) (*Client, error) {
	options := Options{
		ConnectTimeout:           DefaultConnectTimeout,
		ReadTimeout:              DefaultReadTimeout,
		WriteTimeout:             DefaultWriteTimeout,
		FollowRedirects:          true,
		FollowSSLRedirects:       true,
		RetryOnConnectionFailure: true,
		FastFallback:             true,
		DNS:                      SystemDNS,
		CookieJar:                NoCookies,
		Protocols:                []Protocol{ProtocolHTTP2, ProtocolHTTP11},
		ConnectionSpecs:          []ConnectionSpec{ModernTLS, Cleartext},
		UserAgent:                "courier/" + version.Version,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := validateProtocols(options.Protocols); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Dispatcher == nil {
		options.Dispatcher = NewDispatcher()
	}
	if options.ConnectionPool == nil {
		options.ConnectionPool = NewConnectionPool(DefaultMaxIdleConnections, DefaultKeepAliveDuration)
	}

	return &Client{
		options:    options,
		dispatcher: options.Dispatcher,
		pool:       options.ConnectionPool,
		routeDB:    newRouteDatabase(),
		log:        options.Logger,
	}, nil
}

// NewCall prepares req for execution.
func (c *Client) NewCall(req *Request) *Call {
	return newCall(c, req)
}

// Dispatcher returns the async scheduler.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// ConnectionPool returns the shared pool.
func (c *Client) ConnectionPool() *ConnectionPool { return c.pool }

// Cache returns the configured cache, or nil.
func (c *Client) Cache() *Cache { return c.options.Cache }

// validateSchemeSupported rejects cleartext URLs when only TLS specs are
// configured, and h2-prior-knowledge over https.
func (c *Client) validateSchemeSupported(req *Request) error {
	isTLS := req.IsHTTPS()
	h2pk := len(c.options.Protocols) == 1 && c.options.Protocols[0] == ProtocolH2PriorKnowledge
	if isTLS && h2pk {
		return fmt.Errorf("courier: %s requires cleartext, got https url", ProtocolH2PriorKnowledge)
	}
	if !isTLS {
		for _, spec := range c.options.ConnectionSpecs {
			if !spec.IsTLS {
				return nil
			}
		}
		return fmt.Errorf("courier: cleartext connections are not enabled by the connection specs")
	}
	return nil
}

func (c *Client) isClosed() bool { return c.closed.Load() }

// Close shuts the client down: new calls fail, the dispatcher rejects
// enqueues, and every pooled connection closes at once, including ones still
// carrying an exchange. The cache, if any, has
// its own lifecycle and is not closed here.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.dispatcher.shutdown()
	c.pool.shutdown()
}
