package courier

import (
	"fmt"
	"time"
)

// Interceptor observes, rewrites, short-circuits or retries calls. The chain
// is re-entrant: an interceptor may call Proceed more than once, provided it
// closed the previous response first.
type Interceptor interface {
	Intercept(chain Chain) (*Response, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(chain Chain) (*Response, error)

func (f InterceptorFunc) Intercept(chain Chain) (*Response, error) { return f(chain) }

// Chain is an interceptor's view of the call in flight.
type Chain interface {
	// Request returns the request as it stands at this link.
	Request() *Request

	// Call returns the call being executed.
	Call() *Call

	// Connection returns the connection carrying this exchange, or nil for
	// application interceptors (which run before connect).
	Connection() *Connection

	// Proceed hands the request to the rest of the chain.
	Proceed(req *Request) (*Response, error)

	ConnectTimeout() time.Duration
	ReadTimeout() time.Duration
	WriteTimeout() time.Duration

	// WithReadTimeout (et al.) narrow a timeout for the remainder of this
	// chain invocation only.
	WithConnectTimeout(d time.Duration) Chain
	WithReadTimeout(d time.Duration) Chain
	WithWriteTimeout(d time.Duration) Chain
}

type realChain struct {
	call         *Call
	interceptors []Interceptor
	index        int
	request      *Request
	exch         *exchange
	timeouts     timeoutConfig
	proceedCount int
}

func (c *realChain) Request() *Request { return c.request }
func (c *realChain) Call() *Call       { return c.call }

func (c *realChain) Connection() *Connection {
	if c.exch == nil {
		return nil
	}
	return c.exch.conn
}

func (c *realChain) ConnectTimeout() time.Duration { return c.timeouts.connect }
func (c *realChain) ReadTimeout() time.Duration    { return c.timeouts.read }
func (c *realChain) WriteTimeout() time.Duration   { return c.timeouts.write }

func (c *realChain) WithConnectTimeout(d time.Duration) Chain {
	cp := c.derive(c.index, c.request, c.exch)
	cp.timeouts.connect = d
	return cp
}

func (c *realChain) WithReadTimeout(d time.Duration) Chain {
	cp := c.derive(c.index, c.request, c.exch)
	cp.timeouts.read = d
	return cp
}

func (c *realChain) WithWriteTimeout(d time.Duration) Chain {
	cp := c.derive(c.index, c.request, c.exch)
	cp.timeouts.write = d
	return cp
}

func (c *realChain) derive(index int, request *Request, exch *exchange) *realChain {
	return &realChain{
		call:         c.call,
		interceptors: c.interceptors,
		index:        index,
		request:      request,
		exch:         exch,
		timeouts:     c.timeouts,
	}
}

func (c *realChain) Proceed(req *Request) (*Response, error) {
	if c.index >= len(c.interceptors) {
		return nil, fmt.Errorf("courier: chain exhausted with no terminal interceptor")
	}
	if req == nil {
		return nil, fmt.Errorf("courier: Proceed requires a request")
	}
	if c.call.IsCanceled() {
		return nil, ErrCanceled
	}
	c.proceedCount++

	// Once an exchange exists the request is pinned to its connection: a
	// network interceptor must not change the target, and must make exactly
	// one Proceed call per invocation.
	if c.exch != nil {
		if !sameHostPort(c.request, req) {
			return nil, fmt.Errorf("courier: network interceptor %T must retain the same host and port", c.interceptors[c.index-1])
		}
		if c.proceedCount > 1 {
			return nil, fmt.Errorf("courier: network interceptor %T must call Proceed exactly once", c.interceptors[c.index-1])
		}
	}

	next := c.derive(c.index+1, req, c.exch)
	interceptor := c.interceptors[c.index]
	resp, err := interceptor.Intercept(next)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("courier: interceptor %T returned a nil response", interceptor)
	}
	return resp, nil
}

func sameHostPort(a, b *Request) bool {
	return a.URL().Scheme == b.URL().Scheme && a.URL().Host == b.URL().Host
}
