package courier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Call is one ready-to-run request/response pair. A call executes at most
// once, synchronously via Execute or asynchronously via Enqueue; Clone makes
// a fresh unexecuted copy. Cancel is safe from any goroutine at any point.
type Call struct {
	client   *Client
	request  *Request
	id       string
	listener EventListener

	mu         sync.Mutex
	executed   bool
	connection *Connection
	exchange   *exchange

	canceled atomic.Bool
	timedOut atomic.Bool

	ctx       context.Context
	cancelCtx context.CancelFunc

	canceledOnce sync.Once
	callEndOnce  sync.Once

	skipsPerHostLimit bool
}

// Callback receives the outcome of an asynchronous call. Exactly one of the
// two methods is invoked. A call that runs reports on a dispatcher worker
// goroutine; a call canceled while queued, rejected by Enqueue, or refused by
// a closed dispatcher gets OnFailure on the goroutine that caused it.
type Callback interface {
	OnResponse(call *Call, resp *Response)
	OnFailure(call *Call, err error)
}

// CallbackFuncs adapts plain functions to the Callback interface.
type CallbackFuncs struct {
	Response func(call *Call, resp *Response)
	Failure  func(call *Call, err error)
}

func (c CallbackFuncs) OnResponse(call *Call, resp *Response) {
	if c.Response != nil {
		c.Response(call, resp)
	}
}

func (c CallbackFuncs) OnFailure(call *Call, err error) {
	if c.Failure != nil {
		c.Failure(call, err)
	}
}

func newCall(client *Client, req *Request) *Call {
	c := &Call{
		client:  client,
		request: req,
		id:      uuid.NewString(),
	}
	c.listener = listenerFor(client, c)
	// WebSocket upgrades are exempt from the dispatcher's per-host cap.
	c.skipsPerHostLimit = req.Header("Upgrade") != ""
	return c
}

// ID is a unique identifier for this call, stable across retries.
func (c *Call) ID() string { return c.id }

// Request returns the original application request.
func (c *Call) Request() *Request { return c.request }

// IsCanceled reports whether Cancel has been invoked.
func (c *Call) IsCanceled() bool { return c.canceled.Load() }

// IsExecuted reports whether Execute or Enqueue has been invoked.
func (c *Call) IsExecuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Clone returns an unexecuted copy of this call.
func (c *Call) Clone() *Call {
	return newCall(c.client, c.request)
}

// Cancel aborts the call: pending I/O is interrupted, queued async calls are
// removed, and subsequent chain steps fail fast. Idempotent.
func (c *Call) Cancel() {
	if !c.canceled.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	exch := c.exchange
	conn := c.connection
	cancelCtx := c.cancelCtx
	c.mu.Unlock()

	if cancelCtx != nil {
		cancelCtx()
	}
	if exch != nil {
		exch.cancel()
	} else if conn != nil {
		conn.cancel()
	}

	// A queued async call never starts: it leaves the queue now and its
	// callback learns about the cancellation directly.
	if ac := c.client.dispatcher.removeQueued(c); ac != nil {
		ac.callback.OnFailure(c, ErrCanceled)
		c.client.dispatcher.afterFinished()
	}

	c.canceledOnce.Do(func() {
		c.listener.Canceled(c)
	})
}

// Execute runs the call on the current goroutine and returns its response.
// The response body must be closed.
func (c *Call) Execute() (*Response, error) {
	if err := c.markExecuted(); err != nil {
		return nil, err
	}
	c.listener.CallStart(c)
	c.client.dispatcher.executed(c)
	defer c.client.dispatcher.finishedSync(c)
	return c.run()
}

// Enqueue schedules the call on the dispatcher; cb fires when it settles.
func (c *Call) Enqueue(cb Callback) {
	if err := c.markExecuted(); err != nil {
		cb.OnFailure(c, err)
		return
	}
	c.listener.CallStart(c)
	c.client.dispatcher.enqueue(&asyncCall{call: c, callback: cb, host: c.request.URL().Hostname()})
}

func (c *Call) markExecuted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executed {
		return ErrExecuted
	}
	if c.client.isClosed() {
		return ErrClientClosed
	}
	c.executed = true
	return nil
}

// run builds the interceptor stack and drives it, mapping cancellation and
// call-timeout outcomes onto their sentinel errors.
func (c *Call) run() (resp *Response, err error) {
	opts := &c.client.options

	if err := c.client.validateSchemeSupported(c.request); err != nil {
		c.listener.CallFailed(c, err)
		return nil, err
	}

	ctx := context.Background()
	var timer *time.Timer
	if opts.CallTimeout > 0 {
		ctx, c.cancelCtx = context.WithCancel(ctx)
		timer = time.AfterFunc(opts.CallTimeout, func() {
			c.timedOut.Store(true)
			if c.cancelCtx != nil {
				c.cancelCtx()
			}
			c.cancelIO()
		})
	}
	c.ctx = ctx

	defer func() {
		if timer != nil {
			timer.Stop()
		}
		switch {
		case c.timedOut.Load():
			err = ErrCallTimeout
			resp = nil
		case c.IsCanceled() && err != nil:
			err = ErrCanceled
		}
		if err != nil {
			c.listener.CallFailed(c, err)
		}
	}()

	interceptors := make([]Interceptor, 0, len(opts.Interceptors)+len(opts.NetworkInterceptors)+5)
	interceptors = append(interceptors, opts.Interceptors...)
	interceptors = append(interceptors,
		&retryAndFollowUpInterceptor{client: c.client},
		&bridgeInterceptor{client: c.client},
		&cacheInterceptor{client: c.client},
		&connectInterceptor{client: c.client},
	)
	interceptors = append(interceptors, opts.NetworkInterceptors...)
	interceptors = append(interceptors, &callServerInterceptor{client: c.client})

	chain := &realChain{
		call:         c,
		interceptors: interceptors,
		request:      c.request,
		timeouts: timeoutConfig{
			connect: opts.ConnectTimeout,
			read:    opts.ReadTimeout,
			write:   opts.WriteTimeout,
		},
	}

	resp, err = chain.Proceed(c.request)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	noExchange := c.exchange == nil
	c.mu.Unlock()
	if noExchange {
		// Cache hits and synthesized responses never touch a connection;
		// the call is over as soon as it returns.
		c.fireCallEnd()
	}
	return resp, nil
}

// cancelIO interrupts blocking I/O without flipping the user-visible
// canceled flag (used by the call timeout).
func (c *Call) cancelIO() {
	c.mu.Lock()
	exch := c.exchange
	conn := c.connection
	c.mu.Unlock()
	if exch != nil {
		exch.cancel()
	} else if conn != nil {
		conn.cancel()
	}
}

// exchangeDone is invoked by the exchange when both directions completed and
// the connection slot was released.
func (c *Call) exchangeDone(e *exchange) {
	c.mu.Lock()
	if c.exchange == e {
		c.exchange = nil
	}
	c.mu.Unlock()
	if !e.failed {
		c.fireCallEnd()
	}
}

// retryingExchange forgets the failed exchange before another attempt; the
// connection reference survives as a reuse hint.
func (c *Call) retryingExchange() {
	c.mu.Lock()
	c.exchange = nil
	c.mu.Unlock()
}

func (c *Call) fireCallEnd() {
	c.callEndOnce.Do(func() {
		c.listener.CallEnd(c)
	})
}

func (c *Call) String() string {
	return fmt.Sprintf("Call{%s %s}", c.request.Method(), c.request.URL())
}
