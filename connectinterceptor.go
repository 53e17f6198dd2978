package courier

import "context"

// connectInterceptor opens (or reuses) a connection able to carry the
// request and binds an exchange to it. Everything after this link runs with
// a live connection.
type connectInterceptor struct {
	client *Client
}

func (ci *connectInterceptor) Intercept(chain Chain) (*Response, error) {
	rc := chain.(*realChain)
	call := rc.call
	req := rc.request

	exch, err := call.initExchange(rc)
	if err != nil {
		return nil, err
	}

	next := rc.derive(rc.index, req, exch)
	resp, err := next.Proceed(req)
	if err != nil {
		exch.release(true)
		return nil, err
	}
	return resp, nil
}

// initExchange resolves a healthy connection and creates the codec-bound
// exchange for this attempt.
func (c *Call) initExchange(rc *realChain) (*exchange, error) {
	if c.IsCanceled() {
		return nil, ErrCanceled
	}

	address := newAddress(c.client, rc.request.URL())
	finder := newExchangeFinder(c, address, rc.timeouts)

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := finder.find(ctx, false)
	if err != nil {
		return nil, err
	}

	codec, err := conn.newCodec(c, rc.timeouts)
	if err != nil {
		conn.releaseExchange(false)
		return nil, err
	}

	exch := newExchange(c, conn, codec)
	c.mu.Lock()
	c.connection = conn
	c.exchange = exch
	c.mu.Unlock()

	if c.IsCanceled() {
		exch.cancel()
		exch.release(true)
		return nil, ErrCanceled
	}
	return exch, nil
}
