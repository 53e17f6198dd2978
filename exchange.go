package courier

import (
	"io"
)

// exchange carries a single request/response pair over one connection,
// translating between the call engine and the protocol codec while firing
// the observer events for each phase. When both the request is finished and
// the response body fully consumed (or abandoned), the exchange releases its
// connection slot back to the pool.
type exchange struct {
	call     *Call
	conn     *Connection
	codec    exchangeCodec
	listener EventListener

	requestDone  bool
	responseDone bool
	released     bool
	failed       bool

	// requestBodyStarted distinguishes "never transmitted" (replayable) from
	// "partially transmitted" when deciding retries.
	requestBodyStarted bool
	isDuplex           bool
}

func newExchange(call *Call, conn *Connection, codec exchangeCodec) *exchange {
	return &exchange{
		call:     call,
		conn:     conn,
		codec:    codec,
		listener: call.listener,
	}
}

func (e *exchange) writeRequestHeaders(req *Request) error {
	e.listener.RequestHeadersStart(e.call)
	if err := e.codec.writeRequestHeaders(req); err != nil {
		return e.bodyComplete(err, true, false)
	}
	e.listener.RequestHeadersEnd(e.call, req)
	return nil
}

// createRequestBody returns the sink the request body streams into.
func (e *exchange) createRequestBody(req *Request) (io.WriteCloser, error) {
	e.isDuplex = req.Body() != nil && req.Body().IsDuplex()
	contentLength := int64(-1)
	if req.Body() != nil {
		contentLength = req.Body().ContentLength()
	}
	sink, err := e.codec.createRequestBody(req, contentLength)
	if err != nil {
		return nil, e.bodyComplete(err, true, false)
	}
	e.requestBodyStarted = true
	e.listener.RequestBodyStart(e.call)
	return &requestBodySink{exchange: e, sink: sink}, nil
}

func (e *exchange) flushRequest() error {
	if err := e.codec.flushRequest(); err != nil {
		return e.bodyComplete(err, true, false)
	}
	return nil
}

func (e *exchange) finishRequest() error {
	e.requestDone = true
	if err := e.codec.finishRequest(); err != nil {
		return e.bodyComplete(err, true, false)
	}
	return nil
}

func (e *exchange) readResponseHeaders(expectContinue bool) (*responseHead, error) {
	if !expectContinue {
		e.listener.ResponseHeadersStart(e.call)
	}
	head, err := e.codec.readResponseHeaders(expectContinue)
	if err != nil {
		return nil, e.bodyComplete(err, false, true)
	}
	return head, nil
}

// openResponseBody wraps the codec's body source so that exhausting or
// closing it releases the exchange.
func (e *exchange) openResponseBody(head *responseHead) (*ResponseBody, error) {
	source, length, err := e.codec.responseBodySource(head)
	if err != nil {
		return nil, e.bodyComplete(err, false, true)
	}
	e.listener.ResponseBodyStart(e.call)
	body := &responseBodySource{exchange: e, source: source}
	contentType := head.headers.Get("Content-Type")
	if cl := contentLength(head.headers); cl >= 0 {
		length = cl
	}
	return NewResponseBody(contentType, length, body), nil
}

func (e *exchange) trailers() (Headers, error) { return e.codec.trailers() }

// cancel aborts in-flight I/O.
func (e *exchange) cancel() {
	e.codec.cancel()
}

// bodyComplete records a failure on either direction and releases the
// exchange early. It returns the (possibly wrapped) error for propagation.
func (e *exchange) bodyComplete(err error, requestDone, responseDone bool) error {
	if err != nil {
		e.failed = true
		e.conn.NoNewExchanges()
		if requestDone {
			e.listener.RequestFailed(e.call, err)
		} else {
			e.listener.ResponseFailed(e.call, err)
		}
	}
	if requestDone {
		e.requestDone = true
	}
	if responseDone {
		e.responseDone = true
	}
	e.maybeRelease()
	if err != nil {
		return &ExchangeError{
			URL:                e.call.request.URL().String(),
			RequestTransmitted: e.requestBodyStarted,
			Err:                err,
		}
	}
	return nil
}

func (e *exchange) maybeRelease() {
	if e.released || !e.requestDone || !e.responseDone {
		return
	}
	e.released = true
	e.listener.ConnectionReleased(e.call, e.conn)
	e.conn.releaseExchange(!e.failed)
	e.call.exchangeDone(e)
}

// release force-releases regardless of stream progress, used when the call
// abandons the exchange (cancel, failure surfaced elsewhere).
func (e *exchange) release(failed bool) {
	if e.released {
		return
	}
	if failed {
		e.failed = true
		e.conn.NoNewExchanges()
	}
	e.requestDone = true
	e.responseDone = true
	e.maybeRelease()
}

// requestBodySink counts written bytes and completes the request direction on
// close.
type requestBodySink struct {
	exchange *exchange
	sink     io.WriteCloser
	written  int64
	closed   bool
}

func (s *requestBodySink) Write(p []byte) (int, error) {
	n, err := s.sink.Write(p)
	s.written += int64(n)
	if err != nil {
		s.exchange.bodyComplete(err, true, false)
	}
	return n, err
}

func (s *requestBodySink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sink.Close(); err != nil {
		s.exchange.bodyComplete(err, true, false)
		return err
	}
	s.exchange.listener.RequestBodyEnd(s.exchange.call, s.written)
	if s.exchange.isDuplex {
		// Duplex requests have no finishRequest barrier; closing the sink is
		// what completes the request direction.
		s.exchange.bodyComplete(nil, true, false)
	}
	return nil
}

// responseBodySource counts read bytes and completes the response direction
// at EOF or close.
type responseBodySource struct {
	exchange *exchange
	source   io.ReadCloser
	read     int64
	done     bool
}

func (s *responseBodySource) Read(p []byte) (int, error) {
	if s.exchange.call.IsCanceled() {
		return 0, ErrCanceled
	}
	n, err := s.source.Read(p)
	s.read += int64(n)
	switch {
	case err == io.EOF:
		if !s.done {
			s.done = true
			s.exchange.listener.ResponseBodyEnd(s.exchange.call, s.read)
			s.exchange.bodyComplete(nil, false, true)
		}
	case err != nil:
		s.exchange.bodyComplete(err, false, true)
	}
	return n, err
}

func (s *responseBodySource) Close() error {
	err := s.source.Close()
	if !s.done {
		s.done = true
		s.exchange.listener.ResponseBodyEnd(s.exchange.call, s.read)
		s.exchange.bodyComplete(nil, false, true)
	}
	return err
}
