package courier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	h2ClientPreface       = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	h2InitialWindowSize   = 65535
	h2ConnectionWindow    = 16 * 1024 * 1024
	h2MaxFrameSize        = 16 * 1024
	h2MaxHeaderListSize   = 256 * 1024
	h2WindowUpdateRatio   = 2 // refill once half the window is consumed
)

// http2Conn multiplexes exchanges as streams over one socket, per RFC 7540.
// Frame writes are serialised by wmu; a single reader goroutine dispatches
// incoming frames to streams. HPACK state lives inside the framer
// (ReadMetaHeaders) for decoding and in henc for encoding.
type http2Conn struct {
	conn   *Connection
	nc     net.Conn
	framer *http2.Framer

	wmu  sync.Mutex
	hbuf bytes.Buffer
	henc *hpack.Encoder

	mu             sync.Mutex
	streams        map[uint32]*h2Stream
	nextStreamID   uint32
	peerMaxStreams int
	peerInitialWindow int32
	sendWindow     int64
	sendCond       *sync.Cond
	recvWindow     int64
	goAway         bool
	closed         bool
	connErr        error

	pingMu       sync.Mutex
	pingSeq      uint64
	pendingPings map[[8]byte]chan struct{}

	readerDone chan struct{}
}

func newHTTP2Conn(conn *Connection, pingInterval time.Duration) (*http2Conn, error) {
	nc := conn.netConn()
	h2 := &http2Conn{
		conn:              conn,
		nc:                nc,
		streams:           make(map[uint32]*h2Stream),
		nextStreamID:      1,
		peerMaxStreams:    math.MaxInt32,
		peerInitialWindow: h2InitialWindowSize,
		sendWindow:        h2InitialWindowSize,
		recvWindow:        h2ConnectionWindow,
		pendingPings:      make(map[[8]byte]chan struct{}),
		readerDone:        make(chan struct{}),
	}
	h2.sendCond = sync.NewCond(&h2.mu)
	h2.framer = http2.NewFramer(nc, nc)
	h2.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h2.framer.MaxHeaderListSize = h2MaxHeaderListSize
	h2.henc = hpack.NewEncoder(&h2.hbuf)

	if _, err := io.WriteString(nc, h2ClientPreface); err != nil {
		return nil, err
	}
	if err := h2.framer.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: h2InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: h2MaxFrameSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: h2MaxHeaderListSize},
	); err != nil {
		return nil, err
	}
	// Grow the connection-level receive window past the 64 KiB default.
	if err := h2.framer.WriteWindowUpdate(0, h2ConnectionWindow-h2InitialWindowSize); err != nil {
		return nil, err
	}

	go h2.readLoop()
	if pingInterval > 0 {
		go h2.pingLoop(pingInterval)
	}
	return h2, nil
}

// pingLoop keeps the connection's liveness fresh; a missed pong retires it.
func (h *http2Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.readerDone:
			return
		case <-ticker.C:
			if !h.awaitPong(interval) {
				h.shutdown(errors.New("courier: http2 ping unanswered"))
				return
			}
		}
	}
}

func (h *http2Conn) streamLimit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerMaxStreams
}

func (h *http2Conn) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && !h.goAway
}

// awaitPong writes a PING and waits for the matching ack.
func (h *http2Conn) awaitPong(timeout time.Duration) bool {
	var payload [8]byte
	h.pingMu.Lock()
	h.pingSeq++
	seq := h.pingSeq
	for i := 0; i < 8; i++ {
		payload[i] = byte(seq >> (8 * i))
	}
	ack := make(chan struct{})
	h.pendingPings[payload] = ack
	h.pingMu.Unlock()

	h.wmu.Lock()
	err := h.framer.WritePing(false, payload)
	h.wmu.Unlock()
	if err != nil {
		return false
	}

	select {
	case <-ack:
		return true
	case <-time.After(timeout):
		return false
	case <-h.readerDone:
		return false
	}
}

func (h *http2Conn) readLoop() {
	defer close(h.readerDone)
	for {
		frame, err := h.framer.ReadFrame()
		if err != nil {
			h.shutdown(fmt.Errorf("courier: http2 read: %w", err))
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			h.handleSettings(f)
		case *http2.WindowUpdateFrame:
			h.handleWindowUpdate(f)
		case *http2.PingFrame:
			h.handlePing(f)
		case *http2.GoAwayFrame:
			h.handleGoAway(f)
		case *http2.MetaHeadersFrame:
			h.handleHeaders(f)
		case *http2.DataFrame:
			h.handleData(f)
		case *http2.RSTStreamFrame:
			h.handleReset(f)
		}
	}
}

func (h *http2Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	var adjust []*h2Stream
	var delta int64
	h.mu.Lock()
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			h.peerMaxStreams = int(s.Val)
		case http2.SettingInitialWindowSize:
			// In-flight stream send windows shift by the delta.
			delta = int64(int32(s.Val)) - int64(h.peerInitialWindow)
			h.peerInitialWindow = int32(s.Val)
			for _, st := range h.streams {
				adjust = append(adjust, st)
			}
		}
		return nil
	})
	h.mu.Unlock()

	for _, st := range adjust {
		st.adjustSendWindow(delta)
	}

	h.wmu.Lock()
	h.framer.WriteSettingsAck()
	h.wmu.Unlock()
}

func (h *http2Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		h.mu.Lock()
		h.sendWindow += int64(f.Increment)
		h.sendCond.Broadcast()
		h.mu.Unlock()
		return
	}
	if st := h.stream(f.StreamID); st != nil {
		st.adjustSendWindow(int64(f.Increment))
	}
}

func (h *http2Conn) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		h.pingMu.Lock()
		if ack, ok := h.pendingPings[f.Data]; ok {
			close(ack)
			delete(h.pendingPings, f.Data)
		}
		h.pingMu.Unlock()
		return
	}
	h.wmu.Lock()
	h.framer.WritePing(true, f.Data)
	h.wmu.Unlock()
}

func (h *http2Conn) handleGoAway(f *http2.GoAwayFrame) {
	h.conn.NoNewExchanges()
	h.mu.Lock()
	h.goAway = true
	// Streams the server never processed are safe to retry elsewhere.
	for id, st := range h.streams {
		if id > f.LastStreamID {
			st.fail(errRefusedStream)
		}
	}
	h.mu.Unlock()
}

func (h *http2Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	st := h.stream(f.StreamID)
	if st == nil {
		return
	}
	head := &responseHead{protocol: ProtocolHTTP2}
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			var code int
			fmt.Sscanf(hf.Value, "%d", &code)
			head.code = code
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		head.headers.Add(hf.Name, hf.Value)
	}
	st.deliverHead(head, f.StreamEnded())
}

func (h *http2Conn) handleData(f *http2.DataFrame) {
	st := h.stream(f.StreamID)
	data := f.Data()

	// Connection-level flow control applies whether or not the stream is
	// still alive.
	h.mu.Lock()
	h.recvWindow -= int64(len(data))
	refill := h.recvWindow < h2ConnectionWindow/h2WindowUpdateRatio
	if refill {
		h.recvWindow = h2ConnectionWindow
	}
	h.mu.Unlock()
	if refill {
		h.wmu.Lock()
		h.framer.WriteWindowUpdate(0, uint32(h2ConnectionWindow-h2ConnectionWindow/h2WindowUpdateRatio))
		h.wmu.Unlock()
	}

	if st == nil {
		// Data for a dead stream: reset so the peer stops sending.
		h.wmu.Lock()
		h.framer.WriteRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
		h.wmu.Unlock()
		return
	}
	st.deliverData(data, f.StreamEnded())
}

func (h *http2Conn) handleReset(f *http2.RSTStreamFrame) {
	st := h.stream(f.StreamID)
	if st == nil {
		return
	}
	switch f.ErrCode {
	case http2.ErrCodeRefusedStream:
		st.fail(errRefusedStream)
	case http2.ErrCodeCancel:
		st.fail(ErrCanceled)
	default:
		st.fail(newProtocolError("stream %d reset: %v", f.StreamID, f.ErrCode))
	}
}

func (h *http2Conn) stream(id uint32) *h2Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[id]
}

func (h *http2Conn) forgetStream(id uint32) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// shutdown fails every stream and closes the socket.
func (h *http2Conn) shutdown(err error) {
	h.conn.NoNewExchanges()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.connErr = err
	streams := make([]*h2Stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.sendCond.Broadcast()
	h.mu.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
	h.nc.Close()
}

func (h *http2Conn) close() {
	h.wmu.Lock()
	h.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	h.wmu.Unlock()
	h.shutdown(errors.New("courier: connection closed"))
}

// newStreamCodec registers the next client stream.
func (h *http2Conn) newStreamCodec(call *Call, timeouts timeoutConfig) (exchangeCodec, error) {
	h.mu.Lock()
	if h.closed || h.goAway {
		h.mu.Unlock()
		return nil, errNoNewExchanges
	}
	id := h.nextStreamID
	h.nextStreamID += 2
	st := &h2Stream{
		id:         id,
		h2:         h,
		call:       call,
		timeouts:   timeouts,
		sendWindow: int64(h.peerInitialWindow),
		recvWindow: h2InitialWindowSize,
	}
	st.cond = sync.NewCond(&st.mu)
	h.streams[id] = st
	h.mu.Unlock()
	return st, nil
}

// takeSendCapacity blocks until the connection window has tokens, returning
// the number granted (≤ want).
func (h *http2Conn) takeSendCapacity(want int64, deadline time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.sendWindow <= 0 {
		if h.closed {
			return 0, errors.New("courier: http2 connection closed")
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, &timeoutError{op: "http2 write", timeout: time.Until(deadline)}
		}
		waitCond(h.sendCond, deadline)
	}
	granted := want
	if granted > h.sendWindow {
		granted = h.sendWindow
	}
	h.sendWindow -= granted
	return granted, nil
}

// waitCond waits on c, waking at deadline if one is set.
func waitCond(c *sync.Cond, deadline time.Time) {
	if deadline.IsZero() {
		c.Wait()
		return
	}
	t := time.AfterFunc(time.Until(deadline), c.Broadcast)
	defer t.Stop()
	c.Wait()
}

// h2Stream is one exchange as an odd-numbered client-initiated stream.
type h2Stream struct {
	id       uint32
	h2       *http2Conn
	call     *Call
	timeouts timeoutConfig

	mu         sync.Mutex
	cond       *sync.Cond
	heads      []*responseHead
	recvBuf    bytes.Buffer
	recvWindow int64
	endStream bool
	err       error
	trailersH Headers
	headRead  bool

	sendWindow int64
}

func (st *h2Stream) connection() *Connection { return st.h2.conn }

func (st *h2Stream) readDeadline() time.Time {
	if st.timeouts.read <= 0 {
		return time.Time{}
	}
	return time.Now().Add(st.timeouts.read)
}

func (st *h2Stream) writeDeadline() time.Time {
	if st.timeouts.write <= 0 {
		return time.Time{}
	}
	return time.Now().Add(st.timeouts.write)
}

func (st *h2Stream) writeRequestHeaders(req *Request) error {
	h := st.h2
	h.wmu.Lock()
	defer h.wmu.Unlock()

	h.hbuf.Reset()
	writeField := func(name, value string) {
		h.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	writeField(":method", req.Method())
	writeField(":scheme", req.URL().Scheme)
	writeField(":authority", req.URL().Host)
	if req.Method() != "CONNECT" {
		writeField(":path", requestTarget(req.URL(), false))
	}
	headers := req.Headers()
	for i := 0; i < headers.Len(); i++ {
		name, value := headers.At(i)
		lower := strings.ToLower(name)
		// Connection-specific fields never cross an HTTP/2 hop.
		switch lower {
		case "connection", "host", "keep-alive", "proxy-connection",
			"transfer-encoding", "upgrade":
			continue
		case "te":
			if !strings.EqualFold(value, "trailers") {
				continue
			}
		}
		writeField(lower, value)
	}

	endStream := req.Body() == nil
	first := true
	block := h.hbuf.Bytes()
	for len(block) > 0 || first {
		chunk := block
		if len(chunk) > h2MaxFrameSize {
			chunk = chunk[:h2MaxFrameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = h.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      st.id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = h.framer.WriteContinuation(st.id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (st *h2Stream) createRequestBody(req *Request, contentLength int64) (io.WriteCloser, error) {
	return &h2BodyWriter{stream: st}, nil
}

func (st *h2Stream) flushRequest() error  { return nil }
func (st *h2Stream) finishRequest() error { return nil }

func (st *h2Stream) readResponseHeaders(expectContinue bool) (*responseHead, error) {
	deadline := st.readDeadline()
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.heads) == 0 {
		if st.err != nil {
			return nil, st.err
		}
		if st.endStream {
			return nil, newProtocolError("stream %d ended without a response", st.id)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			st.cancelLocked()
			return nil, &timeoutError{op: "awaiting response headers", timeout: st.timeouts.read}
		}
		waitCond(st.cond, deadline)
	}
	head := st.heads[0]
	st.heads = st.heads[1:]
	st.headRead = true
	if expectContinue && head.code == StatusContinue {
		return nil, nil
	}
	return head, nil
}

func (st *h2Stream) responseBodySource(head *responseHead) (io.ReadCloser, int64, error) {
	return &h2BodyReader{stream: st}, contentLength(head.headers), nil
}

func (st *h2Stream) trailers() (Headers, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.endStream {
		return Headers{}, fmt.Errorf("courier: trailers are not available until the body is exhausted")
	}
	return st.trailersH, nil
}

func (st *h2Stream) cancel() {
	st.mu.Lock()
	st.cancelLocked()
	st.mu.Unlock()
}

func (st *h2Stream) cancelLocked() {
	if st.err == nil {
		st.err = ErrCanceled
	}
	st.cond.Broadcast()
	h := st.h2
	go func() {
		h.wmu.Lock()
		h.framer.WriteRSTStream(st.id, http2.ErrCodeCancel)
		h.wmu.Unlock()
		h.forgetStream(st.id)
	}()
}

func (st *h2Stream) adjustSendWindow(delta int64) {
	st.mu.Lock()
	st.sendWindow += delta
	st.cond.Broadcast()
	st.mu.Unlock()
}

// deliverHead appends a response head. Heads after the first with endStream
// are trailers.
func (st *h2Stream) deliverHead(head *responseHead, endStream bool) {
	st.mu.Lock()
	if st.headRead || len(st.heads) > 0 {
		if head.code == 0 {
			// No :status pseudo-header: a trailer block.
			st.trailersH = head.headers
		} else {
			st.heads = append(st.heads, head)
		}
	} else {
		st.heads = append(st.heads, head)
	}
	if endStream {
		st.endStream = true
	}
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *h2Stream) deliverData(data []byte, endStream bool) {
	st.mu.Lock()
	st.recvBuf.Write(data)
	st.recvWindow -= int64(len(data))
	if endStream {
		st.endStream = true
	}
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *h2Stream) fail(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.cond.Broadcast()
	st.mu.Unlock()
}

// h2BodyWriter frames request body bytes as DATA, respecting both windows.
type h2BodyWriter struct {
	stream *h2Stream
	closed bool
}

func (w *h2BodyWriter) Write(p []byte) (int, error) {
	st := w.stream
	if w.closed {
		return 0, fmt.Errorf("courier: write to closed request body")
	}
	deadline := st.writeDeadline()
	total := 0
	for len(p) > 0 {
		st.mu.Lock()
		for st.sendWindow <= 0 && st.err == nil {
			if !deadline.IsZero() && time.Now().After(deadline) {
				st.mu.Unlock()
				return total, &timeoutError{op: "http2 body write", timeout: st.timeouts.write}
			}
			waitCond(st.cond, deadline)
		}
		if st.err != nil {
			st.mu.Unlock()
			return total, st.err
		}
		streamAllow := st.sendWindow
		st.mu.Unlock()

		want := int64(len(p))
		if want > streamAllow {
			want = streamAllow
		}
		if want > h2MaxFrameSize {
			want = h2MaxFrameSize
		}
		granted, err := st.h2.takeSendCapacity(want, deadline)
		if err != nil {
			return total, err
		}
		st.mu.Lock()
		st.sendWindow -= granted
		st.mu.Unlock()

		chunk := p[:granted]
		st.h2.wmu.Lock()
		err = st.h2.framer.WriteData(st.id, false, chunk)
		st.h2.wmu.Unlock()
		if err != nil {
			return total, err
		}
		total += int(granted)
		p = p[granted:]
	}
	return total, nil
}

func (w *h2BodyWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	st := w.stream
	st.h2.wmu.Lock()
	err := st.h2.framer.WriteData(st.id, true, nil)
	st.h2.wmu.Unlock()
	return err
}

// h2BodyReader surfaces the stream's received DATA, sending window updates
// as the application consumes.
type h2BodyReader struct {
	stream *h2Stream
	closed bool
	consumedSinceUpdate int64
}

func (r *h2BodyReader) Read(p []byte) (int, error) {
	st := r.stream
	if r.closed {
		return 0, fmt.Errorf("courier: read from closed response body")
	}
	deadline := st.readDeadline()

	st.mu.Lock()
	for st.recvBuf.Len() == 0 && !st.endStream && st.err == nil {
		if !deadline.IsZero() && time.Now().After(deadline) {
			st.mu.Unlock()
			return 0, &timeoutError{op: "http2 body read", timeout: st.timeouts.read}
		}
		waitCond(st.cond, deadline)
	}
	if st.recvBuf.Len() == 0 {
		err := st.err
		st.mu.Unlock()
		if err != nil {
			return 0, err
		}
		st.h2.forgetStream(st.id)
		return 0, io.EOF
	}
	n, _ := st.recvBuf.Read(p)
	st.mu.Unlock()

	// Stream-level window refill; the connection window refills in the read
	// loop as frames arrive.
	r.consumedSinceUpdate += int64(n)
	if r.consumedSinceUpdate >= h2InitialWindowSize/h2WindowUpdateRatio {
		inc := uint32(r.consumedSinceUpdate)
		r.consumedSinceUpdate = 0
		st.h2.wmu.Lock()
		st.h2.framer.WriteWindowUpdate(st.id, inc)
		st.h2.wmu.Unlock()
	}
	return n, nil
}

func (r *h2BodyReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	st := r.stream
	st.mu.Lock()
	finished := st.endStream && st.recvBuf.Len() == 0
	st.mu.Unlock()
	if !finished {
		st.cancel()
	} else {
		st.h2.forgetStream(st.id)
	}
	return nil
}
