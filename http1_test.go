package courier

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, method string) (*http1Codec, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	conn := &Connection{rawConn: clientSide, exchangeLimit: 1, protocol: ProtocolHTTP11}
	codec := newHTTP1Codec(conn)
	var opts []RequestOption
	if methodRequiresBody(method) {
		opts = append(opts, WithBody(StringBody("text/plain", "")))
	}
	call := &Call{request: mustRequest(t, method, "http://example.com/", opts...)}
	call.listener = NoopEventListener{}
	codec.bind(call, timeoutConfig{})
	return codec, serverSide
}

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line     string
		protocol Protocol
		code     int
		reason   string
		wantErr  bool
	}{
		{line: "HTTP/1.1 200 OK", protocol: ProtocolHTTP11, code: 200, reason: "OK"},
		{line: "HTTP/1.0 404 Not Found", protocol: ProtocolHTTP10, code: 404, reason: "Not Found"},
		{line: "HTTP/1.1 204", protocol: ProtocolHTTP11, code: 204, reason: ""},
		{line: "HTTP/1.1 301 ", protocol: ProtocolHTTP11, code: 301, reason: ""},
		{line: "ICY 200 OK", wantErr: true},
		{line: "HTTP/1.1 20", wantErr: true},
		{line: "HTTP/1.1 2xx OK", wantErr: true},
		{line: "", wantErr: true},
	}
	for _, tc := range tests {
		protocol, code, reason, err := parseStatusLine(tc.line)
		if tc.wantErr {
			assert.Error(t, err, "line %q", tc.line)
			continue
		}
		require.NoError(t, err, "line %q", tc.line)
		assert.Equal(t, tc.protocol, protocol)
		assert.Equal(t, tc.code, code)
		assert.Equal(t, tc.reason, reason)
	}
}

func TestRequestTarget(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/a%20b?x=1&y=2")
	assert.Equal(t, "/a%20b?x=1&y=2", requestTarget(req.URL(), false))
	assert.Equal(t, "http://example.com/a%20b?x=1&y=2", requestTarget(req.URL(), true))
}

func TestWriteRequestHeadersWireFormat(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := serverSide.Read(buf)
		done <- string(buf[:n])
	}()

	req := mustRequest(t, "GET", "http://example.com/path?q=1",
		WithHeader("Host", "example.com"),
		WithHeader("Accept", "*/*"))
	require.NoError(t, codec.writeRequestHeaders(req))
	require.NoError(t, codec.finishRequest())

	wire := <-done
	assert.True(t, strings.HasPrefix(wire, "GET /path?q=1 HTTP/1.1\r\n"), "got %q", wire)
	assert.Contains(t, wire, "Host: example.com\r\n")
	assert.Contains(t, wire, "Accept: */*\r\n")
	assert.True(t, strings.HasSuffix(wire, "\r\n\r\n"))
}

func serveRawResponse(t *testing.T, serverSide net.Conn, raw string) {
	t.Helper()
	go func() {
		// Consume whatever request bytes arrive first.
		br := bufio.NewReader(serverSide)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		serverSide.Write([]byte(raw))
	}()
}

func readResponseVia(t *testing.T, codec *http1Codec) (*responseHead, []byte) {
	t.Helper()
	req := codec.call.request
	require.NoError(t, codec.writeRequestHeaders(req))
	require.NoError(t, codec.finishRequest())

	head, err := codec.readResponseHeaders(false)
	require.NoError(t, err)
	require.NotNil(t, head)

	source, _, err := codec.responseBodySource(head)
	require.NoError(t, err)
	body, err := io.ReadAll(source)
	require.NoError(t, err)
	require.NoError(t, source.Close())
	return head, body
}

func TestFixedLengthResponse(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	serveRawResponse(t, serverSide,
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")

	head, body := readResponseVia(t, codec)
	assert.Equal(t, 200, head.code)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, h1StateIdle, codec.state, "connection must be reusable after a drained body")
}

func TestChunkedResponseWithTrailers(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	serveRawResponse(t, serverSide,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n")

	head, body := readResponseVia(t, codec)
	assert.Equal(t, 200, head.code)
	assert.Equal(t, "hello world", string(body))

	trailers, err := codec.trailers()
	require.NoError(t, err)
	assert.Equal(t, "abc", trailers.Get("X-Checksum"))
	assert.Equal(t, h1StateIdle, codec.state)
}

func TestEndOfStreamResponse(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	go func() {
		br := bufio.NewReader(serverSide)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		serverSide.Write([]byte("HTTP/1.1 200 OK\r\n\r\nstream-until-close"))
		serverSide.Close()
	}()

	head, body := readResponseVia(t, codec)
	assert.Equal(t, 200, head.code)
	assert.Equal(t, "stream-until-close", string(body))
	assert.True(t, codec.conn.isNoNewExchanges(), "read-to-EOF bodies poison reuse")
}

func TestHeadResponseHasNoBody(t *testing.T) {
	codec, serverSide := newTestCodec(t, "HEAD")
	serveRawResponse(t, serverSide,
		"HTTP/1.1 200 OK\r\nContent-Length: 999\r\n\r\n")

	head, body := readResponseVia(t, codec)
	assert.Equal(t, 200, head.code)
	assert.Empty(t, body)
}

func TestInformationalResponseSkipping(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	serveRawResponse(t, serverSide,
		"HTTP/1.1 103 Early Hints\r\nLink: </style.css>\r\n\r\n"+
			"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	req := codec.call.request
	require.NoError(t, codec.writeRequestHeaders(req))
	require.NoError(t, codec.finishRequest())

	head, err := codec.readResponseHeaders(false)
	require.NoError(t, err)
	assert.Equal(t, 103, head.code)

	head, err = codec.readResponseHeaders(false)
	require.NoError(t, err)
	assert.Equal(t, 200, head.code)
}

func TestMalformedStatusLine(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	serveRawResponse(t, serverSide, "BOGUS\r\n\r\n")

	req := codec.call.request
	require.NoError(t, codec.writeRequestHeaders(req))
	require.NoError(t, codec.finishRequest())

	_, err := codec.readResponseHeaders(false)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDuplexRejectedOnHTTP1(t *testing.T) {
	codec, _ := newTestCodec(t, "POST")
	req := mustRequest(t, "POST", "http://example.com/",
		WithBody(DuplexBody(StringBody("text/plain", "x"))),
		WithHeader("Content-Length", "1"))
	require.NoError(t, codec.writeRequestHeaders(req))

	_, err := codec.createRequestBody(req, 1)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "duplex")
}

// Property: any body up to 1 MiB encoded with random chunk sizes decodes to
// the original bytes.
func TestChunkedRoundTripRandomSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 7, 1024, 64*1024 + 13, 1 << 20}

	for _, size := range sizes {
		original := make([]byte, size)
		rng.Read(original)

		// Encode with random chunk sizes.
		var wire strings.Builder
		wire.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
		remaining := original
		for len(remaining) > 0 {
			n := rng.Intn(16*1024) + 1
			if n > len(remaining) {
				n = len(remaining)
			}
			fmt.Fprintf(&wire, "%x\r\n", n)
			wire.Write(remaining[:n])
			wire.WriteString("\r\n")
			remaining = remaining[n:]
		}
		wire.WriteString("0\r\n\r\n")

		codec, serverSide := newTestCodec(t, "GET")
		raw := wire.String()
		go func() {
			br := bufio.NewReader(serverSide)
			for {
				line, err := br.ReadString('\n')
				if err != nil || line == "\r\n" {
					break
				}
			}
			w := bufio.NewWriterSize(serverSide, 64*1024)
			io.Copy(w, strings.NewReader(raw))
			w.Flush()
		}()

		_, body := readResponseVia(t, codec)
		require.Equal(t, len(original), len(body), "size %d", size)
		assert.Equal(t, original, body, "size %d", size)
	}
}

func TestChunkedRequestWriter(t *testing.T) {
	codec, serverSide := newTestCodec(t, "POST")

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(serverSide)
		received <- data
	}()

	req := mustRequest(t, "POST", "http://example.com/upload",
		WithBody(StringBody("text/plain", "irrelevant")),
		WithHeader("Transfer-Encoding", "chunked"))
	require.NoError(t, codec.writeRequestHeaders(req))
	sink, err := codec.createRequestBody(req, -1)
	require.NoError(t, err)

	io.WriteString(sink, "hello ")
	io.WriteString(sink, "world")
	require.NoError(t, sink.Close())
	require.NoError(t, codec.finishRequest())
	codec.conn.rawConn.Close()

	wire := string(<-received)
	assert.Contains(t, wire, "6\r\nhello \r\n")
	assert.Contains(t, wire, "5\r\nworld\r\n")
	assert.True(t, strings.HasSuffix(wire, "0\r\n\r\n"))
}

func TestFixedLengthWriterEnforcesLength(t *testing.T) {
	codec, serverSide := newTestCodec(t, "POST")
	go io.Copy(io.Discard, serverSide)

	req := mustRequest(t, "POST", "http://example.com/upload",
		WithBody(StringBody("text/plain", "abc")),
		WithHeader("Content-Length", "3"))
	require.NoError(t, codec.writeRequestHeaders(req))
	sink, err := codec.createRequestBody(req, 3)
	require.NoError(t, err)

	_, err = sink.Write([]byte("toolong"))
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	short, err := codec.createRequestBody(req, 3)
	require.Error(t, err, "second body in wrong state")
	_ = short
}

func TestTruncatedFixedBody(t *testing.T) {
	codec, serverSide := newTestCodec(t, "GET")
	go func() {
		br := bufio.NewReader(serverSide)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		serverSide.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
		serverSide.Close()
	}()

	req := codec.call.request
	require.NoError(t, codec.writeRequestHeaders(req))
	require.NoError(t, codec.finishRequest())
	head, err := codec.readResponseHeaders(false)
	require.NoError(t, err)
	source, _, err := codec.responseBodySource(head)
	require.NoError(t, err)

	_, err = io.ReadAll(source)
	assert.Error(t, err, "short body must surface a protocol error")
}
