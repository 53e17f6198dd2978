package courier

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"
)

const maxTunnelAttempts = 2

// establishTunnel issues CONNECT requests over conn until the proxy grants an
// end-to-end tunnel. A 407 consults the proxy authenticator once; redirects
// inside a tunnel are forbidden outright.
func establishTunnel(call *Call, conn net.Conn, route Route, timeouts timeoutConfig) error {
	target := route.address.hostPort()
	req, err := NewRequest("CONNECT", "https://"+target+"/")
	if err != nil {
		return err
	}
	req.headers.Set("Host", target)
	req.headers.Set("Proxy-Connection", "Keep-Alive")
	if ua := call.client.options.UserAgent; ua != "" {
		req.headers.Set("User-Agent", ua)
	}

	br := bufio.NewReader(conn)
	for attempt := 0; attempt < maxTunnelAttempts; attempt++ {
		head, err := writeTunnelRequest(conn, br, req, target, timeouts)
		if err != nil {
			return &TunnelError{Proxy: route.proxy.String(), Err: err}
		}

		switch head.code {
		case StatusOK:
			// Anything buffered past the tunnel grant belongs to no one.
			if br.Buffered() > 0 {
				return &TunnelError{Proxy: route.proxy.String(),
					Err: newProtocolError("proxy sent data after tunnel grant")}
			}
			return nil

		case StatusProxyAuthRequired:
			auth := call.client.options.ProxyAuthenticator
			if auth == nil {
				return &TunnelError{Proxy: route.proxy.String(), StatusCode: head.code}
			}
			challenge := &Response{
				Request:    req,
				Protocol:   head.protocol,
				StatusCode: head.code,
				Status:     head.reason,
				Headers:    head.headers,
			}
			next, err := auth.Authenticate(&route, challenge)
			if err != nil {
				return &TunnelError{Proxy: route.proxy.String(), Err: err}
			}
			if next == nil {
				return &TunnelError{Proxy: route.proxy.String(), StatusCode: head.code}
			}
			req = next

		default:
			return &TunnelError{Proxy: route.proxy.String(), StatusCode: head.code}
		}
	}
	return &TunnelError{Proxy: route.proxy.String(), StatusCode: StatusProxyAuthRequired}
}

func writeTunnelRequest(conn net.Conn, br *bufio.Reader, req *Request, target string, timeouts timeoutConfig) (*responseHead, error) {
	if timeouts.write > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeouts.write))
	}
	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "CONNECT %s HTTP/1.1\r\n", target)
	headers := req.Headers()
	for i := 0; i < headers.Len(); i++ {
		name, value := headers.At(i)
		fmt.Fprintf(bw, "%s: %s\r\n", name, value)
	}
	io.WriteString(bw, "\r\n")
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	if timeouts.read > 0 {
		conn.SetReadDeadline(time.Now().Add(timeouts.read))
	}
	statusLine, err := readCRLFLine(br)
	if err != nil {
		return nil, err
	}
	protocol, code, reason, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}
	var hdrs Headers
	for {
		line, err := readCRLFLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		if colon := indexColon(line); colon > 0 {
			hdrs.Add(line[:colon], line[colon+1:])
		}
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	// Tunnel refusals may carry a body; drain fixed lengths so the next
	// attempt on this socket stays framed.
	if code != StatusOK {
		if cl := contentLength(hdrs); cl > 0 {
			io.CopyN(io.Discard, br, cl)
		}
	}
	return &responseHead{protocol: protocol, code: code, reason: reason, headers: hdrs}, nil
}

func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

func indexColon(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return i
		}
	}
	return -1
}
