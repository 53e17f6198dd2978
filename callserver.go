package courier

import (
	"strings"
	"time"
)

// callServerInterceptor is the terminal link: it transmits the request over
// the exchange, skips informational responses, and surfaces the final
// response with a streaming body.
type callServerInterceptor struct {
	client *Client
}

func (cs *callServerInterceptor) Intercept(chain Chain) (*Response, error) {
	rc := chain.(*realChain)
	exch := rc.exch
	req := rc.request
	sentAt := nowMillis()

	if err := exch.writeRequestHeaders(req); err != nil {
		return nil, err
	}

	var earlyHead *responseHead
	body := req.Body()
	if body != nil && methodPermitsBody(req.Method()) {
		// Expect: 100-continue defers the body until the server invites it.
		if strings.EqualFold(req.Header("Expect"), "100-continue") {
			if err := exch.flushRequest(); err != nil {
				return nil, err
			}
			head, err := exch.readResponseHeaders(true)
			if err != nil {
				return nil, err
			}
			earlyHead = head
		}

		if earlyHead == nil {
			if body.IsDuplex() {
				// Duplex: flush headers now; the body interleaves with
				// response reads on the caller's own goroutines.
				if err := exch.flushRequest(); err != nil {
					return nil, err
				}
				sink, err := exch.createRequestBody(req)
				if err != nil {
					return nil, err
				}
				go func() {
					if err := body.WriteTo(sink); err == nil {
						sink.Close()
					}
				}()
			} else {
				sink, err := exch.createRequestBody(req)
				if err != nil {
					return nil, err
				}
				if err := body.WriteTo(sink); err != nil {
					return nil, err
				}
				if err := sink.Close(); err != nil {
					return nil, err
				}
			}
		} else {
			// The server answered before inviting the body; this connection
			// cannot be reused with an unsent body in limbo.
			exch.conn.NoNewExchanges()
		}
	}

	if body == nil || !body.IsDuplex() {
		if err := exch.finishRequest(); err != nil {
			return nil, err
		}
	}

	head := earlyHead
	for head == nil || isInformational(head.code) {
		// Unsolicited 1xx responses (100, 102 Processing, 103 Early Hints)
		// are skipped silently.
		var err error
		head, err = exch.readResponseHeaders(false)
		if err != nil {
			return nil, err
		}
	}

	resp := &Response{
		Request:          req,
		Protocol:         head.protocol,
		StatusCode:       head.code,
		Status:           head.reason,
		Headers:          head.headers,
		TLS:              exch.conn.tlsInfo,
		SentAtMillis:     sentAt,
		ReceivedAtMillis: nowMillis(),
		trailersFn:       exch.trailers,
	}
	rc.call.listener.ResponseHeadersEnd(rc.call, resp)

	respBody, err := exch.openResponseBody(head)
	if err != nil {
		return nil, err
	}
	resp.Body = respBody

	if wantsClose(req.Headers()) || wantsClose(head.headers) {
		exch.conn.NoNewExchanges()
	}

	if (head.code == StatusNoContent || head.code == StatusResetContent) &&
		respBody.ContentLength() > 0 {
		return nil, newProtocolError("HTTP %d had non-zero Content-Length: %d",
			head.code, respBody.ContentLength())
	}
	return resp, nil
}

func isInformational(code int) bool {
	return code >= 100 && code < 200
}

func wantsClose(headers Headers) bool {
	for _, tok := range headers.commaSeparatedValues("Connection") {
		if strings.EqualFold(tok, "close") {
			return true
		}
	}
	return false
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
