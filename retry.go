package courier

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/thushan/courier/internal/httpdate"
)

// maxFollowUps bounds the total hops of one logical call: redirects, auth
// challenges and silent retries combined.
const maxFollowUps = 20

// drainDiscardLimit bounds how many leftover body bytes are read to keep a
// connection reusable; larger remainders abandon the connection instead.
const drainDiscardLimit = 64 * 1024

// drainAndClose consumes a small remaining body so the connection stays
// eligible for the follow-up, then closes it.
func drainAndClose(resp *Response) {
	if resp.Body != nil {
		copyWithPooledBuffer(io.Discard, io.LimitReader(resp.Body, drainDiscardLimit))
	}
	resp.Close()
}

// retryAndFollowUpInterceptor restarts the chain for recoverable connection
// failures and follows the response's instructions: redirects, auth
// challenges, 408/503 retry invitations.
type retryAndFollowUpInterceptor struct {
	client *Client
}

func (rf *retryAndFollowUpInterceptor) Intercept(chain Chain) (*Response, error) {
	rc := chain.(*realChain)
	call := rc.call
	req := rc.request

	var priorResponse *Response
	followUpCount := 0

	for {
		if call.IsCanceled() {
			return nil, ErrCanceled
		}

		resp, err := rc.derive(rc.index, req, nil).Proceed(req)
		if err != nil {
			if !rf.recover(call, req, err) {
				return nil, err
			}
			call.retryingExchange()
			continue
		}

		if priorResponse != nil {
			resp.Prior = priorResponse
		}

		next, err := rf.followUpRequest(call, resp)
		if err != nil {
			resp.Close()
			return nil, err
		}
		call.listener.FollowUpDecision(call, resp, next)
		if next == nil {
			return resp, nil
		}

		if body := next.Body(); body != nil && body.IsOneShot() {
			// A one-shot body cannot be transmitted again.
			return resp, nil
		}

		followUpCount++
		if followUpCount > maxFollowUps {
			resp.Close()
			return nil, &FollowUpError{Hops: followUpCount, LastURL: resp.Request.URL()}
		}

		// The previous body must be drained before its connection can carry
		// the follow-up.
		drainAndClose(resp)
		priorResponse = resp.stripBody()
		req = next
	}
}

// recover reports whether a failed attempt may be transparently retried:
// retries must be enabled, the body replayable, the error of a recoverable
// kind, and another route available.
func (rf *retryAndFollowUpInterceptor) recover(call *Call, req *Request, err error) bool {
	// A canceled or timed-out call is dead regardless of what failed.
	if call.IsCanceled() || call.timedOut.Load() {
		return false
	}
	if !rf.client.options.RetryOnConnectionFailure {
		return false
	}

	var exchErr *ExchangeError
	requestTransmitted := false
	if errors.As(err, &exchErr) {
		requestTransmitted = exchErr.RequestTransmitted
	}
	if body := req.Body(); body != nil && body.IsOneShot() && requestTransmitted {
		return false
	}
	if !isRecoverable(err, requestTransmitted) {
		return false
	}
	// Route availability: a stale pooled connection or refused stream can
	// always move to a fresh connection; hard connect failures need the
	// planner to have another candidate, which RouteError signals it lacks.
	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		return false
	}
	return true
}

func isRecoverable(err error, requestTransmitted bool) bool {
	switch {
	case errors.Is(err, errRefusedStream):
		return true
	case errors.Is(err, errStaleConnection):
		return true
	case errors.Is(err, ErrCanceled):
		return false
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// A connect/read timeout before any request byte went out is safe
		// to retry; after transmission the server may be acting on it.
		return !requestTransmitted
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// followUpRequest inspects a response and produces the next request of the
// logical call, or nil when resp is terminal.
func (rf *retryAndFollowUpInterceptor) followUpRequest(call *Call, resp *Response) (*Request, error) {
	opts := rf.client.options

	switch resp.StatusCode {
	case StatusUnauthorized:
		if opts.Authenticator == nil {
			return nil, nil
		}
		var route *Route
		if call.connection != nil {
			r := call.connection.route
			route = &r
		}
		return opts.Authenticator.Authenticate(route, resp)

	case StatusProxyAuthRequired:
		if opts.ProxyAuthenticator == nil {
			return nil, &TunnelError{Proxy: "proxy", StatusCode: resp.StatusCode}
		}
		var route *Route
		if call.connection != nil {
			r := call.connection.route
			route = &r
		}
		return opts.ProxyAuthenticator.Authenticate(route, resp)

	case StatusMovedPermanently, StatusFound, StatusSeeOther,
		StatusTemporaryRedirect, StatusPermanentRedirect, StatusMultipleChoices:
		return rf.buildRedirect(resp)

	case StatusRequestTimeout:
		if !opts.RetryOnConnectionFailure {
			return nil, nil
		}
		if body := resp.Request.Body(); body != nil && body.IsOneShot() {
			return nil, nil
		}
		if prior := resp.Prior; prior != nil && prior.StatusCode == StatusRequestTimeout {
			// Two timeouts in a row: the server means it.
			return nil, nil
		}
		if retryAfterSeconds(resp, 0) > 1 {
			return nil, nil
		}
		return resp.Request, nil

	case StatusServiceUnavailable:
		if prior := resp.Prior; prior != nil && prior.StatusCode == StatusServiceUnavailable {
			return nil, nil
		}
		if retryAfterSeconds(resp, int(^uint(0)>>1)) == 0 {
			// An explicit Retry-After: 0 is the server inviting an immediate
			// retry.
			return resp.Request, nil
		}
		return nil, nil

	case StatusMisdirectedRequest:
		// A coalesced connection reached a server that does not serve this
		// authority. Retry on a dedicated connection.
		if body := resp.Request.Body(); body != nil && body.IsOneShot() {
			return nil, nil
		}
		if call.connection == nil || !call.connection.IsMultiplexed() {
			return nil, nil
		}
		call.connection.NoNewExchanges()
		return resp.Request, nil

	default:
		return nil, nil
	}
}

func (rf *retryAndFollowUpInterceptor) buildRedirect(resp *Response) (*Request, error) {
	opts := rf.client.options
	if !opts.FollowRedirects {
		return nil, nil
	}
	location := resp.Header("Location")
	if location == "" {
		return nil, nil
	}
	target, err := resp.Request.URL().Parse(location)
	if err != nil {
		return nil, nil
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil
	}
	if target.Scheme != resp.Request.URL().Scheme && !opts.FollowSSLRedirects {
		return nil, nil
	}
	canonical, err := canonicalURL(target.String())
	if err != nil {
		return nil, nil
	}

	method := resp.Request.Method()
	keepBody := false
	switch resp.StatusCode {
	case StatusTemporaryRedirect, StatusPermanentRedirect:
		// 307/308 preserve the method and body.
		keepBody = methodPermitsBody(method)
	default:
		// 300/301/302/303 redirect to GET, except HEAD stays HEAD.
		if method != "HEAD" {
			method = "GET"
		}
	}
	return resp.Request.deriveMethodURL(method, canonical, keepBody), nil
}

// retryAfterSeconds parses Retry-After as delta-seconds or an HTTP date.
// Absent or malformed values yield defaultSeconds.
func retryAfterSeconds(resp *Response, defaultSeconds int) int {
	v := resp.Header("Retry-After")
	if v == "" {
		return defaultSeconds
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if t, ok := httpdate.Parse(v); ok {
		delta := time.Until(t)
		if delta <= 0 {
			return 0
		}
		return int(delta / time.Second)
	}
	return defaultSeconds
}
