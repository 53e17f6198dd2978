package courier

import (
	"net"
	"time"

	"github.com/thushan/courier/pkg/eventbus"
)

// EventListener observes the lifecycle of a single call. Events for one call
// arrive in a well-defined order (connect before acquire, headers before
// body, released before end). Implementations run on the calling goroutine
// inside the hot path and must not block or take locks the client holds.
//
// Embed NoopEventListener to implement a subset.
type EventListener interface {
	CallStart(call *Call)

	ProxySelectStart(call *Call, host string)
	ProxySelectEnd(call *Call, host string, proxies []Proxy)

	DNSStart(call *Call, domain string)
	DNSEnd(call *Call, domain string, ips []net.IP)

	ConnectStart(call *Call, route Route)
	SecureConnectStart(call *Call)
	SecureConnectEnd(call *Call, tls *TLSInfo)
	ConnectEnd(call *Call, route Route, protocol Protocol)
	ConnectFailed(call *Call, route Route, err error)

	ConnectionAcquired(call *Call, conn *Connection)
	ConnectionReleased(call *Call, conn *Connection)

	RequestHeadersStart(call *Call)
	RequestHeadersEnd(call *Call, req *Request)
	RequestBodyStart(call *Call)
	RequestBodyEnd(call *Call, byteCount int64)
	RequestFailed(call *Call, err error)

	ResponseHeadersStart(call *Call)
	ResponseHeadersEnd(call *Call, resp *Response)
	ResponseBodyStart(call *Call)
	ResponseBodyEnd(call *Call, byteCount int64)
	ResponseFailed(call *Call, err error)

	FollowUpDecision(call *Call, resp *Response, next *Request)

	CacheHit(call *Call, resp *Response)
	CacheMiss(call *Call)
	CacheConditionalHit(call *Call, cached *Response)
	SatisfactionFailure(call *Call, cached *Response)

	Canceled(call *Call)
	CallEnd(call *Call)
	CallFailed(call *Call, err error)
}

// EventListenerFactory builds one listener per call.
type EventListenerFactory func(call *Call) EventListener

// NoopEventListener implements EventListener with empty methods.
type NoopEventListener struct{}

func (NoopEventListener) CallStart(*Call)                              {}
func (NoopEventListener) ProxySelectStart(*Call, string)               {}
func (NoopEventListener) ProxySelectEnd(*Call, string, []Proxy)        {}
func (NoopEventListener) DNSStart(*Call, string)                       {}
func (NoopEventListener) DNSEnd(*Call, string, []net.IP)               {}
func (NoopEventListener) ConnectStart(*Call, Route)                    {}
func (NoopEventListener) SecureConnectStart(*Call)                     {}
func (NoopEventListener) SecureConnectEnd(*Call, *TLSInfo)             {}
func (NoopEventListener) ConnectEnd(*Call, Route, Protocol)            {}
func (NoopEventListener) ConnectFailed(*Call, Route, error)            {}
func (NoopEventListener) ConnectionAcquired(*Call, *Connection)        {}
func (NoopEventListener) ConnectionReleased(*Call, *Connection)        {}
func (NoopEventListener) RequestHeadersStart(*Call)                    {}
func (NoopEventListener) RequestHeadersEnd(*Call, *Request)            {}
func (NoopEventListener) RequestBodyStart(*Call)                       {}
func (NoopEventListener) RequestBodyEnd(*Call, int64)                  {}
func (NoopEventListener) RequestFailed(*Call, error)                   {}
func (NoopEventListener) ResponseHeadersStart(*Call)                   {}
func (NoopEventListener) ResponseHeadersEnd(*Call, *Response)          {}
func (NoopEventListener) ResponseBodyStart(*Call)                      {}
func (NoopEventListener) ResponseBodyEnd(*Call, int64)                 {}
func (NoopEventListener) ResponseFailed(*Call, error)                  {}
func (NoopEventListener) FollowUpDecision(*Call, *Response, *Request)  {}
func (NoopEventListener) CacheHit(*Call, *Response)                    {}
func (NoopEventListener) CacheMiss(*Call)                              {}
func (NoopEventListener) CacheConditionalHit(*Call, *Response)         {}
func (NoopEventListener) SatisfactionFailure(*Call, *Response)         {}
func (NoopEventListener) Canceled(*Call)                               {}
func (NoopEventListener) CallEnd(*Call)                                {}
func (NoopEventListener) CallFailed(*Call, error)                      {}

// CallEvent is the flattened telemetry record published to an event bus by
// BusListenerFactory.
type CallEvent struct {
	CallID string
	Kind   string
	URL    string
	Detail string
	At     time.Time
}

// BusListenerFactory fans call events out to bus subscribers asynchronously,
// so any number of observers can watch calls without touching the hot path.
func BusListenerFactory(bus *eventbus.Bus[CallEvent]) EventListenerFactory {
	return func(call *Call) EventListener {
		return &busListener{bus: bus}
	}
}

type busListener struct {
	NoopEventListener
	bus *eventbus.Bus[CallEvent]
}

func (l *busListener) publish(call *Call, kind, detail string) {
	l.bus.PublishAsync(CallEvent{
		CallID: call.ID(),
		Kind:   kind,
		URL:    call.Request().URL().String(),
		Detail: detail,
		At:     time.Now(),
	})
}

func (l *busListener) CallStart(call *Call) { l.publish(call, "call.start", "") }
func (l *busListener) CallEnd(call *Call)   { l.publish(call, "call.end", "") }
func (l *busListener) CallFailed(call *Call, err error) {
	l.publish(call, "call.failed", err.Error())
}
func (l *busListener) Canceled(call *Call) { l.publish(call, "call.canceled", "") }
func (l *busListener) ConnectStart(call *Call, route Route) {
	l.publish(call, "connect.start", route.String())
}
func (l *busListener) ConnectEnd(call *Call, route Route, protocol Protocol) {
	l.publish(call, "connect.end", string(protocol))
}
func (l *busListener) ConnectFailed(call *Call, route Route, err error) {
	l.publish(call, "connect.failed", err.Error())
}
func (l *busListener) CacheHit(call *Call, resp *Response) {
	l.publish(call, "cache.hit", "")
}
func (l *busListener) CacheMiss(call *Call) { l.publish(call, "cache.miss", "") }
func (l *busListener) CacheConditionalHit(call *Call, cached *Response) {
	l.publish(call, "cache.conditional", "")
}
func (l *busListener) ResponseHeadersEnd(call *Call, resp *Response) {
	l.publish(call, "response.headers", resp.String())
}

// listenerFor resolves the client's listener factory for a call, defaulting
// to the no-op listener.
func listenerFor(client *Client, call *Call) EventListener {
	if client.options.EventListenerFactory == nil {
		return NoopEventListener{}
	}
	l := client.options.EventListenerFactory(call)
	if l == nil {
		return NoopEventListener{}
	}
	return l
}
