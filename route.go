package courier

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Route is one concrete way to reach an address: the proxy decision plus the
// resolved socket endpoint. Routes compare by value so a failed route can be
// recognised when it is re-planned later.
type Route struct {
	address *Address
	proxy   Proxy
	ip      net.IP
	port    int
}

// Address returns the origin this route serves.
func (r Route) Address() *Address { return r.address }

// Proxy returns the proxy decision for this route.
func (r Route) Proxy() Proxy { return r.proxy }

// SocketEndpoint returns the host:port the TCP connect targets.
func (r Route) SocketEndpoint() string {
	return net.JoinHostPort(r.ip.String(), strconv.Itoa(r.port))
}

// RequiresTunnel reports whether this route must CONNECT through its proxy
// before speaking TLS to the origin.
func (r Route) RequiresTunnel() bool {
	return r.proxy.Kind == ProxyHTTP && r.address.IsTLS()
}

func (r Route) String() string {
	if r.proxy.Kind == ProxyDirect {
		return fmt.Sprintf("%s via %s", r.address.hostPort(), r.SocketEndpoint())
	}
	return fmt.Sprintf("%s via %s proxy %s", r.address.hostPort(), r.proxy, r.SocketEndpoint())
}

// key is the value identity used by the failure database.
func (r Route) key() string {
	return r.address.poolKey() + "|" + r.proxy.String() + "|" + r.SocketEndpoint()
}

// routeDatabase remembers routes that recently failed so planners try them
// last. A success against the same route clears its failure; successes on
// other routes do not.
type routeDatabase struct {
	mu     sync.Mutex
	failed map[string]struct{}
}

func newRouteDatabase() *routeDatabase {
	return &routeDatabase{failed: make(map[string]struct{})}
}

func (db *routeDatabase) recordFailure(route Route) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failed[route.key()] = struct{}{}
}

func (db *routeDatabase) connected(route Route) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.failed, route.key())
}

func (db *routeDatabase) shouldPostpone(route Route) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.failed[route.key()]
	return ok
}
