package courier

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxIdleConnections = 5
	DefaultKeepAliveDuration  = 5 * time.Minute
)

// ConnectionPool shares keep-alive connections between calls to the same
// address. Idle connections are evicted after the keep-alive duration, and
// the oldest idle connection goes first once the idle count exceeds the
// limit. A single housekeeper goroutine is scheduled on demand and parks
// itself when the pool drains.
type ConnectionPool struct {
	maxIdle   int
	keepAlive time.Duration
	log       *slog.Logger

	mu           sync.Mutex
	conns        map[string][]*Connection
	cleanupTimer *time.Timer
	closed       bool
}

// NewConnectionPool builds a pool with the given idle budget.
func NewConnectionPool(maxIdle int, keepAlive time.Duration) *ConnectionPool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConnections
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveDuration
	}
	return &ConnectionPool{
		maxIdle:   maxIdle,
		keepAlive: keepAlive,
		log:       slog.Default(),
		conns:     make(map[string][]*Connection),
	}
}

// acquire returns a pooled connection eligible for address, or nil. Passing
// routes additionally admits coalesced HTTP/2 connections whose route
// endpoint and certificate match. requireMultiplexed restricts the search to
// HTTP/2 connections, used when a refused stream must move to a different
// connection.
func (p *ConnectionPool) acquire(address *Address, routes []Route, requireMultiplexed bool) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	for _, bucket := range p.buckets(address, routes) {
		for _, c := range p.conns[bucket] {
			if requireMultiplexed && !c.IsMultiplexed() {
				continue
			}
			if !c.isEligible(address, routes) {
				continue
			}
			if !c.reserveExchange() {
				continue
			}
			return c
		}
	}
	return nil
}

// buckets lists the pool keys worth scanning for address: its own, plus the
// keys of route endpoints when coalescing is on the table.
func (p *ConnectionPool) buckets(address *Address, routes []Route) []string {
	keys := []string{address.poolKey()}
	if routes != nil && address.IsTLS() {
		for key := range p.conns {
			if key != keys[0] {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// put inserts a freshly connected connection.
func (p *ConnectionPool) put(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.close()
		return
	}
	c.pool = p
	key := c.route.address.poolKey()
	p.conns[key] = append(p.conns[key], c)
	p.scheduleCleanupLocked(p.keepAlive)
}

// connectionBecameIdle wakes the housekeeper: the connection may now be over
// budget or the next eviction time may have moved up.
func (p *ConnectionPool) connectionBecameIdle(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if c.isNoNewExchanges() {
		p.removeLocked(c)
		c.close()
		return
	}
	p.scheduleCleanupLocked(0)
}

func (p *ConnectionPool) scheduleCleanupLocked(delay time.Duration) {
	if p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
	}
	p.cleanupTimer = time.AfterFunc(delay, p.cleanup)
}

// cleanup evicts expired and over-budget idle connections, then re-arms the
// timer for the next soonest eviction.
func (p *ConnectionPool) cleanup() {
	now := time.Now().UnixNano()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var evict []*Connection
	var idle []*Connection
	for _, bucket := range p.conns {
		for _, c := range bucket {
			if c.inFlight() > 0 {
				continue
			}
			if c.isNoNewExchanges() || now-c.idleAt() >= int64(p.keepAlive) {
				evict = append(evict, c)
				continue
			}
			idle = append(idle, c)
		}
	}

	// Over the idle budget: evict oldest-idle first.
	for len(idle) > p.maxIdle {
		oldest := 0
		for i := range idle {
			if idle[i].idleAt() < idle[oldest].idleAt() {
				oldest = i
			}
		}
		evict = append(evict, idle[oldest])
		idle = append(idle[:oldest], idle[oldest+1:]...)
	}

	for _, c := range evict {
		p.removeLocked(c)
	}

	// Next wake: the connection that expires soonest.
	if len(idle) > 0 {
		soonest := idle[0].idleAt()
		for _, c := range idle[1:] {
			if c.idleAt() < soonest {
				soonest = c.idleAt()
			}
		}
		wait := time.Duration(soonest+int64(p.keepAlive)-now) + time.Millisecond
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		p.scheduleCleanupLocked(wait)
	}
	p.mu.Unlock()

	// Sockets close outside the pool lock.
	for _, c := range evict {
		c.close()
	}
}

func (p *ConnectionPool) removeLocked(c *Connection) {
	key := c.route.address.poolKey()
	bucket := p.conns[key]
	for i, other := range bucket {
		if other == c {
			p.conns[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(p.conns[key]) == 0 {
		delete(p.conns, key)
	}
}

// IdleConnectionCount reports connections with no in-flight exchange.
func (p *ConnectionPool) IdleConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.conns {
		for _, c := range bucket {
			if c.inFlight() == 0 {
				n++
			}
		}
	}
	return n
}

// ConnectionCount reports all pooled connections.
func (p *ConnectionPool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.conns {
		n += len(bucket)
	}
	return n
}

// EvictAll closes every connection that is not carrying an exchange.
func (p *ConnectionPool) EvictAll() {
	p.mu.Lock()
	var evict []*Connection
	for _, bucket := range p.conns {
		for _, c := range bucket {
			if c.inFlight() == 0 {
				evict = append(evict, c)
			}
		}
	}
	for _, c := range evict {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range evict {
		c.close()
	}
}

// shutdown closes the pool for good and closes every pooled connection at
// once, including connections still carrying an exchange.
func (p *ConnectionPool) shutdown() {
	p.mu.Lock()
	p.closed = true
	if p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
	}
	var all []*Connection
	for _, bucket := range p.conns {
		all = append(all, bucket...)
	}
	p.conns = make(map[string][]*Connection)
	p.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
