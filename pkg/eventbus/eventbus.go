package eventbus

// EventBus is a lock-free pub/sub fanout used to broadcast call telemetry
// (connect timings, cache outcomes, lifecycle transitions) to any number of
// observers without ever blocking the hot path: a subscriber that stops
// draining its channel loses events rather than stalling the publisher.

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Bus delivers events of type T to all active subscribers. Publish never
// blocks; slow subscribers drop.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	workers     *workerPool[T]
	seq         atomic.Uint64
	bufferSize  int
	isShutdown  atomic.Bool
}

type subscriber[T any] struct {
	ch       chan T
	id       string
	dropped  atomic.Uint64
	isActive atomic.Bool
}

// Config sizes the per-subscriber buffers and the async publish queue.
type Config struct {
	BufferSize  int
	AsyncQueue  int
	AsyncWorkers int
}

var DefaultConfig = Config{
	BufferSize:   64,
	AsyncQueue:   1000,
	AsyncWorkers: 2,
}

// New creates a bus with the default configuration.
func New[T any]() *Bus[T] {
	return NewWithConfig[T](DefaultConfig)
}

// NewWithConfig creates a bus with custom buffer and worker sizing.
func NewWithConfig[T any](cfg Config) *Bus[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	b := &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  cfg.BufferSize,
	}
	if cfg.AsyncWorkers > 0 {
		b.workers = newWorkerPool(b, cfg.AsyncWorkers, cfg.AsyncQueue)
	}
	return b
}

// Subscribe returns a receive channel and a cleanup function. The
// subscription also ends when ctx is cancelled.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.isShutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub_" + strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber[T]{id: id, ch: make(chan T, b.bufferSize)}
	sub.isActive.Store(true)
	b.subscribers.Store(id, sub)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch, func() { b.unsubscribe(id) }
}

// Publish delivers event to every active subscriber and returns the delivery
// count. Full subscriber buffers count a drop instead of blocking.
func (b *Bus[T]) Publish(event T) int {
	if b.isShutdown.Load() {
		return 0
	}

	delivered := 0
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if !sub.isActive.Load() {
			return true
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// PublishAsync hands the event to the worker pool and returns immediately.
// Events are dropped when the queue is full or the bus has no workers.
func (b *Bus[T]) PublishAsync(event T) {
	if b.isShutdown.Load() || b.workers == nil {
		return
	}
	b.workers.enqueue(event)
}

// Shutdown stops delivery. Subscriber channels are abandoned, not closed, so
// racing publishers can never panic on a closed channel.
func (b *Bus[T]) Shutdown() {
	if !b.isShutdown.CompareAndSwap(false, true) {
		return
	}
	if b.workers != nil {
		b.workers.shutdown()
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		sub.isActive.Store(false)
		return true
	})
	b.subscribers.Clear()
}

// Stats reports aggregate subscriber counts and drops.
func (b *Bus[T]) Stats() Stats {
	stats := Stats{IsShutdown: b.isShutdown.Load()}
	if stats.IsShutdown {
		return stats
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		stats.TotalSubscribers++
		if sub.isActive.Load() {
			stats.ActiveSubscribers++
		}
		stats.TotalDropped += sub.dropped.Load()
		return true
	})
	return stats
}

type Stats struct {
	TotalSubscribers  int
	ActiveSubscribers int
	TotalDropped      uint64
	IsShutdown        bool
}

func (b *Bus[T]) unsubscribe(id string) {
	if sub, exists := b.subscribers.Load(id); exists {
		sub.isActive.Store(false)
		b.subscribers.Delete(id)
	}
}
