package pool

// Pool is a strongly typed wrapper around sync.Pool with optional Reset()
// support. The HTTP codecs lease their read/write buffers from one of these so
// a busy client does not churn the heap on every exchange. Objects returned
// from Get() are guaranteed to be the correct type; if the pooled type
// implements Resettable it is zeroed on the way back in via Put().
//
// Example:
//
//	bufs, _ := pool.NewLitePool(func() *[]byte {
//	  b := make([]byte, 8*1024)
//	  return &b
//	})
//	buf := bufs.Get()
//	...
//	bufs.Put(buf)

import (
	"errors"
	"reflect"
	"sync"
)

type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
	new  func() T
}

// NewLitePool builds a pool around newFn. The constructor is probed once up
// front so a nil-returning constructor fails at construction, not at first
// Get.
func NewLitePool[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, errors.New("litepool: constructor must not be nil")
	}
	v := reflect.ValueOf(newFn())
	if !v.IsValid() {
		return nil, errors.New("litepool: constructor returned nil")
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.Interface:
		if v.IsNil() {
			return nil, errors.New("litepool: constructor returned nil")
		}
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
		new: newFn,
	}, nil
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // safe due to validated New
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
