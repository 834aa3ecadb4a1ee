// Package handle wraps externally owned resources (captures, frames, engine
// instances) so that they are released exactly once and any use after
// release fails loudly instead of touching freed memory.
package handle

import (
	"errors"
	"runtime"
	"sync"
)

// ErrInvalidHandle is returned by any operation on a released handle.
var ErrInvalidHandle = errors.New("invalid handle: resource already released")

// Handle owns a resource of type T together with the function that gives it
// back to its owner. Use and Release are mutually exclusive.
type Handle[T any] struct {
	mu       sync.Mutex
	res      T
	release  func(T)
	released bool
	cleanup  runtime.Cleanup
}

// Option configures a Handle.
type Option func(*settings)

type settings struct {
	onLeak func()
}

// WithLeakHook registers fn to be called when a handle is garbage collected
// without having been released. The resource is still released afterwards.
func WithLeakHook(fn func()) Option {
	return func(s *settings) { s.onLeak = fn }
}

// leaked carries what the GC cleanup needs. It must not reference the Handle.
type leaked[T any] struct {
	res     T
	release func(T)
	onLeak  func()
}

// New wraps res. release may be nil for resources that need no teardown.
func New[T any](res T, release func(T), opts ...Option) *Handle[T] {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	h := &Handle[T]{res: res, release: release}
	h.cleanup = runtime.AddCleanup(h, func(l leaked[T]) {
		if l.onLeak != nil {
			l.onLeak()
		}
		if l.release != nil {
			l.release(l.res)
		}
	}, leaked[T]{res: res, release: release, onLeak: s.onLeak})
	return h
}

// Use runs fn with the resource while holding the handle lock, so a
// concurrent Release waits for fn to return.
func (h *Handle[T]) Use(fn func(T) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrInvalidHandle
	}
	return fn(h.res)
}

// Release gives the resource back. Calling it again is a no-op.
func (h *Handle[T]) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	h.cleanup.Stop()

	if h.release != nil {
		h.release(h.res)
	}
	var zero T
	h.res = zero
}

// Released reports whether Release has been called.
func (h *Handle[T]) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Read returns fn(resource), or ErrInvalidHandle once the handle is released.
func Read[T, R any](h *Handle[T], fn func(T) R) (R, error) {
	var out R
	err := h.Use(func(res T) error {
		out = fn(res)
		return nil
	})
	return out, err
}
