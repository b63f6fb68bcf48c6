// Package lazy provides a resettable handle for expensive, shared resources
// such as loaded models. The value is built at most once per lifetime, under a
// mutex, and read lock-free afterwards. Clear releases the value so the next
// Get builds a fresh one.
package lazy

import (
	"sync"
	"sync/atomic"
)

// Handle owns a lazily constructed *T.
type Handle[T any] struct {
	mu      sync.Mutex
	v       atomic.Pointer[T]
	build   func() (*T, error)
	release func(*T) error
}

// New returns a handle that calls build on first use and release on Clear.
// release may be nil.
func New[T any](build func() (*T, error), release func(*T) error) *Handle[T] {
	return &Handle[T]{build: build, release: release}
}

// Get returns the shared value, constructing it if needed. Concurrent callers
// block behind a single construction; a failed build is not cached.
func (h *Handle[T]) Get() (*T, error) {
	if v := h.v.Load(); v != nil {
		return v, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Re-check under lock: another caller may have won the race.
	if v := h.v.Load(); v != nil {
		return v, nil
	}
	v, err := h.build()
	if err != nil {
		return nil, err
	}
	h.v.Store(v)
	return v, nil
}

// Loaded reports whether a value is currently held.
func (h *Handle[T]) Loaded() bool {
	return h.v.Load() != nil
}

// Clear drops the current value and releases it. Callers must ensure no one
// is still using the value.
func (h *Handle[T]) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := h.v.Swap(nil)
	if v == nil || h.release == nil {
		return nil
	}
	return h.release(v)
}

// Drop clears the handle only if it still holds v, so a caller reporting a
// stale value cannot release a newer one. Callers must ensure no one is still
// using v.
func (h *Handle[T]) Drop(v *T) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.v.CompareAndSwap(v, nil) || h.release == nil {
		return nil
	}
	return h.release(v)
}
