package ui

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Callback is a notification target: something to call with a new value
type Callback[T any] struct {
	fn func(T)
}

func NewCallback[T any](fn func(T)) Callback[T] {
	return Callback[T]{fn: fn}
}

// Emit calls the target. Zero Callback does nothing.
func (c Callback[T]) Emit(v T) {
	if c.fn != nil {
		c.fn(v)
	}
}

func (c Callback[T]) IsZero() bool {
	return c.fn == nil
}

// ContextHandle keeps a registration alive until released
type ContextHandle struct {
	once    sync.Once
	release func()
}

// Release stops further deliveries. Safe to call more than once and on nil handle.
func (h *ContextHandle) Release() {
	if h == nil || h.release == nil {
		return
	}
	h.once.Do(h.release)
}

type subscriber[T any] struct {
	id       uint64
	cb       Callback[T]
	released atomic.Bool
}

// Provider owns the authoritative value of T for its subtree
type Provider[T any] struct {
	mu     sync.Mutex
	value  T
	subs   []*subscriber[T] // registration order
	nextID uint64
}

func newProvider[T any](initial T) *Provider[T] {
	return &Provider[T]{value: initial}
}

// Get returns the current value
func (p *Provider[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Set replaces the value and notifies every live subscriber once, in registration order.
// Values are not compared or coalesced.
func (p *Provider[T]) Set(v T) {
	p.mu.Lock()
	p.value = v
	subs := slices.Clone(p.subs)
	p.mu.Unlock()

	// Callbacks run without the lock: they may subscribe, release or Set again
	for _, s := range subs {
		if !s.released.Load() {
			s.cb.Emit(v)
		}
	}
}

// Subscribers returns count of live registrations
func (p *Provider[T]) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Provider[T]) subscribe(cb Callback[T]) (T, *ContextHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	s := &subscriber[T]{id: p.nextID, cb: cb}
	p.subs = append(p.subs, s)

	handle := &ContextHandle{release: func() { p.unsubscribe(s) }}
	return p.value, handle
}

func (p *Provider[T]) unsubscribe(s *subscriber[T]) {
	s.released.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.subs = slices.DeleteFunc(p.subs, func(other *subscriber[T]) bool {
		return other.id == s.id
	})
}
