package ui

import (
	"sync/atomic"
	"weak"
)

// mailbox delivers a component's own messages to its update function
type mailbox[M any] struct {
	dispatcher Dispatcher
	update     func(M)
	closed     atomic.Bool
}

func (m *mailbox[M]) send(msg M) {
	if m.closed.Load() {
		return
	}

	// Loop may be stopped already: the message is dropped like for a destroyed component
	_ = m.dispatcher.Post(func() {
		if !m.closed.Load() {
			m.update(msg)
		}
	})
}

// Scope is the persistent handle of a mounted component.
// It stays valid for the component's whole lifetime and may be used from async callbacks.
type Scope[M any] struct {
	node    *Node
	mailbox *mailbox[M]
}

// NewScope mounts a component at node. Messages are handed to update through d;
// nil d delivers them inline.
func NewScope[M any](node *Node, d Dispatcher, update func(M)) *Scope[M] {
	if d == nil {
		d = Inline{}
	}

	return &Scope[M]{
		node:    node,
		mailbox: &mailbox[M]{dispatcher: d, update: update},
	}
}

func (s *Scope[M]) Node() *Node {
	return s.node
}

// SendMessage puts msg into the component's own mailbox
func (s *Scope[M]) SendMessage(msg M) {
	s.mailbox.send(msg)
}

// Destroy closes the mailbox; messages sent or queued afterwards are dropped
func (s *Scope[M]) Destroy() {
	s.mailbox.closed.Store(true)
}

func (s *Scope[M]) IsDestroyed() bool {
	return s.mailbox.closed.Load()
}

// ScopeCallback builds a notification target that maps a value to a message for s.
// The target references the mailbox weakly and does not keep the component alive.
func ScopeCallback[T, M any](s *Scope[M], fn func(T) M) Callback[T] {
	mb := weak.Make(s.mailbox)

	return NewCallback(func(v T) {
		m := mb.Value()
		if m == nil || m.closed.Load() {
			return
		}
		m.send(fn(v))
	})
}

// Context is what a component sees while it is being created
type Context[M any] struct {
	link *Scope[M]
}

func NewContext[M any](scope *Scope[M]) *Context[M] {
	return &Context[M]{link: scope}
}

// Link returns the persistent scope of the component being created
func (c *Context[M]) Link() *Scope[M] {
	return c.link
}
