// Package ui is the component host the authentication context is distributed through:
// a tree of nodes, values provided at a node and consumed by its descendants, and
// per-component mailboxes drained on a single event loop.
package ui

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Node is a position in the component tree
type Node struct {
	id     uuid.UUID
	name   string
	parent *Node

	mu        sync.RWMutex
	providers map[reflect.Type]any // type of provided value -> *Provider[T]
}

func NewRoot(name string) *Node {
	return &Node{
		id:        uuid.New(),
		name:      name,
		providers: make(map[reflect.Type]any),
	}
}

// Child creates a node below n
func (n *Node) Child(name string) *Node {
	child := NewRoot(name)
	child.parent = n
	return child
}

func (n *Node) ID() uuid.UUID { return n.id }
func (n *Node) Name() string  { return n.name }
func (n *Node) Parent() *Node { return n.parent }
func (n *Node) IsRoot() bool  { return n.parent == nil }

// Provide mounts a provider of T at n with the initial value.
// Providing the same type twice at one node replaces the earlier provider for new
// consumers; existing subscribers stay attached to the provider they registered with.
func Provide[T any](n *Node, initial T) *Provider[T] {
	p := newProvider(initial)

	n.mu.Lock()
	n.providers[reflect.TypeFor[T]()] = p
	n.mu.Unlock()

	return p
}

// Consume registers cb against the nearest provider of T at n or above it.
// Returns the provider's current value and a handle to release the registration,
// or ok=false when no provider of T is reachable.
func Consume[T any](n *Node, cb Callback[T]) (value T, handle *ContextHandle, ok bool) {
	for cur := n; cur != nil; cur = cur.parent {
		if p, found := lookup[T](cur); found {
			value, handle = p.subscribe(cb)
			return value, handle, true
		}
	}

	return value, nil, false
}

func lookup[T any](n *Node) (*Provider[T], bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	p, ok := n.providers[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	return p.(*Provider[T]), true
}
