// Package authctx lets any component of the tree observe the authentication state.
//
// A subscription returns the provider's current state together with a handle that keeps
// the registration alive. Both are nil when no provider of the state is mounted above
// the component; that is not an error and it is not retried.
//
// Two kinds of components subscribe: a component being created (*ui.Context) and a
// mounted component (*ui.Scope). Both get the same two operations: SubscribeRaw takes
// a prepared notification target, Subscribe takes a function that turns a new state
// into the component's own message.
package authctx

import (
	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/ui"
)

// Registrar registers a notification target against the nearest provider of the state.
// ok is false when there is no provider.
type Registrar interface {
	RegisterAuth(notify ui.Callback[authstate.State]) (state authstate.State, handle *ui.ContextHandle, ok bool)
}

// Allow to use a function as Registrar
type RegistrarFunc func(notify ui.Callback[authstate.State]) (authstate.State, *ui.ContextHandle, bool)

func (f RegistrarFunc) RegisterAuth(notify ui.Callback[authstate.State]) (authstate.State, *ui.ContextHandle, bool) {
	return f(notify)
}

// NodeRegistrar looks the provider up in the component tree starting at n
func NodeRegistrar(n *ui.Node) Registrar {
	return RegistrarFunc(func(notify ui.Callback[authstate.State]) (authstate.State, *ui.ContextHandle, bool) {
		return ui.Consume(n, notify)
	})
}

// Provide mounts the authoritative state at n.
// nil initial state is stored as NotInitialized.
func Provide(n *ui.Node, initial authstate.State) *ui.Provider[authstate.State] {
	if initial == nil {
		initial = authstate.NotInitialized{}
	}
	return ui.Provide(n, initial)
}

type RawSubscriber interface {
	// Register notify for every future state change.
	// Returns the state at registration time and the handle, or (nil, nil) without provider.
	// Releasing the handle is up to the caller.
	SubscribeRaw(notify ui.Callback[authstate.State]) (*authstate.State, *ui.ContextHandle)
}

type Subscriber[M any] interface {
	// Same as SubscribeRaw, but every new state is mapped with transform
	// and delivered as a message into the subscriber's own mailbox.
	Subscribe(transform func(authstate.State) M) (*authstate.State, *ui.ContextHandle)
}

// SubscribeRawWith is the registration shared by every kind of subscriber
func SubscribeRawWith(r Registrar, notify ui.Callback[authstate.State]) (*authstate.State, *ui.ContextHandle) {
	if r == nil {
		return nil, nil
	}

	state, handle, ok := r.RegisterAuth(notify)
	if !ok {
		return nil, nil
	}

	return &state, handle
}

// SubscribeWith builds the notification target for scope and registers it with r
func SubscribeWith[M any](r Registrar, scope *ui.Scope[M], transform func(authstate.State) M) (*authstate.State, *ui.ContextHandle) {
	return SubscribeRawWith(r, ui.ScopeCallback(scope, transform))
}
