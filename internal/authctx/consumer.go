package authctx

import (
	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/ui"
)

// ScopeConsumer subscribes on behalf of a mounted component
type ScopeConsumer[M any] struct {
	scope     *ui.Scope[M]
	registrar Registrar
}

func FromScope[M any](scope *ui.Scope[M]) ScopeConsumer[M] {
	return ScopeConsumer[M]{
		scope:     scope,
		registrar: NodeRegistrar(scope.Node()),
	}
}

// WithRegistrar replaces the tree lookup, e.g. with a stub in tests
func (c ScopeConsumer[M]) WithRegistrar(r Registrar) ScopeConsumer[M] {
	c.registrar = r
	return c
}

func (c ScopeConsumer[M]) SubscribeRaw(notify ui.Callback[authstate.State]) (*authstate.State, *ui.ContextHandle) {
	return SubscribeRawWith(c.registrar, notify)
}

func (c ScopeConsumer[M]) Subscribe(transform func(authstate.State) M) (*authstate.State, *ui.ContextHandle) {
	return SubscribeWith(c.registrar, c.scope, transform)
}

// ContextConsumer subscribes on behalf of a component being created.
// It acts through the component's link scope.
type ContextConsumer[M any] struct {
	link ScopeConsumer[M]
}

func FromContext[M any](ctx *ui.Context[M]) ContextConsumer[M] {
	return ContextConsumer[M]{link: FromScope(ctx.Link())}
}

func (c ContextConsumer[M]) WithRegistrar(r Registrar) ContextConsumer[M] {
	c.link = c.link.WithRegistrar(r)
	return c
}

func (c ContextConsumer[M]) SubscribeRaw(notify ui.Callback[authstate.State]) (*authstate.State, *ui.ContextHandle) {
	return c.link.SubscribeRaw(notify)
}

func (c ContextConsumer[M]) Subscribe(transform func(authstate.State) M) (*authstate.State, *ui.ContextHandle) {
	return c.link.Subscribe(transform)
}

// Compile-time interface checks.
var _ RawSubscriber = ScopeConsumer[struct{}]{}
var _ Subscriber[struct{}] = ScopeConsumer[struct{}]{}
var _ RawSubscriber = ContextConsumer[struct{}]{}
var _ Subscriber[struct{}] = ContextConsumer[struct{}]{}
