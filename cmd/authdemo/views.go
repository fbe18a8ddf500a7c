package main

import (
	"github.com/nkiryanov/authctx/internal/authctx"
	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/logger"
	"github.com/nkiryanov/authctx/internal/ui"
)

func signedIn(s authstate.State) bool {
	_, ok := s.AccessToken()
	return ok
}

// Shows whether somebody is signed in; reacts to auth changes through its own messages
type statusBar struct {
	scope    *ui.Scope[bool]
	handle   *ui.ContextHandle
	signedIn bool
	logger   logger.Logger
}

func mountStatusBar(parent *ui.Node, d ui.Dispatcher, l logger.Logger) *statusBar {
	b := &statusBar{logger: l.With("component", "status-bar")}
	b.scope = ui.NewScope(parent.Child("status-bar"), d, b.update)

	snapshot, handle := authctx.FromScope(b.scope).Subscribe(signedIn)
	if snapshot == nil {
		b.logger.Warn("No auth provider above, status stays signed out")
		return b
	}
	b.signedIn = signedIn(*snapshot)
	b.handle = handle

	return b
}

func (b *statusBar) update(v bool) {
	if v == b.signedIn {
		return
	}
	b.signedIn = v
	b.logger.Info("Status changed", "signed_in", v)
}

func (b *statusBar) unmount() {
	b.handle.Release()
	b.scope.Destroy()
}

// Renders the raw state; subscribed through the context handed to its render function
type tokenView struct {
	scope  *ui.Scope[string]
	handle *ui.ContextHandle
	logger logger.Logger
}

func mountTokenView(parent *ui.Node, d ui.Dispatcher, l logger.Logger) *tokenView {
	v := &tokenView{logger: l.With("component", "token-view")}
	v.scope = ui.NewScope(parent.Child("token-view"), d, v.update)

	snapshot, handle := authctx.FromContext(ui.NewContext(v.scope)).SubscribeRaw(ui.NewCallback(v.render))
	if snapshot != nil {
		v.render(*snapshot)
	}
	v.handle = handle

	return v
}

func (v *tokenView) render(s authstate.State) {
	v.scope.SendMessage(s.String())
}

func (v *tokenView) update(state string) {
	v.logger.Debug("Rendered", "state", state)
}

func (v *tokenView) unmount() {
	v.handle.Release()
	v.scope.Destroy()
}

// Components mounted under the page node
type views struct {
	status *statusBar
	token  *tokenView
	latest *authctx.Latest
	client *ui.Scope[struct{}]
}

// Has to run on the loop
func mountViews(root *ui.Node, d ui.Dispatcher, l logger.Logger) *views {
	page := root.Child("page")

	v := &views{
		status: mountStatusBar(page, d, l),
		token:  mountTokenView(page, d, l),
		client: ui.NewScope(page.Child("api-client"), d, func(struct{}) {}),
	}

	if latest, ok := authctx.Track(authctx.FromScope(v.client)); ok {
		v.latest = latest
	}

	return v
}

// Has to run on the loop
func (v *views) unmount() {
	v.status.unmount()
	v.token.unmount()
	if v.latest != nil {
		v.latest.Release()
	}
	v.client.Destroy()
}
