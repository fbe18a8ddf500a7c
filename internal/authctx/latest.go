package authctx

import (
	"sync"

	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/ui"
)

// Latest keeps the most recent state for code running outside the tree's event loop:
// goroutines, timers, HTTP clients.
type Latest struct {
	mu     sync.RWMutex
	state  authstate.State
	handle *ui.ContextHandle
}

// Track subscribes s and keeps its latest state.
// Returns false when there is no provider.
func Track(s RawSubscriber) (*Latest, bool) {
	l := &Latest{}

	snapshot, handle := s.SubscribeRaw(ui.NewCallback(l.set))
	if handle == nil || snapshot == nil {
		return nil, false
	}

	l.mu.Lock()
	// A notification may already have arrived; it is newer than the snapshot
	if l.state == nil {
		l.state = *snapshot
	}
	l.handle = handle
	l.mu.Unlock()

	return l, true
}

func (l *Latest) set(s authstate.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *Latest) State() authstate.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Latest) AccessToken() (string, bool) {
	return authstate.AccessToken(l.State())
}

// Release stops tracking; State keeps returning the last known value
func (l *Latest) Release() {
	l.mu.RLock()
	handle := l.handle
	l.mu.RUnlock()

	handle.Release()
}
