package ui

import (
	"context"
	"sync"

	"github.com/nkiryanov/authctx/internal/apperrors"
)

const defaultQueueSize = 64

// Dispatcher schedules work on the tree's single logical thread
type Dispatcher interface {
	Post(fn func()) error
}

// Inline runs posted functions right away on the caller goroutine.
// Used by tests and by trees that are driven from one goroutine anyway.
type Inline struct{}

func (Inline) Post(fn func()) error {
	fn()
	return nil
}

type logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

type LoopConfig struct {
	// Initial capacity of the pending queue; the queue grows as needed
	// If not set than default is used
	QueueSize int
}

// Loop executes posted functions one at a time, in the order they were posted.
// Post never blocks, so functions running on the loop may post to it too.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once

	logger logger
}

func NewLoop(cfg LoopConfig, l logger) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if l == nil {
		l = noopLogger{}
	}

	return &Loop{
		pending: make([]func(), 0, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  l,
	}
}

// Post enqueues fn. Functions may be posted before Run starts.
// Returns apperrors.ErrLoopStopped once Run has returned.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return apperrors.ErrLoopStopped
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default: // Run is woken already
	}
	return nil
}

// Run executes posted functions until ctx is done. Must be called once.
// Functions still pending when ctx is done are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()

	l.logger.Debug("Event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped by context")
			return nil
		case <-l.wake:
		}

		for _, fn := range l.take() {
			if ctx.Err() != nil {
				break
			}
			fn()
		}
	}
}

// Swap out everything posted so far
func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.pending
	l.pending = make([]func(), 0, max(cap(batch), defaultQueueSize))
	return batch
}

func (l *Loop) stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

var _ Dispatcher = (*Loop)(nil)
var _ Dispatcher = Inline{}
