// Package mainloop provides the single owner goroutine that serializes all
// policy state changes.
//
// Detector pumps, IPC handlers and the config watcher never touch the engine
// directly. They hop onto the loop with Do or Post, so the engine itself needs
// no locking.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"screenguard/internal/logging"
)

var (
	// ErrStopped is returned when the loop is no longer accepting work.
	ErrStopped = errors.New("mainloop: stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("mainloop: already running")
)

// PanicError wraps a value recovered from a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("mainloop: task panicked: %v", e.Value)
}

const defaultQueueSize = 256

// Loop runs submitted functions one at a time on the goroutine that calls Run.
type Loop struct {
	tasks   chan func()
	done    chan struct{}
	running atomic.Bool
	logger  *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithQueueSize sets how many posted tasks may wait before Post blocks.
func WithQueueSize(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.tasks = make(chan func(), n)
		}
	}
}

// New creates a loop. Nothing runs until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		tasks: make(chan func(), defaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.Component("mainloop")
	}
	return l
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that point
// are dropped and their Do callers get ErrStopped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-l.tasks:
			task()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Do runs fn on the loop and waits for it. It must not be called from a task
// already running on the loop.
func (l *Loop) Do(fn func()) error {
	result := make(chan error, 1)
	task := func() { result <- l.safely(fn) }

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Post queues fn without waiting for it. Panics are logged.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	task := func() { _ = l.safely(fn) }
	select {
	case l.tasks <- task:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			l.logger.Error("task panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
	return nil
}
