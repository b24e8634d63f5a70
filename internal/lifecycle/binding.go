// Package lifecycle binds screen navigation to the policy engine.
//
// Hosts call Enter and Exit as screens gain and lose focus, and wrap work
// that must stay capturable (a share sheet, a support session) in
// WithTemporarilyDisabledSecurity.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"screenguard/internal/logging"
	"screenguard/internal/policy"
)

// Dispatcher runs fn on the goroutine that owns the engine.
// *mainloop.Loop satisfies it.
type Dispatcher interface {
	Do(fn func()) error
}

type inline struct{}

func (inline) Do(fn func()) error {
	fn()
	return nil
}

// Binding connects a screen host to an engine.
type Binding struct {
	engine   *policy.Engine
	dispatch Dispatcher
	owned    bool
	logger   *slog.Logger
}

// Option configures a Binding.
type Option func(*Binding)

// WithDispatcher routes every engine call through d. Without it the binding
// calls the engine on the caller's goroutine, and the caller must serialize.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Binding) {
		if d == nil {
			return
		}
		b.dispatch = d
		b.owned = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// New creates a binding for engine.
func New(engine *policy.Engine, opts ...Option) *Binding {
	b := &Binding{
		engine:   engine,
		dispatch: inline{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.Component("lifecycle")
	}
	return b
}

// Enter marks name as the displayed screen.
func (b *Binding) Enter(name string) error {
	return b.dispatch.Do(func() {
		b.engine.SetActiveScreen(name)
	})
}

// Exit clears the displayed screen. In selective mode, leaving a protected
// screen is followed by an explicit reconcile so a cover left up by a failed
// Hide gets another chance to come down.
func (b *Binding) Exit() error {
	return b.dispatch.Do(func() {
		b.exitLocked("")
	})
}

// exitLocked must run on the owner goroutine. When only is non-empty the
// screen is cleared only if it is still the active one.
func (b *Binding) exitLocked(only string) {
	leaving := b.engine.ActiveScreen()
	if only != "" && leaving != only {
		return
	}
	wasProtected := b.engine.ScreenIsProtected(leaving)
	b.engine.SetActiveScreen("")
	if b.engine.Mode() == policy.ModeSelective && wasProtected {
		b.engine.Reconcile()
	}
}

// Mount enters name and returns the matching exit. The exit only clears the
// active screen if no other screen has been entered since, so an out-of-order
// unmount cannot unprotect the screen that replaced this one.
func (b *Binding) Mount(name string) (exit func()) {
	if err := b.Enter(name); err != nil {
		b.logger.Warn("enter screen failed", "screen", name, "error", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			err := b.dispatch.Do(func() { b.exitLocked(name) })
			if err != nil {
				b.logger.Warn("exit screen failed", "screen", name, "error", err)
			}
		})
	}
}

// Hold suspends protection and returns its release. Release is idempotent,
// so a duplicate call cannot unbalance the override depth. If the push
// cannot be dispatched the returned release does nothing.
func (b *Binding) Hold() (release func()) {
	release, err := b.Acquire()
	if err != nil {
		b.logger.Warn("override push failed", "error", err)
		return func() {}
	}
	return release
}

// Acquire is Hold for callers that need to know whether the override was
// actually taken, such as a remote client holding a lease.
func (b *Binding) Acquire() (release func(), err error) {
	if err := b.dispatch.Do(b.engine.PushOverride); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := b.dispatch.Do(b.engine.PopOverride); err != nil {
				b.logger.Warn("override pop failed", "error", err)
			}
		})
	}, nil
}

// WithTemporarilyDisabledSecurity runs fn with protection suspended. The
// override is released when fn returns, fails or panics. With a dispatcher
// it is also released as soon as ctx is cancelled, even if fn is still
// running. Without one the engine belongs to the caller's goroutine, so a
// cancelled ctx is only honored when fn returns.
func (b *Binding) WithTemporarilyDisabledSecurity(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	release := b.Hold()
	defer release()

	if b.owned {
		stop := context.AfterFunc(ctx, release)
		defer stop()
	}

	return fn(ctx)
}
