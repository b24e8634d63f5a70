package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenguard/internal/capture"
	"screenguard/internal/mainloop"
	"screenguard/internal/policy"
)

type fakeOverlay struct {
	mu      sync.Mutex
	visible bool
	hides   int
}

func (f *fakeOverlay) Show() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = true
	return nil
}

func (f *fakeOverlay) Hide() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hides++
	f.visible = false
	return nil
}

func (f *fakeOverlay) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func newBinding(t *testing.T, cfg policy.Config, opts ...Option) (*Binding, *policy.Engine, *fakeOverlay) {
	t.Helper()
	ov := &fakeOverlay{}
	e := policy.New(cfg, ov)
	return New(e, opts...), e, ov
}

func TestSelectiveWalletScenario(t *testing.T) {
	b, e, ov := newBinding(t, policy.Config{Mode: policy.ModeSelective, SecuredScreens: []string{"Wallet"}})

	require.NoError(t, b.Enter("Wallet"))
	e.ReportCaptureEvent(capture.RecordingStarted)
	assert.True(t, ov.Visible())

	require.NoError(t, b.Exit())
	assert.False(t, ov.Visible())
	assert.Equal(t, "", e.ActiveScreen())
	assert.Equal(t, policy.Recording, e.Capture())
}

func TestAllModeOverrideViaHold(t *testing.T) {
	b, e, ov := newBinding(t, policy.Config{Mode: policy.ModeAll})

	require.NoError(t, b.Enter("Home"))
	e.ReportCaptureEvent(capture.RecordingStarted)
	assert.True(t, ov.Visible())

	release := b.Hold()
	assert.False(t, ov.Visible())

	release()
	assert.True(t, ov.Visible())

	release()
	assert.Equal(t, 0, e.OverrideDepth(), "duplicate release is a no-op")
	assert.True(t, ov.Visible())
}

func TestMountExit(t *testing.T) {
	b, e, _ := newBinding(t, policy.Config{})

	exitA := b.Mount("A")
	assert.Equal(t, "A", e.ActiveScreen())

	exitB := b.Mount("B")
	exitA()
	assert.Equal(t, "B", e.ActiveScreen(), "stale exit leaves the newer screen alone")

	exitB()
	assert.Equal(t, "", e.ActiveScreen())
}

func TestTemporarilyDisabledSecurityReleasesOnReturn(t *testing.T) {
	b, e, ov := newBinding(t, policy.Config{Mode: policy.ModeAll})
	require.NoError(t, b.Enter("Home"))
	e.ReportCaptureEvent(capture.RecordingStarted)

	err := b.WithTemporarilyDisabledSecurity(context.Background(), func(ctx context.Context) error {
		assert.Equal(t, 1, e.OverrideDepth())
		assert.False(t, ov.Visible())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, e.OverrideDepth())
	assert.True(t, ov.Visible())
}

func TestTemporarilyDisabledSecurityReleasesOnError(t *testing.T) {
	b, e, _ := newBinding(t, policy.Config{})
	boom := errors.New("boom")

	err := b.WithTemporarilyDisabledSecurity(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.OverrideDepth())
}

func TestTemporarilyDisabledSecurityReleasesOnPanic(t *testing.T) {
	b, e, _ := newBinding(t, policy.Config{})

	assert.Panics(t, func() {
		_ = b.WithTemporarilyDisabledSecurity(context.Background(), func(ctx context.Context) error {
			panic("share sheet crashed")
		})
	})
	assert.Equal(t, 0, e.OverrideDepth())
}

func TestTemporarilyDisabledSecurityReleasesOnCancel(t *testing.T) {
	loop := mainloop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)
	defer func() {
		stopLoop()
		<-loop.Done()
	}()

	b, e, _ := newBinding(t, policy.Config{}, WithDispatcher(loop))
	depth := func() int {
		d := -1
		_ = loop.Do(func() { d = e.OverrideDepth() })
		return d
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.WithTemporarilyDisabledSecurity(ctx, func(ctx context.Context) error {
			close(started)
			<-finish
			return ctx.Err()
		})
	}()

	<-started
	assert.Equal(t, 1, depth())

	cancel()
	require.Eventually(t, func() bool { return depth() == 0 }, 2*time.Second, 10*time.Millisecond,
		"override released while fn still runs")

	close(finish)
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, depth())
}

func TestInlineBindingReleasesOnlyOnReturn(t *testing.T) {
	b, e, ov := newBinding(t, policy.Config{Mode: policy.ModeAll})
	e.ReportCaptureEvent(capture.RecordingStarted)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)

	err := b.WithTemporarilyDisabledSecurity(ctx, func(ctx context.Context) error {
		for i := 0; ctx.Err() == nil; i++ {
			screen := "A"
			if i%2 == 1 {
				screen = "B"
			}
			require.NoError(t, b.Enter(screen))
		}
		// The engine is still ours; nothing else touched the depth.
		assert.Equal(t, 1, e.OverrideDepth())
		assert.False(t, ov.Visible())
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, e.OverrideDepth())
	assert.True(t, ov.Visible())
}

func TestTemporarilyDisabledSecurityCancelledUpFront(t *testing.T) {
	b, e, _ := newBinding(t, policy.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.WithTemporarilyDisabledSecurity(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 0, e.OverrideDepth())
}

func TestStoppedDispatcherDoesNotUnbalance(t *testing.T) {
	loop := mainloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()
	<-loop.Done()

	b, e, _ := newBinding(t, policy.Config{}, WithDispatcher(loop))
	assert.ErrorIs(t, b.Enter("Home"), mainloop.ErrStopped)

	release := b.Hold()
	release()
	assert.Equal(t, 0, e.OverrideDepth())
}

func TestAcquireReportsDispatchFailure(t *testing.T) {
	loop := mainloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()
	<-loop.Done()

	b, _, _ := newBinding(t, policy.Config{}, WithDispatcher(loop))
	release, err := b.Acquire()
	assert.ErrorIs(t, err, mainloop.ErrStopped)
	assert.Nil(t, release)
}

func TestAcquireReleaseIsIdempotent(t *testing.T) {
	b, e, _ := newBinding(t, policy.Config{})

	first, err := b.Acquire()
	require.NoError(t, err)
	second, err := b.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, e.OverrideDepth())

	first()
	first()
	assert.Equal(t, 1, e.OverrideDepth())
	second()
	assert.Equal(t, 0, e.OverrideDepth())
}
