package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenguard/internal/capture"
	"screenguard/internal/lifecycle"
	"screenguard/internal/mainloop"
	"screenguard/internal/overlay"
	"screenguard/internal/policy"
)

type harness struct {
	server  *Server
	engine  *policy.Engine
	loop    *mainloop.Loop
	manual  *capture.Manual
	handler *GuardHandler
	socket  string
}

// shortSocket keeps the path under the sun_path limit.
func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func newHarness(t *testing.T, cfg policy.Config) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	loop := mainloop.New()
	go loop.Run(ctx)

	engine := policy.New(cfg, overlay.NewCover(overlay.NewLogProvider(nil)))
	binding := lifecycle.New(engine, lifecycle.WithDispatcher(loop))
	manual := capture.NewManual("ipc-test")

	go func() {
		for ev := range manual.Events() {
			kind := ev.Kind
			loop.Post(func() { engine.ReportCaptureEvent(kind) })
		}
	}()

	handler, err := NewGuardHandler(GuardHandlerConfig{
		Engine:   engine,
		Binding:  binding,
		Loop:     loop,
		Reporter: manual,
		Version:  "test",
	})
	require.NoError(t, err)

	socket := shortSocket(t)
	server, err := NewServer(DefaultServerConfig(socket), handler)
	require.NoError(t, err)
	handler.SetBroadcaster(server.Broadcast)
	require.NoError(t, loop.Do(func() { engine.AddObserver(handler) }))
	require.NoError(t, server.Start())

	t.Cleanup(func() {
		server.Stop()
		manual.Stop()
		cancel()
		<-loop.Done()
	})

	return &harness{
		server:  server,
		engine:  engine,
		loop:    loop,
		manual:  manual,
		handler: handler,
		socket:  socket,
	}
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), DefaultClientConfig(h.socket))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// state is safe to call from Eventually conditions.
func (h *harness) state() policy.Snapshot {
	var snap policy.Snapshot
	h.loop.Do(func() { snap = h.engine.State() })
	return snap
}

func (h *harness) depth() int {
	d := -1
	h.loop.Do(func() { d = h.engine.OverrideDepth() })
	return d
}

func TestPingAndStatus(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeSelective, SecuredScreens: []string{"Wallet"}})
	c := h.dial(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "selective", st.Mode)
	assert.Equal(t, []string{"Wallet"}, st.SecuredScreens)
	assert.Equal(t, "idle", st.Capture)
	assert.False(t, st.OverlayVisible)
}

func TestEnterCheckExit(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeSelective, SecuredScreens: []string{"Wallet"}})
	c := h.dial(t)
	ctx := context.Background()

	protected, err := c.Check(ctx, "Wallet")
	require.NoError(t, err)
	assert.True(t, protected)
	protected, err = c.Check(ctx, "Home")
	require.NoError(t, err)
	assert.False(t, protected)

	require.NoError(t, c.Enter(ctx, "Wallet"))
	assert.Equal(t, "Wallet", h.state().ActiveScreen)

	require.NoError(t, c.Exit(ctx))
	assert.Equal(t, "", h.state().ActiveScreen)
}

func TestReportDrivesOverlay(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	c := h.dial(t)
	ctx := context.Background()

	require.NoError(t, c.Enter(ctx, "Home"))
	require.NoError(t, c.Report(ctx, "recording-started"))
	require.Eventually(t, func() bool {
		return h.state().OverlayVisible
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Report(ctx, "stop"))
	require.Eventually(t, func() bool {
		return !h.state().OverlayVisible
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetModeOverIPC(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	c := h.dial(t)
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, "selective", []string{"Wallet", "Settings"}))
	snap := h.state()
	assert.Equal(t, policy.ModeSelective, snap.Mode)
	assert.Equal(t, []string{"Settings", "Wallet"}, snap.SecuredScreens)

	require.NoError(t, c.SetMode(ctx, "all", nil))
	snap = h.state()
	assert.Equal(t, policy.ModeAll, snap.Mode)
	assert.Equal(t, []string{"Settings", "Wallet"}, snap.SecuredScreens, "omitted list is kept")
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, policy.Config{})
	c := h.dial(t)
	ctx := context.Background()

	var remote *RemoteError

	err := c.Enter(ctx, "  ")
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidRequest, remote.Code)

	err = c.Report(ctx, "bogus")
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidRequest, remote.Code)

	err = c.SetMode(ctx, "paranoid", nil)
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidRequest, remote.Code)

	_, err = c.EndOverride(ctx, "nope")
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrNotFound, remote.Code)

	require.NoError(t, c.Ping(ctx), "connection survives rejected requests")
}

func TestOverrideLease(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	c := h.dial(t)
	ctx := context.Background()

	lease, err := c.BeginOverride(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.LeaseID)
	assert.Equal(t, 1, lease.Depth)
	assert.Equal(t, 1, h.server.LeaseCount())

	depth, err := c.EndOverride(ctx, lease.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, err = c.EndOverride(ctx, lease.LeaseID)
	assert.Error(t, err, "a lease ends once")
	assert.Equal(t, 0, h.depth())
}

func TestLeaseReleasedOnDisconnect(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	ctx := context.Background()

	c, err := Dial(ctx, DefaultClientConfig(h.socket))
	require.NoError(t, err)

	_, err = c.BeginOverride(ctx)
	require.NoError(t, err)
	_, err = c.BeginOverride(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.depth())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.depth() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLeaseIsConnectionScoped(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	owner := h.dial(t)
	other := h.dial(t)
	ctx := context.Background()

	lease, err := owner.BeginOverride(ctx)
	require.NoError(t, err)

	_, err = other.EndOverride(ctx, lease.LeaseID)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrNotFound, remote.Code)
	assert.Equal(t, 1, h.depth())
}

func TestSubscribeReceivesEvaluations(t *testing.T) {
	h := newHarness(t, policy.Config{Mode: policy.ModeAll})
	sub := h.dial(t)
	ctl := h.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*EvaluationEvent
	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, []EventType{EventEvaluation}, func(ev *Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev.Evaluation)
		})
	}()

	require.Eventually(t, func() bool {
		h.server.mu.RLock()
		defer h.server.mu.RUnlock()
		return len(h.server.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ctl.Enter(context.Background(), "Wallet"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	first := got[0]
	mu.Unlock()
	assert.Equal(t, "screen", first.Trigger)
	assert.Equal(t, "Wallet", first.Screen)
	assert.Equal(t, "none", first.Action)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestSocketInUse(t *testing.T) {
	h := newHarness(t, policy.Config{})

	handler := HandlerFunc(func(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
		return nil, nil
	})
	second, err := NewServer(DefaultServerConfig(h.socket), handler)
	require.NoError(t, err)
	assert.ErrorIs(t, second.Start(), ErrSocketInUse)
}

func TestStaleSocketIsReplaced(t *testing.T) {
	socket := shortSocket(t)
	handler := HandlerFunc(func(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
		return NewMessage(MsgStatusResponse, msg.Header.RequestID, nil), nil
	})

	// A crashed daemon leaves its socket file behind.
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Lstat(socket)
	require.NoError(t, err)

	second, err := NewServer(DefaultServerConfig(socket), handler)
	require.NoError(t, err)
	require.NoError(t, second.Start())
	defer second.Stop()

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDialWithoutDaemon(t *testing.T) {
	_, err := Dial(context.Background(), DefaultClientConfig(shortSocket(t)))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestNewServerRequiresSocketAndHandler(t *testing.T) {
	_, err := NewServer(ServerConfig{}, HandlerFunc(nil))
	assert.Error(t, err)
	_, err = NewServer(DefaultServerConfig("/tmp/x.sock"), nil)
	assert.Error(t, err)
}
