package guard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenguard/internal/capture"
	"screenguard/internal/config"
	"screenguard/internal/ipc"
	"screenguard/internal/overlay"
	"screenguard/internal/policy"
)

// levelSource is a capture source whose level is set before Start.
type levelSource struct {
	*capture.Manual
	capturing bool
}

func (s *levelSource) IsCapturing() bool { return s.capturing || s.Manual.IsCapturing() }

type fixture struct {
	guard    *Guard
	provider *overlay.LogProvider
	source   *levelSource
	socket   string
	cfgPath  string
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Overlay.Backend = config.BackendLog
	cfg.Capture.Screenshots = false
	cfg.Capture.ScreenCast = false
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.IPC.SocketPath = filepath.Join(dir, "s.sock")
	return cfg
}

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sgg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startGuard(t *testing.T, mutate func(*config.Config), capturing bool) *fixture {
	t.Helper()
	dir := shortDir(t)
	cfg := testConfig(t, dir)
	if mutate != nil {
		mutate(cfg)
	}
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	provider := overlay.NewLogProvider(nil)
	source := &levelSource{Manual: capture.NewManual("test"), capturing: capturing}

	g, err := New(Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    "test",
		Provider:   provider,
		Sources:    []capture.Detector{source},
		PIDFile:    filepath.Join(dir, "screenguard.pid"),
		StateFile:  filepath.Join(dir, "screenguard.state"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		guard:    g,
		provider: provider,
		source:   source,
		socket:   cfg.IPC.SocketPath,
		cfgPath:  cfgPath,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { f.done <- g.Run(ctx) }()
	t.Cleanup(f.stop)

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "daemon did not start")
	return f
}

func (f *fixture) stop() {
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(10 * time.Second):
		}
	})
}

func (f *fixture) snapshot() policy.Snapshot {
	var snap policy.Snapshot
	f.guard.Loop().Do(func() { snap = f.guard.Engine().State() })
	return snap
}

func (f *fixture) dial(t *testing.T) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(context.Background(), ipc.DefaultClientConfig(f.socket))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGuardCoversRecordingInAllMode(t *testing.T) {
	f := startGuard(t, nil, false)

	require.NoError(t, f.guard.Binding().Enter("Home"))
	require.NoError(t, f.source.Report(capture.RecordingStarted))
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)

	_, open := f.provider.Stats()
	assert.Equal(t, 1, open)

	require.NoError(t, f.source.Report(capture.RecordingStopped))
	require.Eventually(t, func() bool { return !f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)
}

func TestGuardSyncsCaptureAlreadyActive(t *testing.T) {
	f := startGuard(t, nil, true)

	snap := f.snapshot()
	assert.Equal(t, policy.Recording, snap.Capture)
}

func TestGuardIPCReportAndStatus(t *testing.T) {
	f := startGuard(t, func(c *config.Config) {
		c.Policy.Mode = "selective"
		c.Policy.SecuredScreens = []string{"Wallet"}
	}, false)
	c := f.dial(t)
	ctx := context.Background()

	require.NoError(t, c.Enter(ctx, "Wallet"))
	require.NoError(t, c.Report(ctx, "recording-started"))
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "Wallet", st.ActiveScreen)
	assert.Equal(t, "recording", st.Capture)
	assert.True(t, st.OverlayVisible)
	assert.Equal(t, 1, st.Clients)

	lease, err := c.BeginOverride(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)

	_, err = c.EndOverride(ctx, lease.LeaseID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)
}

func TestGuardJournalRecordsEvaluations(t *testing.T) {
	f := startGuard(t, nil, false)

	require.NoError(t, f.guard.Binding().Enter("Home"))
	store := f.guard.Journal()
	require.NotNil(t, store)

	require.Eventually(t, func() bool {
		if err := store.Flush(); err != nil {
			return false
		}
		n, err := store.Count()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Home", entries[0].Screen)
}

func TestGuardConfigReloadSwitchesMode(t *testing.T) {
	f := startGuard(t, nil, false)
	assert.Equal(t, policy.ModeAll, f.snapshot().Mode)

	cfg := f.guard.Config()
	cfg.Policy.Mode = "selective"
	cfg.Policy.SecuredScreens = []string{"Wallet"}
	require.NoError(t, config.SaveConfig(cfg, f.cfgPath))

	require.Eventually(t, func() bool {
		snap := f.snapshot()
		return snap.Mode == policy.ModeSelective && len(snap.SecuredScreens) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "selective", f.guard.Config().Policy.Mode)
}

func TestGuardConfigReloadTogglesProtection(t *testing.T) {
	f := startGuard(t, nil, false)
	require.NoError(t, f.guard.Binding().Enter("Home"))
	require.NoError(t, f.source.Report(capture.RecordingStarted))
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)

	cfg := f.guard.Config()
	cfg.Policy.Enabled = false
	require.NoError(t, config.SaveConfig(cfg, f.cfgPath))
	require.Eventually(t, func() bool {
		snap := f.snapshot()
		return !snap.Enabled && !snap.OverlayVisible
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, policy.Recording, f.snapshot().Capture)

	cfg.Policy.Enabled = true
	require.NoError(t, config.SaveConfig(cfg, f.cfgPath))
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 5*time.Second, 20*time.Millisecond)
}

func TestGuardStartsDisabled(t *testing.T) {
	f := startGuard(t, func(c *config.Config) { c.Policy.Enabled = false }, true)
	require.NoError(t, f.guard.Binding().Enter("Home"))

	snap := f.snapshot()
	assert.False(t, snap.Enabled)
	assert.Equal(t, policy.Recording, snap.Capture)
	assert.False(t, snap.OverlayVisible)

	st, err := f.dial(t).Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Enabled)
}

func TestGuardWritesAndCleansRuntimeFiles(t *testing.T) {
	f := startGuard(t, nil, false)
	m := f.guard.manager

	require.Eventually(t, func() bool {
		_, err := m.ReadState()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	status := m.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, f.socket, status.Socket)

	f.stop()
	_, err := m.ReadPID()
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.socket)
	assert.True(t, os.IsNotExist(err))
}

func TestGuardShutdownHidesCover(t *testing.T) {
	f := startGuard(t, nil, false)
	require.NoError(t, f.guard.Binding().Enter("Home"))
	require.NoError(t, f.source.Report(capture.RecordingStarted))
	require.Eventually(t, func() bool { return f.snapshot().OverlayVisible }, 2*time.Second, 10*time.Millisecond)

	f.stop()
	_, open := f.provider.Stats()
	assert.Equal(t, 0, open)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig(t, t.TempDir())
	cfg.Policy.Mode = "paranoid"
	_, err = New(Options{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
