package guard

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "run", "g.pid"), filepath.Join(dir, "run", "g.state"))
}

func TestManagerPIDLifecycle(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Acquire())
	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Acquire(), "re-acquiring our own PID file is fine")

	m.Cleanup()
	_, err = m.ReadPID()
	assert.True(t, os.IsNotExist(err))
}

func TestManagerTakesOverStalePID(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	// PIDs are bounded well below this on every supported platform.
	require.NoError(t, os.WriteFile(m.pidFile, []byte("2147483000"), 0600))

	assert.False(t, m.IsRunning())
	require.NoError(t, m.Acquire())
	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestManagerRefusesLiveOwner(t *testing.T) {
	if os.Getppid() <= 1 {
		t.Skip("no live parent process to stand in for another daemon")
	}
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	require.NoError(t, os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getppid())), 0600))

	assert.ErrorIs(t, m.Acquire(), ErrAlreadyRunning)

	m.Cleanup()
	_, err := m.ReadPID()
	assert.NoError(t, err, "cleanup leaves another process's PID file alone")
}

func TestManagerInvalidPIDFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	require.NoError(t, os.WriteFile(m.pidFile, []byte("not-a-pid"), 0600))

	_, err := m.ReadPID()
	assert.Error(t, err)
	assert.False(t, m.IsRunning())
}

func TestManagerState(t *testing.T) {
	m := newTestManager(t)
	started := time.Now().Add(-time.Minute).Truncate(time.Second)

	require.NoError(t, m.WritePID())
	require.NoError(t, m.WriteState(&State{
		PID:       os.Getpid(),
		StartedAt: started,
		Version:   "1.2.3",
		Socket:    "/tmp/s.sock",
	}))

	state, err := m.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", state.Version)
	assert.True(t, started.Equal(state.StartedAt))

	status := m.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "/tmp/s.sock", status.Socket)
	assert.GreaterOrEqual(t, status.Uptime, time.Minute)
}

func TestWaitForStop(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.WaitForStop(100*time.Millisecond))

	require.NoError(t, m.WritePID())
	assert.Error(t, m.WaitForStop(150*time.Millisecond))
}
