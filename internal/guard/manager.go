package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned when another live daemon owns the PID file.
var ErrAlreadyRunning = errors.New("guard: daemon already running")

// State is the persistent description of a running daemon.
type State struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	Socket     string    `json:"socket,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	Overlay    string    `json:"overlay,omitempty"`
}

// Manager handles the PID and state files of the daemon.
type Manager struct {
	pidFile   string
	stateFile string
}

// NewManager creates a manager for the given files.
func NewManager(pidFile, stateFile string) *Manager {
	return &Manager{pidFile: pidFile, stateFile: stateFile}
}

// IsRunning checks if the daemon named by the PID file is alive.
func (m *Manager) IsRunning() bool {
	pid, err := m.ReadPID()
	if err != nil {
		return false
	}
	return isProcessRunning(pid)
}

// ReadPID reads the daemon's PID from the PID file.
func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// Acquire writes the current PID unless another live process holds the file.
// A PID file left by a dead process is taken over.
func (m *Manager) Acquire() error {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return m.WritePID()
}

// WritePID writes the current process PID to the PID file.
func (m *Manager) WritePID() error {
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// WriteState writes the daemon state.
func (m *Manager) WriteState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(m.stateFile, data, 0600)
}

// ReadState reads the daemon state.
func (m *Manager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// SignalStop asks the daemon to shut down.
func (m *Manager) SignalStop() error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	return signalStop(pid)
}

// SignalReload asks the daemon to re-read its configuration.
func (m *Manager) SignalReload() error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	return signalReload(pid)
}

// WaitForStop waits for the daemon to stop.
func (m *Manager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %v", timeout)
}

// Cleanup removes the PID and state files if they belong to this process.
func (m *Manager) Cleanup() {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() {
		return
	}
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

// Status returns the current daemon status.
func (m *Manager) Status() *DaemonStatus {
	status := &DaemonStatus{}

	if pid, err := m.ReadPID(); err == nil && isProcessRunning(pid) {
		status.Running = true
		status.PID = pid
	}

	if state, err := m.ReadState(); err == nil {
		status.StartedAt = state.StartedAt
		status.Version = state.Version
		status.Socket = state.Socket
		if status.Running {
			status.Uptime = time.Since(state.StartedAt)
		}
	}
	return status
}

// DaemonStatus represents the daemon status for display.
type DaemonStatus struct {
	Running   bool
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	Version   string
	Socket    string
}
