//go:build !windows

package guard

import "golang.org/x/sys/unix"

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func signalStop(pid int) error { return unix.Kill(pid, unix.SIGTERM) }

func signalReload(pid int) error { return unix.Kill(pid, unix.SIGHUP) }
