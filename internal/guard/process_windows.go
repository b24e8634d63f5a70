//go:build windows

package guard

import (
	"errors"
	"os"
)

// isProcessRunning relies on FindProcess opening a handle only for live processes.
func isProcessRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func signalReload(pid int) error {
	return errors.New("reload signal not supported on windows; use the config watcher")
}
