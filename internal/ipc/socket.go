package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file. A regular file at path is left
// alone and reported.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a daemon is already answering on path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
