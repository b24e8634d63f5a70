//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// GetPeerCredentials is unsupported here; the socket file mode is the only
// access control.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}
