//go:build !linux

package capture

import "runtime"

// NewPlatformDetector returns a null detector; screencast detection is only
// implemented for Linux session buses.
func NewPlatformDetector(cfg Config) Detector {
	return NewNull("screencast detection not available on " + runtime.GOOS)
}
