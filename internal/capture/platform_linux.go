//go:build linux

package capture

// NewPlatformDetector returns the session-bus screencast monitor.
func NewPlatformDetector(cfg Config) Detector {
	return NewScreenCastMonitor(cfg.ScreenCastRules, cfg.Logger)
}
