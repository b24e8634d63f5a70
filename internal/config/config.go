// Package config handles configuration loading, validation, and management for screenguard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"screenguard/internal/capture"
	"screenguard/internal/logging"
	"screenguard/internal/overlay"
	"screenguard/internal/policy"
)

// Version is the current configuration schema version.
const Version = 1

// Overlay backends.
const (
	BackendGio = "gio"
	BackendLog = "log"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Policy selects which screens are protected.
	Policy PolicyConfig `toml:"policy" json:"policy" yaml:"policy"`

	// Capture configures the capture signal sources.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Overlay configures the privacy cover.
	Overlay OverlayConfig `toml:"overlay" json:"overlay" yaml:"overlay"`

	// Journal configures the evaluation journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// PolicyConfig holds the security mode.
type PolicyConfig struct {
	// Enabled is the master switch. When false the overlay never shows.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Mode is "all" or "selective".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	// SecuredScreens are protected in selective mode.
	SecuredScreens []string `toml:"secured_screens" json:"secured_screens" yaml:"secured_screens"`
}

// CaptureConfig holds capture detection settings.
type CaptureConfig struct {
	// Screenshots enables the screenshot directory watcher.
	Screenshots bool `toml:"screenshots" json:"screenshots" yaml:"screenshots"`

	// ScreenshotDirs are watched for new image files.
	ScreenshotDirs []string `toml:"screenshot_dirs" json:"screenshot_dirs" yaml:"screenshot_dirs"`

	// ScreenshotPatterns filter file names in ScreenshotDirs.
	ScreenshotPatterns []string `toml:"screenshot_patterns" json:"screenshot_patterns" yaml:"screenshot_patterns"`

	// ScreenCast enables the platform screencast monitor.
	ScreenCast bool `toml:"screencast" json:"screencast" yaml:"screencast"`

	// MatchRules override the D-Bus match rules of the screencast monitor.
	MatchRules []string `toml:"match_rules" json:"match_rules" yaml:"match_rules"`
}

// OverlayConfig holds privacy cover settings.
type OverlayConfig struct {
	// Backend is "gio" for a real window or "log" for headless hosts.
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Message is the text drawn on the cover.
	Message string `toml:"message" json:"message" yaml:"message"`

	// Background and Foreground are "#rrggbb" or "#rrggbbaa".
	Background string `toml:"background" json:"background" yaml:"background"`
	Foreground string `toml:"foreground" json:"foreground" yaml:"foreground"`
}

// JournalConfig holds evaluation journal settings.
type JournalConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays bounds how long entries are kept. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file when Output writes to a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket mode (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request read timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Policy: PolicyConfig{
			Enabled:        true,
			Mode:           "all",
			SecuredScreens: []string{},
		},
		Capture: CaptureConfig{
			Screenshots:        true,
			ScreenshotDirs:     append([]string{}, capture.DefaultScreenshotDirs()...),
			ScreenshotPatterns: append([]string{}, capture.DefaultScreenshotPatterns...),
			ScreenCast:         true,
			MatchRules:         []string{},
		},
		Overlay: OverlayConfig{
			Backend:    BackendGio,
			Message:    overlay.DefaultMessage,
			Background: "#000000",
			Foreground: "#ffffff",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          paths.JournalFile,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: paths.LogFile,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
	}
}

// ConfigPath returns the config file to use: SCREENGUARD_CONFIG, an existing
// file in a standard location, or the default path.
func ConfigPath() string {
	if v := os.Getenv("SCREENGUARD_CONFIG"); v != "" {
		return v
	}
	if found := FindConfigFile(); found != "" {
		return found
	}
	return GetDefaultPaths().ConfigFile
}

// Load loads, validates and returns the configuration at path.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate performs semantic validation.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SCREENGUARD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SCREENGUARD_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Policy.Enabled = enabled
		}
	}
	if v := os.Getenv("SCREENGUARD_MODE"); v != "" {
		c.Policy.Mode = v
	}
	if v, ok := os.LookupEnv("SCREENGUARD_SECURED_SCREENS"); ok {
		c.Policy.SecuredScreens = splitList(v)
	}
	if v := os.Getenv("SCREENGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCREENGUARD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("SCREENGUARD_OVERLAY"); v != "" {
		c.Overlay.Backend = v
	}
	if v := os.Getenv("SCREENGUARD_JOURNAL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Journal.Enabled = enabled
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Policy.SecuredScreens = append([]string{}, c.Policy.SecuredScreens...)
	clone.Capture.ScreenshotDirs = append([]string{}, c.Capture.ScreenshotDirs...)
	clone.Capture.ScreenshotPatterns = append([]string{}, c.Capture.ScreenshotPatterns...)
	clone.Capture.MatchRules = append([]string{}, c.Capture.MatchRules...)
	return &clone
}

// EngineConfig converts the policy section for policy.New.
func (c *Config) EngineConfig() (policy.Config, error) {
	mode, err := policy.ParseMode(c.Policy.Mode)
	if err != nil {
		return policy.Config{}, err
	}
	return policy.Config{
		Mode:           mode,
		SecuredScreens: append([]string{}, c.Policy.SecuredScreens...),
		Disabled:       !c.Policy.Enabled,
	}, nil
}

// DetectorConfig converts the capture section for capture.New.
func (c *Config) DetectorConfig() capture.Config {
	cfg := capture.Config{
		ScreenshotPatterns: c.Capture.ScreenshotPatterns,
		ScreenCast:         c.Capture.ScreenCast,
		ScreenCastRules:    c.Capture.MatchRules,
	}
	if c.Capture.Screenshots {
		for _, dir := range c.Capture.ScreenshotDirs {
			cfg.ScreenshotDirs = append(cfg.ScreenshotDirs, expandPath(dir))
		}
	}
	return cfg
}

// OverlayStyle converts the overlay section into a cover style.
func (c *Config) OverlayStyle() (overlay.Style, error) {
	style := overlay.DefaultStyle()
	if c.Overlay.Message != "" {
		style.Message = c.Overlay.Message
	}
	if c.Overlay.Background != "" {
		bg, err := overlay.ParseColor(c.Overlay.Background)
		if err != nil {
			return style, fmt.Errorf("overlay.background: %w", err)
		}
		style.Background = bg
	}
	if c.Overlay.Foreground != "" {
		fg, err := overlay.ParseColor(c.Overlay.Foreground)
		if err != nil {
			return style, fmt.Errorf("overlay.foreground: %w", err)
		}
		style.Foreground = fg
	}
	return style, nil
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Logging.Format); err == nil {
		cfg.Format = f
	}
	if c.Logging.Output != "" {
		cfg.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		cfg.FilePath = expandPath(c.Logging.FilePath)
	}
	return cfg
}

// SocketMode parses IPC.Permissions, falling back to 0600.
func (c *Config) SocketMode() os.FileMode {
	if v, err := strconv.ParseUint(c.IPC.Permissions, 8, 32); err == nil {
		return os.FileMode(v)
	}
	return 0600
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
