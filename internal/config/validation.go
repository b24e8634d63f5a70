package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"screenguard/internal/overlay"
	"screenguard/internal/policy"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Screenshot directories may not exist until the first screenshot.
	return strings.HasPrefix(e.Field, "capture.screenshot_dirs") ||
		e.Field == "policy.secured_screens"
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) true for any ValidationErrors.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Check returns every finding, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePolicy(&c.Policy)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateOverlay(&c.Overlay)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	return errs
}

// ValidateConfig returns the error-level findings, or nil. Warnings never
// fail validation.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePolicy(p *PolicyConfig) ValidationErrors {
	var errs ValidationErrors

	mode, err := policy.ParseMode(p.Mode)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "policy.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: all, selective)", p.Mode),
		})
	}

	for i, name := range p.SecuredScreens {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.secured_screens[%d]", i),
				Message: "screen name cannot be empty",
			})
		}
	}

	if err == nil && mode == policy.ModeSelective && len(p.SecuredScreens) == 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.secured_screens",
			Message: "selective mode with no secured screens protects nothing",
		})
	}

	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	for _, pattern := range c.ScreenshotPatterns {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   "capture.screenshot_patterns",
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}

	if c.Screenshots {
		for i, dir := range c.ScreenshotDirs {
			if _, err := os.Stat(expandPath(dir)); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("capture.screenshot_dirs[%d]", i),
					Message: fmt.Sprintf("directory does not exist: %s", dir),
				})
			}
		}
	}

	for i, rule := range c.MatchRules {
		if !strings.Contains(rule, "=") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("capture.match_rules[%d]", i),
				Message: fmt.Sprintf("not a D-Bus match rule: %s", rule),
			})
		}
	}

	return errs
}

func validateOverlay(o *OverlayConfig) ValidationErrors {
	var errs ValidationErrors

	switch o.Backend {
	case BackendGio, BackendLog:
	default:
		errs = append(errs, ValidationError{
			Field:   "overlay.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: gio, log)", o.Backend),
		})
	}

	for field, value := range map[string]string{
		"overlay.background": o.Background,
		"overlay.foreground": o.Foreground,
	} {
		if value == "" {
			continue
		}
		c, err := overlay.ParseColor(value)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			continue
		}
		if field == "overlay.background" && c.A != 0xff {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("background must be opaque, got alpha %#02x", c.A),
			})
		}
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if j.Enabled && j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "path is required when the journal is enabled",
		})
	}
	if j.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

// ExpandPath expands a leading ~ and environment variables.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "")
	return err == nil
}
