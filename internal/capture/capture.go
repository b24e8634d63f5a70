// Package capture reports platform screen-capture activity.
//
// Two kinds of signal are surfaced through a Detector:
//   - screenshot-taken, an instantaneous notification that a still capture
//     already happened
//   - capture-state-changed, a level-triggered start/stop pair for screen
//     recording, casting or mirroring
//
// Platform sources live in build-tagged files. Platforms without a source get
// a null detector that reports itself unavailable instead of failing.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind identifies a capture event.
type Kind int

const (
	// None is the zero Kind, used when an evaluation was not triggered by capture.
	None Kind = iota
	// ScreenshotTaken reports a completed still capture.
	ScreenshotTaken
	// RecordingStarted reports that continuous capture began.
	RecordingStarted
	// RecordingStopped reports that continuous capture ended.
	RecordingStopped
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case ScreenshotTaken:
		return "screenshot-taken"
	case RecordingStarted:
		return "recording-started"
	case RecordingStopped:
		return "recording-stopped"
	default:
		return "none"
	}
}

// ParseKind parses a wire name or its short alias.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "screenshot-taken", "screenshot":
		return ScreenshotTaken, nil
	case "recording-started", "started", "start":
		return RecordingStarted, nil
	case "recording-stopped", "stopped", "stop":
		return RecordingStopped, nil
	default:
		return None, fmt.Errorf("unknown capture event kind %q", s)
	}
}

// Event is a single capture notification.
type Event struct {
	Kind      Kind
	Source    string
	Path      string
	Timestamp time.Time
}

// Detector is implemented by every capture signal source.
type Detector interface {
	// Start begins observing. Events are delivered on Events until Stop.
	Start(ctx context.Context) error

	// Stop ends observation and closes the Events channel.
	Stop() error

	// Events returns the notification channel.
	Events() <-chan Event

	// IsCapturing reports the current continuous-capture level.
	IsCapturing() bool

	// Available returns whether this source works on the current host.
	Available() (bool, string)
}

var (
	// ErrNotAvailable is returned when a source cannot run on this host.
	ErrNotAvailable = errors.New("capture: not available on this platform")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("capture: already running")

	// ErrStopped is returned when reporting into a stopped source.
	ErrStopped = errors.New("capture: detector stopped")

	// ErrBufferFull is returned when an event could not be queued.
	ErrBufferFull = errors.New("capture: event buffer full")
)

// Config selects and configures the detector sources.
type Config struct {
	// ScreenshotDirs are watched for new screenshot files.
	ScreenshotDirs []string

	// ScreenshotPatterns filter file names in ScreenshotDirs.
	ScreenshotPatterns []string

	// ScreenCast enables the platform screencast source.
	ScreenCast bool

	// ScreenCastRules overrides the platform match rules.
	ScreenCastRules []string

	Logger *slog.Logger
}

// New builds the detector described by cfg. Unavailable sources are kept so
// their Available reason can be logged, but they never fail the composite.
func New(cfg Config) Detector {
	var sources []Detector
	if len(cfg.ScreenshotDirs) > 0 {
		sources = append(sources, NewScreenshotWatcher(ScreenshotConfig{
			Dirs:     cfg.ScreenshotDirs,
			Patterns: cfg.ScreenshotPatterns,
			Logger:   cfg.Logger,
		}))
	}
	if cfg.ScreenCast {
		sources = append(sources, NewPlatformDetector(cfg))
	}
	return NewMulti(cfg.Logger, sources...)
}

// emit queues ev without blocking. A full buffer drops screenshots, but a
// recording edge evicts the oldest queued event instead, so the last edge a
// consumer sees always matches the source's level.
func emit(ch chan Event, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for {
		select {
		case ch <- ev:
			return nil
		default:
		}
		if ev.Kind != RecordingStarted && ev.Kind != RecordingStopped {
			return ErrBufferFull
		}
		select {
		case <-ch:
		default:
		}
	}
}

// nullDetector is a no-op source for unsupported platforms.
type nullDetector struct {
	reason string
	events chan Event
}

// NewNull returns a detector that never fires and reports reason as unavailable.
func NewNull(reason string) Detector {
	return &nullDetector{reason: reason, events: make(chan Event)}
}

func (n *nullDetector) Start(ctx context.Context) error { return nil }

func (n *nullDetector) Stop() error {
	if n.events != nil {
		close(n.events)
		n.events = nil
	}
	return nil
}

func (n *nullDetector) Events() <-chan Event      { return n.events }
func (n *nullDetector) IsCapturing() bool         { return false }
func (n *nullDetector) Available() (bool, string) { return false, n.reason }
