package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"screenguard/internal/logging"
)

// DefaultScreenshotPatterns match the file names desktop screenshot tools write.
var DefaultScreenshotPatterns = []string{"*.png", "*.jpg", "*.jpeg", "*.heic", "*.webp"}

// DefaultScreenshotDirs returns the directories screenshot tools save into by default.
func DefaultScreenshotDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	switch runtime.GOOS {
	case "darwin":
		return []string{filepath.Join(home, "Desktop")}
	case "windows":
		return []string{filepath.Join(home, "Pictures", "Screenshots")}
	default:
		pictures := os.Getenv("XDG_PICTURES_DIR")
		if pictures == "" {
			pictures = filepath.Join(home, "Pictures")
		}
		return []string{filepath.Join(pictures, "Screenshots"), pictures}
	}
}

// ScreenshotConfig configures a ScreenshotWatcher.
type ScreenshotConfig struct {
	Dirs     []string
	Patterns []string
	Logger   *slog.Logger
}

// ScreenshotWatcher reports ScreenshotTaken when a new image file appears in
// one of the watched directories. It is the desktop equivalent of a platform
// screenshot notification and never reports continuous capture.
type ScreenshotWatcher struct {
	mu       sync.Mutex
	dirs     []string
	patterns []string
	watcher  *fsnotify.Watcher
	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	logger   *slog.Logger
}

// NewScreenshotWatcher creates a watcher over cfg.Dirs.
func NewScreenshotWatcher(cfg ScreenshotConfig) *ScreenshotWatcher {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultScreenshotPatterns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("capture")
	}
	return &ScreenshotWatcher{
		dirs:     cfg.Dirs,
		patterns: patterns,
		events:   make(chan Event, 64),
		logger:   logger.With("source", "screenshot"),
	}
}

// Start watches every configured directory that exists.
func (w *ScreenshotWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	watched := 0
	for _, dir := range w.dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("cannot watch screenshot directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return fmt.Errorf("screenshot watcher: %w", ErrNotAvailable)
	}

	w.watcher = watcher
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true

	go w.watchLoop(ctx)
	return nil
}

func (w *ScreenshotWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !w.matches(event.Name) {
				continue
			}
			ev := Event{Kind: ScreenshotTaken, Source: "screenshot-dir", Path: event.Name}
			if err := emit(w.events, ev); err != nil {
				w.logger.Warn("dropping screenshot event", "path", event.Name, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("screenshot watcher error", "error", err)
		}
	}
}

func (w *ScreenshotWatcher) matches(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, pattern := range w.patterns {
		if ok, _ := filepath.Match(strings.ToLower(pattern), base); ok {
			return true
		}
	}
	return false
}

// Stop stops watching and closes the event channel.
func (w *ScreenshotWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	close(w.events)
	return err
}

// Events returns the notification channel.
func (w *ScreenshotWatcher) Events() <-chan Event { return w.events }

// IsCapturing is always false; screenshots are instantaneous.
func (w *ScreenshotWatcher) IsCapturing() bool { return false }

// Available reports whether any configured directory exists.
func (w *ScreenshotWatcher) Available() (bool, string) {
	for _, dir := range w.dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return true, "watching screenshot directories"
		}
	}
	return false, "no screenshot directory exists"
}
