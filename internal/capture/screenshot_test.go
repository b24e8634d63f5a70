package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenshotWatcherReportsNewImages(t *testing.T) {
	dir := t.TempDir()
	w := NewScreenshotWatcher(ScreenshotConfig{Dirs: []string{dir}})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	shot := filepath.Join(dir, "Screenshot from 2026-10-19.png")
	require.NoError(t, os.WriteFile(shot, []byte("png"), 0600))

	select {
	case ev := <-w.Events():
		assert.Equal(t, ScreenshotTaken, ev.Kind)
		assert.Equal(t, shot, ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no screenshot event")
	}
	assert.False(t, w.IsCapturing())
}

func TestScreenshotWatcherMatches(t *testing.T) {
	w := NewScreenshotWatcher(ScreenshotConfig{Patterns: []string{"*.png", "Screen*.jpg"}})

	assert.True(t, w.matches("/tmp/a.PNG"))
	assert.True(t, w.matches("/tmp/Screen Shot.jpg"))
	assert.False(t, w.matches("/tmp/photo.jpg"))
	assert.False(t, w.matches("/tmp/.hidden.png"))
}

func TestScreenshotWatcherWithoutDirs(t *testing.T) {
	w := NewScreenshotWatcher(ScreenshotConfig{Dirs: []string{filepath.Join(t.TempDir(), "missing")}})

	ok, _ := w.Available()
	assert.False(t, ok)
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotAvailable)
	assert.NoError(t, w.Stop())
}

func TestScreenshotWatcherDoubleStart(t *testing.T) {
	w := NewScreenshotWatcher(ScreenshotConfig{Dirs: []string{t.TempDir()}})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)
}
