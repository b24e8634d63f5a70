package overlay

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"gioui.org/app"
	"gioui.org/font/gofont"
	"gioui.org/io/system"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/paint"
	"gioui.org/text"
	"gioui.org/widget/material"

	"screenguard/internal/logging"
)

// closeTimeout bounds how long Close waits for the window to be destroyed.
const closeTimeout = 2 * time.Second

// GioProvider opens a fullscreen, undecorated gio window per cover.
//
// gio needs app.Main running on the main goroutine. The daemon arranges this
// when the gio backend is selected.
type GioProvider struct {
	title  string
	logger *slog.Logger
}

// NewGioProvider creates a gio-backed provider.
func NewGioProvider(logger *slog.Logger) *GioProvider {
	if logger == nil {
		logger = logging.Component("overlay")
	}
	return &GioProvider{title: "screenguard", logger: logger}
}

// Open creates and shows a new window.
func (p *GioProvider) Open(style Style, lost func()) (Surface, error) {
	if !displayAvailable() {
		return nil, fmt.Errorf("gio: no display: %w", ErrNoSurface)
	}

	w := new(app.Window)
	w.Option(
		app.Title(p.title),
		app.Decorated(false),
		app.Fullscreen.Option(),
	)

	s := &gioSurface{
		window: w,
		done:   make(chan struct{}),
		logger: p.logger,
	}
	go s.loop(style, lost)
	return s, nil
}

func isUnixDesktop() bool {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		return true
	}
	return false
}

func displayAvailable() bool {
	if !isUnixDesktop() {
		return true
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

type gioSurface struct {
	window  *app.Window
	closing atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

func (s *gioSurface) loop(style Style, lost func()) {
	defer close(s.done)

	th := material.NewTheme()
	th.Shaper = text.NewShaper(text.WithCollection(gofont.Collection()))

	var ops op.Ops
	for {
		switch e := s.window.Event().(type) {
		case app.DestroyEvent:
			if e.Err != nil {
				s.logger.Warn("overlay window destroyed", "error", e.Err)
			}
			if !s.closing.Load() && lost != nil {
				lost()
			}
			return
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			drawCover(gtx, th, style)
			e.Frame(gtx.Ops)
		}
	}
}

func drawCover(gtx layout.Context, th *material.Theme, style Style) {
	paint.Fill(gtx.Ops, style.Background)
	layout.Center.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		label := material.H5(th, style.Message)
		label.Color = style.Foreground
		label.Alignment = text.Middle
		return label.Layout(gtx)
	})
}

// Close asks the window to close and waits for it to be destroyed.
func (s *gioSurface) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.window.Perform(system.ActionClose)
	select {
	case <-s.done:
		return nil
	case <-time.After(closeTimeout):
		s.closing.Store(false)
		return fmt.Errorf("gio: window did not close within %s", closeTimeout)
	}
}
