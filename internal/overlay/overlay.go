// Package overlay drives the privacy cover shown while the screen is being
// recorded.
//
// A Cover is the controller the policy engine talks to. It owns at most one
// Surface at a time and delegates drawing to a SurfaceProvider, so the same
// controller runs against a real gio window or a headless logger.
package overlay

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"screenguard/internal/logging"
)

// DefaultMessage is the notice drawn in the middle of the cover.
const DefaultMessage = "Screen Recording Detected\nContent Hidden for Privacy"

// ErrNoSurface is returned when no top-level surface can be obtained.
var ErrNoSurface = errors.New("overlay: no surface available")

// Controller is the interface the policy engine drives. Show and Hide are
// idempotent; Visible reports whether a cover is actually up.
type Controller interface {
	Show() error
	Hide() error
	Visible() bool
}

// Style describes what the cover looks like.
type Style struct {
	Message    string
	Background color.NRGBA
	Foreground color.NRGBA
}

// DefaultStyle is an opaque black cover with white text.
func DefaultStyle() Style {
	return Style{
		Message:    DefaultMessage,
		Background: color.NRGBA{A: 0xff},
		Foreground: color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	}
}

// Surface is one shown cover.
type Surface interface {
	Close() error
}

// SurfaceProvider creates covers. lost must be called if the platform tears
// the surface down without Close being called.
type SurfaceProvider interface {
	Open(style Style, lost func()) (Surface, error)
}

// Cover is the Controller implementation. It is safe for concurrent use.
type Cover struct {
	mu       sync.Mutex
	provider SurfaceProvider
	style    Style
	surface  Surface
	gen      uint64
	onLost   func()
	logger   *slog.Logger
}

// Option configures a Cover.
type Option func(*Cover)

// WithStyle overrides the default style. The background is always drawn
// opaque.
func WithStyle(s Style) Option {
	return func(c *Cover) {
		if s.Message == "" {
			s.Message = DefaultMessage
		}
		s.Background.A = 0xff
		c.style = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cover) { c.logger = l }
}

// WithOnLost registers a callback run after a surface was lost. It is called
// without the cover's lock held.
func WithOnLost(fn func()) Option {
	return func(c *Cover) { c.onLost = fn }
}

// NewCover creates a controller over provider.
func NewCover(provider SurfaceProvider, opts ...Option) *Cover {
	c := &Cover{
		provider: provider,
		style:    DefaultStyle(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Component("overlay")
	}
	return c
}

// Show puts the cover up. Calling Show while visible does nothing.
func (c *Cover) Show() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.surface != nil {
		return nil
	}

	c.gen++
	gen := c.gen
	s, err := c.provider.Open(c.style, func() { c.lost(gen) })
	if err != nil {
		return fmt.Errorf("show overlay: %w", err)
	}
	c.surface = s
	c.logger.Debug("overlay shown")
	return nil
}

// Hide takes the cover down. Calling Hide while hidden does nothing. If the
// surface fails to close it is kept, so Visible stays true and a later Hide
// retries.
func (c *Cover) Hide() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.surface == nil {
		return nil
	}
	if err := c.surface.Close(); err != nil {
		return fmt.Errorf("hide overlay: %w", err)
	}
	c.surface = nil
	c.logger.Debug("overlay hidden")
	return nil
}

// Visible reports whether a cover is up.
func (c *Cover) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface != nil
}

func (c *Cover) lost(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.surface == nil {
		c.mu.Unlock()
		return
	}
	c.surface = nil
	onLost := c.onLost
	c.mu.Unlock()

	c.logger.Warn("overlay surface lost")
	if onLost != nil {
		onLost()
	}
}

// ParseColor parses "#rrggbb" or "#rrggbbaa".
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

var _ Controller = (*Cover)(nil)
