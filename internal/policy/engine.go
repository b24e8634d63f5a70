// Package policy decides whether the privacy overlay must be showing.
//
// The Engine combines four inputs: the active screen, the security mode with
// its secured-screen set, the override depth and the capture state. The
// overlay is up only while nothing overrides protection, continuous capture
// is in progress and the active screen is protected.
//
// An Engine does no locking. All calls must come from a single owner
// goroutine; the daemon uses mainloop.Loop for that.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"screenguard/internal/capture"
	"screenguard/internal/logging"
	"screenguard/internal/overlay"
)

// Mode selects which screens are protected.
type Mode int

const (
	// ModeAll protects every screen.
	ModeAll Mode = iota
	// ModeSelective protects only the secured-screen set.
	ModeSelective
)

func (m Mode) String() string {
	switch m {
	case ModeSelective:
		return "selective"
	default:
		return "all"
	}
}

// ParseMode parses "all" or "selective", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return ModeAll, nil
	case "selective":
		return ModeSelective, nil
	default:
		return ModeAll, fmt.Errorf("unknown security mode %q", s)
	}
}

// CaptureState is the engine's view of screen capture.
type CaptureState int

const (
	Idle CaptureState = iota
	ScreenshotPending
	Recording
)

func (c CaptureState) String() string {
	switch c {
	case ScreenshotPending:
		return "screenshot-pending"
	case Recording:
		return "recording"
	default:
		return "idle"
	}
}

// Trigger names the operation that caused an evaluation.
type Trigger string

const (
	TriggerScreen    Trigger = "screen"
	TriggerCapture   Trigger = "capture"
	TriggerOverride  Trigger = "override"
	TriggerMode      Trigger = "mode"
	TriggerReconcile Trigger = "reconcile"
	TriggerEnabled   Trigger = "enabled"
)

// Action is what an evaluation did to the overlay.
type Action string

const (
	ActionNone Action = "none"
	ActionShow Action = "show"
	ActionHide Action = "hide"
)

// Evaluation records one decision.
type Evaluation struct {
	Timestamp     time.Time
	Trigger       Trigger
	Screen        string
	Kind          capture.Kind
	Capture       CaptureState
	OverrideDepth int
	Protected     bool
	Action        Action
	Visible       bool
	Err           error
}

// Observer receives every evaluation. Observers run on the owner goroutine
// and must not call back into the engine.
type Observer interface {
	Observe(Evaluation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Evaluation)

// Observe calls f.
func (f ObserverFunc) Observe(ev Evaluation) { f(ev) }

// Config is the initial policy.
type Config struct {
	Mode           Mode
	SecuredScreens []string

	// Disabled turns protection off entirely. The overlay never shows.
	Disabled bool
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Enabled        bool
	ActiveScreen   string
	Mode           Mode
	SecuredScreens []string
	OverrideDepth  int
	Capture        CaptureState
	Protected      bool
	ShouldShow     bool
	OverlayVisible bool
}

// Engine is the security policy engine.
type Engine struct {
	enabled   bool
	mode      Mode
	secured   map[string]struct{}
	active    string
	depth     int
	capture   CaptureState
	ctrl      overlay.Controller
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine driving ctrl. The initial state is no active screen,
// idle capture and no override.
func New(cfg Config, ctrl overlay.Controller, opts ...Option) *Engine {
	e := &Engine{
		enabled: !cfg.Disabled,
		mode:    cfg.Mode,
		secured: toSet(cfg.SecuredScreens),
		ctrl:    ctrl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Component("policy")
	}
	if e.ctrl == nil {
		e.ctrl = overlay.NewCover(overlay.NewLogProvider(e.logger))
	}
	return e
}

// AddObserver registers an observer.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// SetActiveScreen records the displayed screen. The empty name means no
// screen is displayed.
func (e *Engine) SetActiveScreen(name string) {
	e.active = name
	e.evaluate(TriggerScreen, capture.None)
}

// ActiveScreen returns the current screen, or "" when none.
func (e *Engine) ActiveScreen() string { return e.active }

// ScreenIsProtected reports whether name is protected under the current mode.
// The absent screen is never protected.
func (e *Engine) ScreenIsProtected(name string) bool {
	if name == "" {
		return false
	}
	if e.mode == ModeAll {
		return true
	}
	_, ok := e.secured[name]
	return ok
}

// ReportCaptureEvent applies a capture notification.
//
// A screenshot has already happened by the time it is reported, so it only
// produces an evaluation record and never moves the overlay.
func (e *Engine) ReportCaptureEvent(kind capture.Kind) {
	switch kind {
	case capture.ScreenshotTaken:
		settled := e.capture
		e.capture = ScreenshotPending
		e.logger.Info("screenshot taken", "screen", e.active, "protected", e.ScreenIsProtected(e.active))
		e.emit(Evaluation{
			Trigger: TriggerCapture,
			Kind:    kind,
			Action:  ActionNone,
			Visible: e.ctrl.Visible(),
		})
		e.capture = settled
	case capture.RecordingStarted:
		e.capture = Recording
		e.evaluate(TriggerCapture, kind)
	case capture.RecordingStopped:
		e.capture = Idle
		e.evaluate(TriggerCapture, kind)
	default:
		e.logger.Warn("ignoring unknown capture event", "kind", kind)
	}
}

// PushOverride suspends protection until the matching PopOverride.
func (e *Engine) PushOverride() {
	e.depth++
	e.evaluate(TriggerOverride, capture.None)
}

// PopOverride ends one override. Popping at depth zero is logged and ignored.
func (e *Engine) PopOverride() {
	if e.depth == 0 {
		e.logger.Warn("unbalanced override pop ignored")
	} else {
		e.depth--
	}
	e.evaluate(TriggerOverride, capture.None)
}

// OverrideDepth returns the number of outstanding overrides.
func (e *Engine) OverrideDepth() int { return e.depth }

// Capture returns the capture state.
func (e *Engine) Capture() CaptureState { return e.capture }

// Mode returns the security mode.
func (e *Engine) Mode() Mode { return e.mode }

// SetMode replaces the mode and secured-screen set and re-evaluates at once.
func (e *Engine) SetMode(mode Mode, secured []string) {
	e.mode = mode
	e.secured = toSet(secured)
	e.logger.Info("security mode changed", "mode", mode, "secured", len(e.secured))
	e.evaluate(TriggerMode, capture.None)
}

// SetEnabled is the master switch. While disabled the overlay is kept down
// whatever the capture state; re-enabling re-evaluates at once.
func (e *Engine) SetEnabled(enabled bool) {
	if e.enabled == enabled {
		return
	}
	e.enabled = enabled
	e.logger.Info("screen protection switched", "enabled", enabled)
	e.evaluate(TriggerEnabled, capture.None)
}

// Enabled reports the master switch.
func (e *Engine) Enabled() bool { return e.enabled }

// Reconcile re-evaluates without changing state. It repairs an overlay that
// failed to update or was torn down by the platform.
func (e *Engine) Reconcile() {
	e.evaluate(TriggerReconcile, capture.None)
}

// ShouldShowOverlay is the decision rule.
func (e *Engine) ShouldShowOverlay() bool {
	return e.enabled && e.depth == 0 && e.capture == Recording && e.ScreenIsProtected(e.active)
}

// State returns a snapshot of the engine.
func (e *Engine) State() Snapshot {
	secured := make([]string, 0, len(e.secured))
	for name := range e.secured {
		secured = append(secured, name)
	}
	sort.Strings(secured)
	return Snapshot{
		Enabled:        e.enabled,
		ActiveScreen:   e.active,
		Mode:           e.mode,
		SecuredScreens: secured,
		OverrideDepth:  e.depth,
		Capture:        e.capture,
		Protected:      e.ScreenIsProtected(e.active),
		ShouldShow:     e.ShouldShowOverlay(),
		OverlayVisible: e.ctrl.Visible(),
	}
}

// evaluate applies the decision rule against the controller's actual
// visibility. At most one Show or Hide is issued.
func (e *Engine) evaluate(trigger Trigger, kind capture.Kind) {
	show := e.ShouldShowOverlay()
	visible := e.ctrl.Visible()

	action := ActionNone
	var err error
	switch {
	case show && !visible:
		action = ActionShow
		err = e.ctrl.Show()
	case !show && visible:
		action = ActionHide
		err = e.ctrl.Hide()
	}
	if err != nil {
		e.logger.Warn("overlay update failed",
			"action", action,
			"screen", e.active,
			"error", err,
		)
	} else if action != ActionNone {
		e.logger.Debug("overlay updated", "action", action, "trigger", trigger, "screen", e.active)
	}

	e.emit(Evaluation{
		Trigger: trigger,
		Kind:    kind,
		Action:  action,
		Visible: e.ctrl.Visible(),
		Err:     err,
	})
}

func (e *Engine) emit(ev Evaluation) {
	ev.Timestamp = e.now()
	ev.Screen = e.active
	ev.Capture = e.capture
	ev.OverrideDepth = e.depth
	ev.Protected = e.ScreenIsProtected(e.active)
	for _, o := range e.observers {
		o.Observe(ev)
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
