//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/godbus/dbus/v5"

	"screenguard/internal/logging"
)

// ============================================================================
// Linux screencast detection
// ============================================================================
//
// Wayland compositors do not broadcast "the screen is being recorded". What is
// observable is the session bus traffic that sets a recording up:
//
//   - GNOME: org.gnome.Mutter.ScreenCast.Session Start/Stop calls and the
//     Session.Closed signal (used by the built-in recorder and by portals)
//   - Portal clients (OBS, browsers, Zoom): org.freedesktop.portal.ScreenCast
//     Start and the matching org.freedesktop.portal.Session Close/Closed
//
// The monitor becomes a D-Bus monitor on a private connection and tracks the
// set of live sessions. Each session contributes exactly one start and one stop.
//
// ============================================================================

const (
	mutterSessionInterface    = "org.gnome.Mutter.ScreenCast.Session"
	portalScreenCastInterface = "org.freedesktop.portal.ScreenCast"
	portalSessionInterface    = "org.freedesktop.portal.Session"
	becomeMonitorMethod       = "org.freedesktop.DBus.Monitoring.BecomeMonitor"
)

// DefaultScreenCastRules are the D-Bus match rules the monitor installs.
func DefaultScreenCastRules() []string {
	return []string{
		"type='method_call',interface='" + mutterSessionInterface + "',member='Start'",
		"type='method_call',interface='" + mutterSessionInterface + "',member='Stop'",
		"type='signal',interface='" + mutterSessionInterface + "',member='Closed'",
		"type='method_call',interface='" + portalScreenCastInterface + "',member='Start'",
		"type='method_call',interface='" + portalSessionInterface + "',member='Close'",
		"type='signal',interface='" + portalSessionInterface + "',member='Closed'",
	}
}

// ScreenCastMonitor is a level-triggered recording source backed by the
// session bus.
type ScreenCastMonitor struct {
	mu       sync.Mutex
	rules    []string
	conn     *dbus.Conn
	messages chan *dbus.Message
	sessions map[dbus.ObjectPath]bool
	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	logger   *slog.Logger
}

// NewScreenCastMonitor creates a monitor with the given match rules, or the
// defaults when rules is empty.
func NewScreenCastMonitor(rules []string, logger *slog.Logger) *ScreenCastMonitor {
	if len(rules) == 0 {
		rules = DefaultScreenCastRules()
	}
	if logger == nil {
		logger = logging.Component("capture")
	}
	return &ScreenCastMonitor{
		rules:    rules,
		sessions: make(map[dbus.ObjectPath]bool),
		events:   make(chan Event, 64),
		logger:   logger.With("source", "screencast"),
	}
}

// Start connects a private session-bus connection and turns it into a monitor.
func (m *ScreenCastMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	call := conn.BusObject().CallWithContext(ctx, becomeMonitorMethod, 0, m.rules, uint32(0))
	if call.Err != nil {
		conn.Close()
		return fmt.Errorf("become monitor: %w", call.Err)
	}

	m.conn = conn
	m.messages = make(chan *dbus.Message, 64)
	conn.Eavesdrop(m.messages)

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true

	go m.monitorLoop(ctx)
	return nil
}

func (m *ScreenCastMonitor) monitorLoop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.messages:
			if !ok {
				return
			}
			m.handle(msg)
		}
	}
}

// handle applies one bus message to the session set and emits edges.
func (m *ScreenCastMonitor) handle(msg *dbus.Message) {
	kind, session, ok := classifyMessage(msg)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case RecordingStarted:
		if m.sessions[session] {
			return
		}
		m.sessions[session] = true
	case RecordingStopped:
		if !m.sessions[session] {
			return
		}
		delete(m.sessions, session)
	}

	ev := Event{Kind: kind, Source: "dbus", Path: string(session)}
	if err := emit(m.events, ev); err != nil {
		m.logger.Warn("dropping screencast event", "session", session, "error", err)
	}
}

// classifyMessage maps a monitored message to a recording edge and the
// session object it belongs to.
func classifyMessage(msg *dbus.Message) (Kind, dbus.ObjectPath, bool) {
	if msg == nil {
		return None, "", false
	}
	iface, _ := headerString(msg, dbus.FieldInterface)
	member, _ := headerString(msg, dbus.FieldMember)
	path, _ := msg.Headers[dbus.FieldPath].Value().(dbus.ObjectPath)

	switch msg.Type {
	case dbus.TypeMethodCall:
		switch {
		case iface == mutterSessionInterface && member == "Start":
			return RecordingStarted, path, true
		case iface == mutterSessionInterface && member == "Stop":
			return RecordingStopped, path, true
		case iface == portalScreenCastInterface && member == "Start":
			// Start(session_handle o, parent_window s, options a{sv})
			if len(msg.Body) > 0 {
				if session, ok := msg.Body[0].(dbus.ObjectPath); ok {
					return RecordingStarted, session, true
				}
			}
			return None, "", false
		case iface == portalSessionInterface && member == "Close":
			return RecordingStopped, path, true
		}
	case dbus.TypeSignal:
		if member == "Closed" && (iface == mutterSessionInterface || iface == portalSessionInterface) {
			return RecordingStopped, path, true
		}
	}
	return None, "", false
}

func headerString(msg *dbus.Message, field dbus.HeaderField) (string, bool) {
	v, ok := msg.Headers[field]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// Stop closes the monitor connection and the event channel.
func (m *ScreenCastMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	err := m.conn.Close()
	done := m.done
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return err
}

// Events returns the notification channel.
func (m *ScreenCastMonitor) Events() <-chan Event { return m.events }

// IsCapturing is true while any screencast session is live.
func (m *ScreenCastMonitor) IsCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) > 0
}

// Available checks for a reachable session bus address.
func (m *ScreenCastMonitor) Available() (bool, string) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "" {
		return true, "session bus available"
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		if _, err := os.Stat(filepath.Join(runtimeDir, "bus")); err == nil {
			return true, "session bus available"
		}
	}
	return false, "no D-Bus session bus; screencast detection disabled"
}

var _ Detector = (*ScreenCastMonitor)(nil)
