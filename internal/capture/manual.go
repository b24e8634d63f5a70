package capture

import (
	"context"
	"sync"
)

// Manual is a programmatic capture source. Hosts that learn about capture
// through their own channels (a mobile bridge, the IPC report command, tests)
// push events into it with Report.
type Manual struct {
	mu        sync.Mutex
	name      string
	events    chan Event
	capturing bool
	stopped   bool
}

// NewManual creates a manual source with a buffered event channel.
func NewManual(name string) *Manual {
	if name == "" {
		name = "manual"
	}
	return &Manual{
		name:   name,
		events: make(chan Event, 64),
	}
}

// Start is a no-op; a Manual source is live from construction.
func (m *Manual) Start(ctx context.Context) error { return nil }

// Stop closes the event channel. Further reports return ErrStopped.
func (m *Manual) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.events)
	}
	return nil
}

// Events returns the notification channel.
func (m *Manual) Events() <-chan Event { return m.events }

// IsCapturing reports the level set by the last recording event.
func (m *Manual) IsCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// Available always succeeds.
func (m *Manual) Available() (bool, string) { return true, "manual source" }

// Report records and emits an event. The capture level is updated even when
// the buffer is full, so IsCapturing stays authoritative.
func (m *Manual) Report(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	switch kind {
	case RecordingStarted:
		m.capturing = true
	case RecordingStopped:
		m.capturing = false
	}
	return emit(m.events, Event{Kind: kind, Source: m.name})
}
