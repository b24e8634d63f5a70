package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"screenguard/internal/logging"
)

// Multi fans several sources into one Detector.
//
// Sources that report themselves unavailable are skipped at Start. Events are
// forwarded unchanged; overlapping recording sessions are not reference
// counted here.
type Multi struct {
	mu      sync.Mutex
	sources []Detector
	active  []Detector
	events  chan Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	logger  *slog.Logger
}

// NewMulti composes sources. A nil logger uses the default component logger.
func NewMulti(logger *slog.Logger, sources ...Detector) *Multi {
	if logger == nil {
		logger = logging.Component("capture")
	}
	return &Multi{
		sources: sources,
		events:  make(chan Event, 128),
		logger:  logger,
	}
}

// Start starts every available source and begins forwarding.
func (m *Multi) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for _, src := range m.sources {
		if ok, reason := src.Available(); !ok {
			m.logger.Warn("capture source unavailable, degrading", "reason", reason)
			continue
		}
		if err := src.Start(ctx); err != nil {
			m.logger.Warn("capture source failed to start, degrading", "error", err)
			continue
		}
		m.active = append(m.active, src)
		m.wg.Add(1)
		go m.forward(ctx, src)
	}
	if len(m.active) == 0 {
		m.logger.Warn("no capture source available; recording protection disabled")
	}

	m.running = true
	return nil
}

func (m *Multi) forward(ctx context.Context, src Detector) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop stops all started sources and closes the merged channel.
func (m *Multi) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	m.cancel()

	var errs []string
	for _, src := range m.active {
		if err := src.Stop(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	m.wg.Wait()
	close(m.events)
	m.active = nil

	if len(errs) > 0 {
		return fmt.Errorf("stop capture sources: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Events returns the merged notification channel.
func (m *Multi) Events() <-chan Event { return m.events }

// IsCapturing is true when any started source is capturing.
func (m *Multi) IsCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.active {
		if src.IsCapturing() {
			return true
		}
	}
	return false
}

// Available is true when at least one source is available.
func (m *Multi) Available() (bool, string) {
	var reasons []string
	for _, src := range m.sources {
		ok, reason := src.Available()
		if ok {
			return true, reason
		}
		reasons = append(reasons, reason)
	}
	if len(reasons) == 0 {
		return false, "no capture sources configured"
	}
	return false, strings.Join(reasons, "; ")
}
