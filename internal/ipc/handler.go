package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"screenguard/internal/capture"
	"screenguard/internal/lifecycle"
	"screenguard/internal/logging"
	"screenguard/internal/policy"
)

// Dispatcher runs fn on the goroutine that owns the engine.
type Dispatcher interface {
	Do(fn func()) error
}

// Reporter accepts injected capture events. *capture.Manual satisfies it.
type Reporter interface {
	Report(kind capture.Kind) error
}

// GuardHandlerConfig configures the daemon handler
type GuardHandlerConfig struct {
	Engine   *policy.Engine
	Binding  *lifecycle.Binding
	Loop     Dispatcher
	Reporter Reporter
	Version  string

	// Status, when set, adds daemon-level fields to a status response.
	Status func(*StatusResponse)
	Logger *slog.Logger
}

// GuardHandler implements Handler over a policy engine. Every engine access
// hops onto Loop.
type GuardHandler struct {
	mu        sync.RWMutex
	engine    *policy.Engine
	binding   *lifecycle.Binding
	loop      Dispatcher
	reporter  Reporter
	version   string
	startedAt time.Time
	status    func(*StatusResponse)
	logger    *slog.Logger

	// Event broadcaster (for sending events to clients)
	broadcaster func(*Event)
}

// NewGuardHandler creates a new daemon handler
func NewGuardHandler(cfg GuardHandlerConfig) (*GuardHandler, error) {
	if cfg.Engine == nil || cfg.Binding == nil || cfg.Loop == nil {
		return nil, errors.New("ipc: engine, binding and loop are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("ipc")
	}
	return &GuardHandler{
		engine:    cfg.Engine,
		binding:   cfg.Binding,
		loop:      cfg.Loop,
		reporter:  cfg.Reporter,
		version:   cfg.Version,
		startedAt: time.Now(),
		status:    cfg.Status,
		logger:    logger,
	}, nil
}

// SetBroadcaster sets the function used to broadcast events
func (h *GuardHandler) SetBroadcaster(broadcaster func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// Observe forwards an evaluation to subscribed clients. It runs on the
// engine's owner goroutine and never blocks.
func (h *GuardHandler) Observe(ev policy.Evaluation) {
	h.mu.RLock()
	broadcast := h.broadcaster
	h.mu.RUnlock()
	if broadcast == nil {
		return
	}
	broadcast(&Event{
		Type:       EventEvaluation,
		Timestamp:  ev.Timestamp,
		Evaluation: NewEvaluationEvent(ev),
	})
}

var _ policy.Observer = (*GuardHandler)(nil)

// HandleMessage processes an IPC message
func (h *GuardHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	h.logger.Debug("request", "type", msg.Header.Type, "client", peer.ID)

	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgCheckScreen:
		return h.handleCheck(msg)
	case MsgEnterScreen:
		return h.handleEnter(msg)
	case MsgExitScreen:
		return h.handleExit(msg)
	case MsgReportCapture:
		return h.handleReport(msg)
	case MsgSetMode:
		return h.handleSetMode(msg)
	case MsgOverrideBegin:
		return h.handleOverrideBegin(peer, msg)
	case MsgOverrideEnd:
		return h.handleOverrideEnd(peer, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type %s", msg.Header.Type)), nil
	}
}

func (h *GuardHandler) handleStatus(msg *Message) (*Message, error) {
	var snap policy.Snapshot
	if err := h.loop.Do(func() { snap = h.engine.State() }); err != nil {
		return unavailable(msg, err), nil
	}

	resp := &StatusResponse{
		Version:        h.version,
		StartedAt:      h.startedAt,
		Uptime:         time.Since(h.startedAt),
		Enabled:        snap.Enabled,
		ActiveScreen:   snap.ActiveScreen,
		Mode:           snap.Mode.String(),
		SecuredScreens: snap.SecuredScreens,
		OverrideDepth:  snap.OverrideDepth,
		Capture:        snap.Capture.String(),
		Protected:      snap.Protected,
		ShouldShow:     snap.ShouldShow,
		OverlayVisible: snap.OverlayVisible,
	}
	if h.status != nil {
		h.status(resp)
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *GuardHandler) handleCheck(msg *Message) (*Message, error) {
	var req ScreenRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "invalid check request"), nil
	}

	var protected bool
	if err := h.loop.Do(func() { protected = h.engine.ScreenIsProtected(req.Screen) }); err != nil {
		return unavailable(msg, err), nil
	}
	return NewResponse(MsgCheckScreenResp, msg.Header.RequestID, &CheckScreenResponse{
		Screen:    req.Screen,
		Protected: protected,
	})
}

func (h *GuardHandler) handleEnter(msg *Message) (*Message, error) {
	var req ScreenRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "invalid enter request"), nil
	}
	if strings.TrimSpace(req.Screen) == "" {
		return invalid(msg, "screen name is required"), nil
	}
	if err := h.binding.Enter(req.Screen); err != nil {
		return unavailable(msg, err), nil
	}
	return NewMessage(MsgEnterScreenResp, msg.Header.RequestID, nil), nil
}

func (h *GuardHandler) handleExit(msg *Message) (*Message, error) {
	if err := h.binding.Exit(); err != nil {
		return unavailable(msg, err), nil
	}
	return NewMessage(MsgExitScreenResp, msg.Header.RequestID, nil), nil
}

func (h *GuardHandler) handleReport(msg *Message) (*Message, error) {
	var req ReportCaptureRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "invalid report request"), nil
	}
	kind, err := capture.ParseKind(req.Kind)
	if err != nil {
		return invalid(msg, err.Error()), nil
	}
	if h.reporter == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnavailable, "capture reports are not accepted"), nil
	}
	if err := h.reporter.Report(kind); err != nil {
		return unavailable(msg, err), nil
	}
	return NewMessage(MsgReportCaptureResp, msg.Header.RequestID, nil), nil
}

// handleSetMode switches the mode. An omitted screen list keeps the current one.
func (h *GuardHandler) handleSetMode(msg *Message) (*Message, error) {
	var req SetModeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "invalid mode request"), nil
	}
	mode, err := policy.ParseMode(req.Mode)
	if err != nil {
		return invalid(msg, err.Error()), nil
	}

	err = h.loop.Do(func() {
		secured := req.SecuredScreens
		if secured == nil {
			secured = h.engine.State().SecuredScreens
		}
		h.engine.SetMode(mode, secured)
	})
	if err != nil {
		return unavailable(msg, err), nil
	}
	h.logger.Info("mode changed over ipc", "mode", mode, "secured", req.SecuredScreens)
	return NewMessage(MsgSetModeResp, msg.Header.RequestID, nil), nil
}

func (h *GuardHandler) handleOverrideBegin(peer *Peer, msg *Message) (*Message, error) {
	release, err := h.binding.Acquire()
	if err != nil {
		return unavailable(msg, err), nil
	}
	id := uuid.NewString()
	peer.AddLease(id, release)

	h.logger.Info("override lease taken", "lease", id, "client", peer.ID)
	return NewResponse(MsgOverrideBeginResp, msg.Header.RequestID, &OverrideBeginResponse{
		LeaseID: id,
		Depth:   h.depth(),
	})
}

func (h *GuardHandler) handleOverrideEnd(peer *Peer, msg *Message) (*Message, error) {
	var req OverrideEndRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "invalid override-end request"), nil
	}
	if !peer.EndLease(req.LeaseID) {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound,
			fmt.Sprintf("no lease %q on this connection", req.LeaseID)), nil
	}

	h.logger.Info("override lease released", "lease", req.LeaseID, "client", peer.ID)
	return NewResponse(MsgOverrideEndResp, msg.Header.RequestID, &OverrideEndResponse{
		Depth: h.depth(),
	})
}

func (h *GuardHandler) depth() int {
	var d int
	if err := h.loop.Do(func() { d = h.engine.OverrideDepth() }); err != nil {
		return -1
	}
	return d
}

func invalid(msg *Message, reason string) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, reason)
}

func unavailable(msg *Message, err error) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrUnavailable, err.Error())
}

// NewEvaluationEvent converts an evaluation to its wire form.
func NewEvaluationEvent(ev policy.Evaluation) *EvaluationEvent {
	out := &EvaluationEvent{
		Trigger:       string(ev.Trigger),
		Screen:        ev.Screen,
		Capture:       ev.Capture.String(),
		OverrideDepth: ev.OverrideDepth,
		Protected:     ev.Protected,
		Action:        string(ev.Action),
		Visible:       ev.Visible,
	}
	if ev.Kind != capture.None {
		out.Kind = ev.Kind.String()
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}
