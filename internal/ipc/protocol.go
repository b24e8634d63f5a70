// Package ipc is the control channel between the screenguard daemon and its
// clients: the CLI, screen hosts that live in another process, and scripts.
//
// Every message is a fixed 16 byte header followed by a JSON payload:
//
//	magic(4) version(1) flags(1) type(2) request-id(4) length(4)
//
// Requests are answered in order on the same connection, with the response
// carrying the request id. A connection that subscribed to events receives
// MsgEvent messages instead.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53475043 // "SGPC"
)

// MaxPayload bounds a single message body.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest   MessageType = 0x0100
	MsgStatusResponse  MessageType = 0x0101
	MsgCheckScreen     MessageType = 0x0102
	MsgCheckScreenResp MessageType = 0x0103

	// Screen lifecycle (0x02xx)
	MsgEnterScreen     MessageType = 0x0200
	MsgEnterScreenResp MessageType = 0x0201
	MsgExitScreen      MessageType = 0x0202
	MsgExitScreenResp  MessageType = 0x0203

	// Capture reports (0x03xx)
	MsgReportCapture     MessageType = 0x0300
	MsgReportCaptureResp MessageType = 0x0301

	// Policy (0x04xx)
	MsgSetMode     MessageType = 0x0400
	MsgSetModeResp MessageType = 0x0401

	// Event streaming (0x05xx)
	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgEvent         MessageType = 0x0504

	// Override leases (0x06xx)
	MsgOverrideBegin     MessageType = 0x0600
	MsgOverrideBeginResp MessageType = 0x0601
	MsgOverrideEnd       MessageType = 0x0602
	MsgOverrideEndResp   MessageType = 0x0603
)

var messageNames = map[MessageType]string{
	MsgPing:              "ping",
	MsgPong:              "pong",
	MsgError:             "error",
	MsgStatusRequest:     "status",
	MsgStatusResponse:    "status-resp",
	MsgCheckScreen:       "check",
	MsgCheckScreenResp:   "check-resp",
	MsgEnterScreen:       "enter",
	MsgEnterScreenResp:   "enter-resp",
	MsgExitScreen:        "exit",
	MsgExitScreenResp:    "exit-resp",
	MsgReportCapture:     "report",
	MsgReportCaptureResp: "report-resp",
	MsgSetMode:           "mode",
	MsgSetModeResp:       "mode-resp",
	MsgSubscribe:         "subscribe",
	MsgSubscribeResp:     "subscribe-resp",
	MsgEvent:             "event",
	MsgOverrideBegin:     "override-begin",
	MsgOverrideBeginResp: "override-begin-resp",
	MsgOverrideEnd:       "override-end",
	MsgOverrideEndResp:   "override-end-resp",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventEvaluation     EventType = 0x0001
	EventConfigReloaded EventType = 0x0002
	EventDaemonShutdown EventType = 0x0003
)

func (t EventType) String() string {
	switch t {
	case EventEvaluation:
		return "evaluation"
	case EventConfigReloaded:
		return "config-reloaded"
	case EventDaemonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event-%d", uint16(t))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

var (
	// ErrBadMagic is returned for a header that does not start with ProtocolMagic.
	ErrBadMagic = errors.New("ipc: invalid magic number")
	// ErrPayloadTooLarge is returned for a header announcing more than MaxPayload bytes.
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// ReadPayload reads the body announced by h.
func ReadPayload(r io.Reader, h *Header) (*Message, error) {
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return ReadPayload(r, h)
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnavailable      = 6
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version        string        `json:"version"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	Enabled        bool          `json:"enabled"`
	ActiveScreen   string        `json:"active_screen"`
	Mode           string        `json:"mode"`
	SecuredScreens []string      `json:"secured_screens"`
	OverrideDepth  int           `json:"override_depth"`
	Capture        string        `json:"capture"`
	Protected      bool          `json:"protected"`
	ShouldShow     bool          `json:"should_show"`
	OverlayVisible bool          `json:"overlay_visible"`
	Leases         int           `json:"leases"`
	Clients        int           `json:"clients"`
	Detector       string        `json:"detector,omitempty"`
	JournalDropped int64         `json:"journal_dropped,omitempty"`
}

// ScreenRequest names a screen for enter and check.
type ScreenRequest struct {
	Screen string `json:"screen"`
}

// CheckScreenResponse reports whether a screen would be covered.
type CheckScreenResponse struct {
	Screen    string `json:"screen"`
	Protected bool   `json:"protected"`
}

// ReportCaptureRequest injects a capture event. Kind is a capture event
// name such as "recording-started".
type ReportCaptureRequest struct {
	Kind string `json:"kind"`
}

// SetModeRequest switches the security mode at runtime.
type SetModeRequest struct {
	Mode           string   `json:"mode"`
	SecuredScreens []string `json:"secured_screens,omitempty"`
}

// OverrideBeginResponse returns the lease taken for the caller.
type OverrideBeginResponse struct {
	LeaseID string `json:"lease_id"`
	Depth   int    `json:"depth"`
}

// OverrideEndRequest releases one lease.
type OverrideEndRequest struct {
	LeaseID string `json:"lease_id"`
}

// OverrideEndResponse reports the depth after release.
type OverrideEndResponse struct {
	Depth int `json:"depth"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type       EventType        `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Evaluation *EvaluationEvent `json:"evaluation,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// EvaluationEvent is the wire form of one policy decision.
type EvaluationEvent struct {
	Trigger       string `json:"trigger"`
	Screen        string `json:"screen"`
	Kind          string `json:"kind,omitempty"`
	Capture       string `json:"capture"`
	OverrideDepth int    `json:"override_depth"`
	Protected     bool   `json:"protected"`
	Action        string `json:"action"`
	Visible       bool   `json:"visible"`
	Error         string `json:"error,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// RemoteError is an ErrorResponse surfaced by the client.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}
