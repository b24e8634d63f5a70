package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrUnexpectedReply  = errors.New("unexpected response from daemon")
)

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to a running daemon over its control socket. Requests are
// serialized; a Client is safe for concurrent use.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	cfg       ClientConfig
	nextReqID uint32
}

// Dial connects to the daemon.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, cfg.SocketPath)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Client{conn: conn, cfg: cfg}, nil
}

// Close closes the connection. Leases held over it are released by the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// request sends one message and decodes the matching reply into out.
func (c *Client) request(ctx context.Context, msgType, want MessageType, payload, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	c.nextReqID++
	reqID := c.nextReqID

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := NewMessage(msgType, reqID, data).Write(c.conn); err != nil {
		return c.fail(ctx, fmt.Errorf("write message: %w", err))
	}

	for {
		resp, err := ReadMessage(c.conn)
		if err != nil {
			return c.fail(ctx, fmt.Errorf("read response: %w", err))
		}
		if resp.Header.RequestID != reqID {
			continue
		}
		switch resp.Header.Type {
		case want:
			if out == nil {
				return nil
			}
			if err := Decode(resp.Payload, out); err != nil {
				return fmt.Errorf("decode %s: %w", want, err)
			}
			return nil
		case MsgError:
			var er ErrorResponse
			if err := Decode(resp.Payload, &er); err != nil {
				return fmt.Errorf("decode error response: %w", err)
			}
			return &RemoteError{Code: er.Code, Message: er.Message}
		default:
			return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, resp.Header.Type, want)
		}
	}
}

func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, MsgPing, MsgPong, nil, nil)
}

// Status returns the daemon and engine state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.request(ctx, MsgStatusRequest, MsgStatusResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enter marks screen as displayed.
func (c *Client) Enter(ctx context.Context, screen string) error {
	return c.request(ctx, MsgEnterScreen, MsgEnterScreenResp, &ScreenRequest{Screen: screen}, nil)
}

// Exit clears the displayed screen.
func (c *Client) Exit(ctx context.Context) error {
	return c.request(ctx, MsgExitScreen, MsgExitScreenResp, nil, nil)
}

// Check reports whether screen is protected under the current mode.
func (c *Client) Check(ctx context.Context, screen string) (bool, error) {
	var resp CheckScreenResponse
	if err := c.request(ctx, MsgCheckScreen, MsgCheckScreenResp, &ScreenRequest{Screen: screen}, &resp); err != nil {
		return false, err
	}
	return resp.Protected, nil
}

// Report injects a capture event such as "recording-started".
func (c *Client) Report(ctx context.Context, kind string) error {
	return c.request(ctx, MsgReportCapture, MsgReportCaptureResp, &ReportCaptureRequest{Kind: kind}, nil)
}

// SetMode switches the mode. A nil screens keeps the daemon's current list.
func (c *Client) SetMode(ctx context.Context, mode string, screens []string) error {
	return c.request(ctx, MsgSetMode, MsgSetModeResp, &SetModeRequest{Mode: mode, SecuredScreens: screens}, nil)
}

// BeginOverride takes an override lease. The lease lasts until EndOverride
// or until this client's connection closes.
func (c *Client) BeginOverride(ctx context.Context) (*OverrideBeginResponse, error) {
	var resp OverrideBeginResponse
	if err := c.request(ctx, MsgOverrideBegin, MsgOverrideBeginResp, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndOverride releases a lease taken by BeginOverride on this client.
func (c *Client) EndOverride(ctx context.Context, leaseID string) (int, error) {
	var resp OverrideEndResponse
	if err := c.request(ctx, MsgOverrideEnd, MsgOverrideEndResp, &OverrideEndRequest{LeaseID: leaseID}, &resp); err != nil {
		return 0, err
	}
	return resp.Depth, nil
}

// Subscribe switches the connection to event streaming and calls fn for
// every event until ctx is done or the daemon goes away. The client cannot
// issue further requests afterwards.
func (c *Client) Subscribe(ctx context.Context, events []EventType, fn func(*Event)) error {
	if err := c.request(ctx, MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Events: events}, nil); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if msg.Header.Type != MsgEvent {
			continue
		}
		var ev Event
		if err := Decode(msg.Payload, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(&ev)
		if ev.Type == EventDaemonShutdown {
			return nil
		}
	}
}
