package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"screenguard/internal/logging"
)

// ErrSocketInUse is returned by Start when another daemon answers on the socket.
var ErrSocketInUse = errors.New("ipc: socket already in use")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// Peer is one connected client. Override leases taken over the connection
// are owned by the peer and released when it disconnects.
type Peer struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Creds        *PeerCredentials
	ConnectedAt  time.Time
	LastActivity time.Time
	leases       map[string]func()

	// Write serialization
	writeMu sync.Mutex
}

// AddLease records a release function under id.
func (p *Peer) AddLease(id string, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases == nil {
		p.leases = make(map[string]func())
	}
	p.leases[id] = release
}

// EndLease releases the lease id. It reports false for an unknown id.
func (p *Peer) EndLease(id string) bool {
	p.mu.Lock()
	release, ok := p.leases[id]
	delete(p.leases, id)
	p.mu.Unlock()
	if ok {
		release()
	}
	return ok
}

// LeaseCount returns the number of leases the peer holds.
func (p *Peer) LeaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

func (p *Peer) releaseAll() int {
	p.mu.Lock()
	leases := p.leases
	p.leases = nil
	p.mu.Unlock()
	for _, release := range leases {
		release()
	}
	return len(leases)
}

// subscription tracks event subscriptions
type subscription struct {
	peerID string
	events map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath      string
	Version         string
	Permissions     os.FileMode
	ReadTimeout     time.Duration // bound on reading a request body
	WriteTimeout    time.Duration
	MaxConnections  int
	RequireSameUser bool
	Logger          *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:      socketPath,
		Version:         "dev",
		Permissions:     0600,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConnections:  16,
		RequireSameUser: true,
	}
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	peers       map[string]*Peer
	subscribers map[string]*subscription
	startedAt   time.Time
	logger      *slog.Logger

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	bwg     sync.WaitGroup // broadcaster
	running atomic.Bool

	nextRequestID atomic.Uint32
	eventChan     chan *Event
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = def.Permissions
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("ipc")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		peers:       make(map[string]*Peer),
		subscribers: make(map[string]*subscription),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.bwg.Add(1)
	go s.eventBroadcaster()
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server. Leases still held by connected
// clients are released.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	// Queued events, such as a shutdown notice, go out before the
	// connections close.
	s.bwg.Wait()

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc shutdown timed out")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// LeaseCount returns the number of override leases held by all clients.
func (s *Server) LeaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		n += p.LeaseCount()
	}
	return n
}

// Broadcast queues an event for subscribed clients. It never blocks.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Debug("event dropped, broadcast queue full", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		creds, err := GetPeerCredentials(conn)
		if err != nil {
			s.logger.Debug("peer credentials unavailable", "error", err)
		}
		if s.cfg.RequireSameUser && creds != nil && creds.UID != os.Getuid() {
			s.logger.Warn("rejected connection from another user", "uid", creds.UID, "pid", creds.PID)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.peers) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		now := time.Now()
		peer := &Peer{
			ID:           uuid.NewString(),
			conn:         conn,
			Creds:        creds,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()

		if n := peer.releaseAll(); n > 0 {
			s.logger.Info("released leases of disconnected client", "client", peer.ID, "leases", n)
		}
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		// Idle clients may wait indefinitely for their next request; only
		// the body of a started request is bounded.
		peer.conn.SetReadDeadline(time.Time{})
		h, err := ReadHeader(peer.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read header failed", "client", peer.ID, "error", err)
			}
			return
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadPayload(peer.conn, h)
		if err != nil {
			s.logger.Debug("read payload failed", "client", peer.ID, "error", err)
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		peer.mu.Unlock()

		response, err := s.processMessage(peer, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response == nil {
			continue
		}
		response.Header.RequestID = msg.Header.RequestID
		if err := s.sendMessage(peer, response); err != nil {
			return
		}
	}
}

func (s *Server) processMessage(peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgSubscribe:
		return s.handleSubscribe(peer, msg)
	default:
		return s.handler.HandleMessage(s.ctx, peer, msg)
	}
}

func (s *Server) handleSubscribe(peer *Peer, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{
		peerID: peer.ID,
		events: make(map[EventType]bool),
	}
	if len(req.Events) == 0 {
		sub.events[EventEvaluation] = true
		sub.events[EventConfigReloaded] = true
		sub.events[EventDaemonShutdown] = true
	} else {
		for _, et := range req.Events {
			sub.events[et] = true
		}
	}

	s.mu.Lock()
	s.subscribers[peer.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: peer.ID,
	})
}

// eventBroadcaster delivers queued events in order. On shutdown it drains
// what is already queued.
func (s *Server) eventBroadcaster() {
	defer s.bwg.Done()

	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case event := <-s.eventChan:
					s.deliver(event)
				default:
					return
				}
			}
		case event := <-s.eventChan:
			s.deliver(event)
		}
	}
}

func (s *Server) deliver(event *Event) {
	s.mu.RLock()
	var targets []*Peer
	for peerID, sub := range s.subscribers {
		if !sub.events[event.Type] {
			continue
		}
		if peer, ok := s.peers[peerID]; ok {
			targets = append(targets, peer)
		}
	}
	s.mu.RUnlock()

	for _, peer := range targets {
		s.sendEvent(peer, event)
	}
}

func (s *Server) sendEvent(peer *Peer, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		return
	}
	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	if err := s.sendMessage(peer, msg); err != nil {
		s.logger.Debug("event delivery failed", "client", peer.ID, "error", err)
	}
}

func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(peer.conn)
}
