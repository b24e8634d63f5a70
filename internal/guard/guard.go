// Package guard assembles the screenguard daemon: configuration, the main
// loop that owns the policy engine, capture detectors, the privacy cover,
// the evaluation journal and the control socket.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"screenguard/internal/capture"
	"screenguard/internal/config"
	"screenguard/internal/ipc"
	"screenguard/internal/journal"
	"screenguard/internal/lifecycle"
	"screenguard/internal/logging"
	"screenguard/internal/mainloop"
	"screenguard/internal/overlay"
	"screenguard/internal/policy"
)

// PruneInterval is how often journal retention is enforced.
const PruneInterval = time.Hour

// Options configures a Guard.
type Options struct {
	// Config is required.
	Config *config.Config

	// ConfigPath, when set, is watched and hot-reloaded.
	ConfigPath string

	Version string
	Logger  *slog.Logger

	// Provider replaces the surface provider named by the config.
	Provider overlay.SurfaceProvider

	// Sources replace the configured capture sources. The manual source
	// used by IPC reports is always added.
	Sources []capture.Detector

	// PIDFile and StateFile default to the platform runtime directory.
	PIDFile   string
	StateFile string
}

// Guard is the daemon.
type Guard struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	cfg *config.Config

	loop     *mainloop.Loop
	cover    *overlay.Cover
	engine   *policy.Engine
	binding  *lifecycle.Binding
	manual   *capture.Manual
	platform *capture.Multi
	detector *capture.Multi
	manager  *Manager

	journal *journal.Store
	server  *ipc.Server
	handler *ipc.GuardHandler
	loader  *config.Loader

	started bool
}

// New builds the daemon. Nothing runs until Run.
func New(opts Options) (*Guard, error) {
	if opts.Config == nil {
		return nil, errors.New("guard: config is required")
	}
	cfg := opts.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("guard")
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	style, err := cfg.OverlayStyle()
	if err != nil {
		return nil, err
	}

	paths := config.GetDefaultPaths()
	if opts.PIDFile == "" {
		opts.PIDFile = paths.PIDFile
	}
	if opts.StateFile == "" {
		opts.StateFile = paths.StateFile
	}

	g := &Guard{
		opts:    opts,
		logger:  logger,
		cfg:     cfg,
		manager: NewManager(opts.PIDFile, opts.StateFile),
	}

	g.loop = mainloop.New(mainloop.WithLogger(logger.With("component", "mainloop")))

	provider := opts.Provider
	if provider == nil {
		provider = newProvider(cfg.Overlay.Backend, logger)
	}
	g.cover = overlay.NewCover(provider,
		overlay.WithStyle(style),
		overlay.WithLogger(logger.With("component", "overlay")),
		overlay.WithOnLost(g.onSurfaceLost),
	)

	g.engine = policy.New(engineCfg, g.cover, policy.WithLogger(logger.With("component", "policy")))
	g.binding = lifecycle.New(g.engine,
		lifecycle.WithDispatcher(g.loop),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
	)

	g.manual = capture.NewManual("ipc")
	sources := opts.Sources
	if sources == nil {
		detCfg := cfg.DetectorConfig()
		detCfg.Logger = logger.With("component", "capture")
		sources = []capture.Detector{capture.New(detCfg)}
	}
	capLogger := logger.With("component", "capture")
	g.platform = capture.NewMulti(capLogger, sources...)
	g.detector = capture.NewMulti(capLogger, g.platform, g.manual)

	return g, nil
}

func newProvider(backend string, logger *slog.Logger) overlay.SurfaceProvider {
	if backend == config.BackendLog {
		return overlay.NewLogProvider(logger.With("component", "overlay"))
	}
	return overlay.NewGioProvider(logger.With("component", "overlay"))
}

// onSurfaceLost runs on the window goroutine when the platform destroys the
// cover. The engine re-shows it on its own goroutine.
func (g *Guard) onSurfaceLost() {
	if err := g.loop.Post(g.engine.Reconcile); err != nil {
		g.logger.Debug("reconcile after surface loss not scheduled", "error", err)
	}
}

// Engine returns the policy engine. Call it only through Loop.
func (g *Guard) Engine() *policy.Engine { return g.engine }

// Loop returns the goroutine that owns the engine.
func (g *Guard) Loop() *mainloop.Loop { return g.loop }

// Binding returns the screen lifecycle binding for in-process hosts.
func (g *Guard) Binding() *lifecycle.Binding { return g.binding }

// Manual returns the programmatic capture source.
func (g *Guard) Manual() *capture.Manual { return g.manual }

// Config returns a copy of the active configuration.
func (g *Guard) Config() *config.Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Clone()
}

// Run starts every component and blocks until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return errors.New("guard: already started")
	}
	g.started = true
	cfg := g.cfg
	g.mu.Unlock()

	if err := g.manager.Acquire(); err != nil {
		return err
	}
	defer g.manager.Cleanup()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- g.loop.Run(loopCtx) }()

	if err := g.start(ctx, cfg); err != nil {
		g.shutdown()
		stopLoop()
		<-loopDone
		return err
	}

	if err := g.manager.WriteState(&State{
		PID:        os.Getpid(),
		StartedAt:  time.Now(),
		Version:    g.opts.Version,
		Socket:     g.socketPath(),
		ConfigPath: g.opts.ConfigPath,
		Overlay:    cfg.Overlay.Backend,
	}); err != nil {
		g.logger.Warn("write state file failed", "error", err)
	}

	g.logger.Info("screenguard running",
		"mode", cfg.Policy.Mode,
		"secured", cfg.Policy.SecuredScreens,
		"overlay", cfg.Overlay.Backend,
		"socket", g.socketPath(),
	)

	<-ctx.Done()
	g.logger.Info("shutting down")

	g.shutdown()
	stopLoop()
	<-loopDone
	g.closeJournal()
	return nil
}

func (g *Guard) start(ctx context.Context, cfg *config.Config) error {
	if cfg.Journal.Enabled {
		store, err := journal.Open(config.ExpandPath(cfg.Journal.Path),
			journal.WithLogger(g.logger.With("component", "journal")))
		if err != nil {
			// The journal is advisory; the guard runs without it.
			g.logger.Warn("journal unavailable", "path", cfg.Journal.Path, "error", err)
		} else {
			g.journal = store
			if err := g.loop.Do(func() { g.engine.AddObserver(store) }); err != nil {
				return err
			}
			if cfg.Journal.RetentionDays > 0 {
				go g.pruneLoop(ctx, time.Duration(cfg.Journal.RetentionDays)*24*time.Hour)
			}
		}
	}

	if cfg.IPC.Enabled {
		if err := g.startIPC(cfg); err != nil {
			return err
		}
	}

	if ok, reason := g.platform.Available(); !ok {
		g.logger.Warn("capture detection unavailable, overlay only follows reports", "reason", reason)
	}
	if err := g.detector.Start(ctx); err != nil {
		return fmt.Errorf("start capture detector: %w", err)
	}
	go g.pump()

	// A recording that began before we started produces no start event.
	if g.detector.IsCapturing() {
		g.logger.Info("capture already active at startup")
		if err := g.loop.Do(func() { g.engine.ReportCaptureEvent(capture.RecordingStarted) }); err != nil {
			return err
		}
	}

	if g.opts.ConfigPath != "" {
		g.startWatcher()
	}
	return nil
}

func (g *Guard) startIPC(cfg *config.Config) error {
	handler, err := ipc.NewGuardHandler(ipc.GuardHandlerConfig{
		Engine:   g.engine,
		Binding:  g.binding,
		Loop:     g.loop,
		Reporter: g.manual,
		Version:  g.opts.Version,
		Status:   g.fillStatus,
		Logger:   g.logger.With("component", "ipc"),
	})
	if err != nil {
		return err
	}

	serverCfg := ipc.DefaultServerConfig(config.ExpandPath(cfg.IPC.SocketPath))
	serverCfg.Version = g.opts.Version
	serverCfg.Permissions = cfg.SocketMode()
	serverCfg.MaxConnections = cfg.IPC.MaxConnections
	serverCfg.ReadTimeout = time.Duration(cfg.IPC.TimeoutSec) * time.Second
	serverCfg.Logger = g.logger.With("component", "ipc")

	server, err := ipc.NewServer(serverCfg, handler)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	handler.SetBroadcaster(server.Broadcast)
	if err := g.loop.Do(func() { g.engine.AddObserver(handler) }); err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	g.handler = handler
	g.server = server
	return nil
}

func (g *Guard) fillStatus(resp *ipc.StatusResponse) {
	if g.server != nil {
		resp.Clients = g.server.ClientCount()
		resp.Leases = g.server.LeaseCount()
	}
	if ok, reason := g.platform.Available(); ok {
		resp.Detector = reason
	} else {
		resp.Detector = "unavailable: " + reason
	}
	if g.journal != nil {
		resp.JournalDropped = g.journal.Dropped()
	}
}

func (g *Guard) socketPath() string {
	if g.server != nil {
		return g.server.SocketPath()
	}
	return ""
}

// pump moves detector events onto the owner goroutine.
func (g *Guard) pump() {
	for ev := range g.detector.Events() {
		kind := ev.Kind
		g.logger.Debug("capture event", "kind", kind, "source", ev.Source, "path", ev.Path)
		if err := g.loop.Post(func() { g.engine.ReportCaptureEvent(kind) }); err != nil {
			g.logger.Debug("capture event dropped", "kind", kind, "error", err)
		}
	}
}

func (g *Guard) pruneLoop(ctx context.Context, retention time.Duration) {
	prune := func() {
		n, err := g.journal.Prune(retention)
		if err != nil {
			g.logger.Warn("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			g.logger.Info("journal pruned", "entries", n)
		}
	}

	prune()
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (g *Guard) startWatcher() {
	loader := config.NewLoader(g.opts.ConfigPath)
	if _, err := loader.Load(); err != nil {
		g.logger.Warn("config watcher disabled", "path", g.opts.ConfigPath, "error", err)
		return
	}
	loader.OnChange(g.Apply)
	if err := loader.Watch(); err != nil {
		g.logger.Warn("config watcher disabled", "path", g.opts.ConfigPath, "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			g.logger.Warn("config reload rejected", "error", err)
		}
	}()
	g.loader = loader
}

// Reload re-reads the configuration file now, as on SIGHUP.
func (g *Guard) Reload() error {
	if g.loader != nil {
		return g.loader.Reload()
	}
	if g.opts.ConfigPath == "" {
		return errors.New("guard: no config file to reload")
	}
	cfg, err := config.Load(g.opts.ConfigPath)
	if err != nil {
		return err
	}
	g.Apply(cfg)
	return nil
}

// Apply switches the running daemon to cfg's policy. Other sections take
// effect on restart.
func (g *Guard) Apply(cfg *config.Config) {
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		g.logger.Warn("ignoring config with invalid policy", "error", err)
		return
	}

	g.mu.Lock()
	g.cfg = cfg.Clone()
	g.mu.Unlock()

	err = g.loop.Post(func() {
		g.engine.SetMode(engineCfg.Mode, engineCfg.SecuredScreens)
		g.engine.SetEnabled(!engineCfg.Disabled)
	})
	if err != nil {
		g.logger.Warn("config change not applied", "error", err)
		return
	}
	g.logger.Info("policy updated from config",
		"enabled", !engineCfg.Disabled,
		"mode", engineCfg.Mode,
		"secured", engineCfg.SecuredScreens,
	)
	if g.server != nil {
		g.server.Broadcast(&ipc.Event{
			Type:      ipc.EventConfigReloaded,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("enabled=%t mode=%s", !engineCfg.Disabled, engineCfg.Mode),
		})
	}
}

// shutdown stops inputs first so no new work reaches the engine, then takes
// the cover down while the loop is still running.
func (g *Guard) shutdown() {
	if g.loader != nil {
		g.loader.Close()
	}
	if g.server != nil {
		g.server.Broadcast(&ipc.Event{Type: ipc.EventDaemonShutdown, Timestamp: time.Now()})
		if err := g.server.Stop(); err != nil {
			g.logger.Warn("ipc stop failed", "error", err)
		}
	}
	if err := g.detector.Stop(); err != nil {
		g.logger.Warn("capture stop failed", "error", err)
	}
	err := g.loop.Do(func() {
		if g.cover.Visible() {
			if err := g.cover.Hide(); err != nil {
				g.logger.Warn("hide cover on shutdown failed", "error", err)
			}
		}
	})
	if err != nil {
		g.logger.Debug("cover cleanup skipped", "error", err)
	}
}

func (g *Guard) closeJournal() {
	if g.journal == nil {
		return
	}
	if err := g.journal.Close(); err != nil {
		g.logger.Warn("journal close failed", "error", err)
	}
}

// Journal returns the evaluation journal, or nil when disabled.
func (g *Guard) Journal() *journal.Store { return g.journal }
