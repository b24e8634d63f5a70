package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gioui.org/app"
	"github.com/spf13/cobra"

	"screenguard/internal/config"
	"screenguard/internal/guard"
	"screenguard/internal/logging"
)

type runOptions struct {
	backend  string
	logLevel string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the screenguard daemon",
		Long:  "Runs the daemon in the foreground. SIGINT and SIGTERM stop it; SIGHUP reloads the config file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "overlay backend: gio or log (default: from config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override")
	return cmd
}

func runDaemon(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	path := root.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.backend != "" {
		cfg.Overlay.Backend = opts.backend
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if root.socketPath != "" {
		cfg.IPC.SocketPath = root.socketPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	g, err := guard.New(guard.Options{
		Config:     cfg,
		ConfigPath: path,
		Version:    Version,
		Logger:     logger.WithComponent("guard"),
	})
	if err != nil {
		logger.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go reloadOnHangup(ctx, g)

	if cfg.Overlay.Backend != config.BackendGio {
		defer stop()
		defer logger.Close()
		return g.Run(ctx)
	}

	// gio owns the main goroutine until the process exits.
	go func() {
		code := 0
		if err := g.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = 1
		}
		stop()
		logger.Close()
		os.Exit(code)
	}()
	app.Main()
	return nil
}

func reloadOnHangup(ctx context.Context, g *guard.Guard) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := g.Reload(); err != nil {
				logging.Component("cli").Warn("reload failed", "error", err)
			}
		}
	}
}
