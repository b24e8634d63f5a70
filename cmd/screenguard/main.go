// screenguard hides sensitive screens while the display is being captured.
//
//	screenguard run                   Run the daemon
//	screenguard status                Show daemon and policy state
//	screenguard enter <screen>        Mark a screen as displayed
//	screenguard report <kind>         Inject a capture event
//	screenguard override -- <cmd>     Run a command with protection suspended
//	screenguard events -n 20          Show recent evaluations
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"screenguard/internal/config"
	"screenguard/internal/ipc"
)

// Version is set at build time.
var Version = "0.1.0"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	socketPath string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// A wrapped command's exit status is passed through silently.
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "screenguard",
		Short:         "Hide sensitive screens while the display is captured",
		Long:          "Runs a daemon that covers protected screens with an opaque overlay whenever screen recording or casting is active, and a control client for it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: platform config dir)")
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "control socket path (default: from config)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout for control commands")

	root.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newEnterCmd(opts),
		newExitCmd(opts),
		newReportCmd(opts),
		newCheckCmd(opts),
		newModeCmd(opts),
		newOverrideCmd(opts),
		newEventsCmd(opts),
		newStopCmd(opts),
		newReloadCmd(opts),
		newInitCmd(opts),
		newVersionCmd(),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return root
}

// exitError carries a child process exit code through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ConfigPath()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveSocket picks the socket from the flag, then the config, then the
// platform default. A broken config file does not stop control commands.
func (o *rootOptions) resolveSocket() string {
	if o.socketPath != "" {
		return config.ExpandPath(o.socketPath)
	}
	if cfg, err := o.loadConfig(); err == nil && cfg.IPC.SocketPath != "" {
		return config.ExpandPath(cfg.IPC.SocketPath)
	}
	return config.GetDefaultPaths().SocketPath
}

func (o *rootOptions) dial(ctx context.Context) (*ipc.Client, error) {
	cfg := ipc.DefaultClientConfig(o.resolveSocket())
	if o.timeout > 0 {
		cfg.RequestTimeout = o.timeout
	}
	client, err := ipc.Dial(ctx, cfg)
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (start it with: screenguard run)", err)
		}
		return nil, err
	}
	return client, nil
}

// withClient dials the daemon, runs fn and closes the connection.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(context.Context, *ipc.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := o.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}
