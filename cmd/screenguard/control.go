package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"screenguard/internal/config"
	"screenguard/internal/guard"
	"screenguard/internal/ipc"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and protection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	return cmd
}

func printStatus(w io.Writer, st *ipc.StatusResponse) {
	screen := st.ActiveScreen
	if screen == "" {
		screen = "(none)"
	}
	secured := strings.Join(st.SecuredScreens, ", ")
	if secured == "" {
		secured = "(none)"
	}

	fmt.Fprintln(w, "Daemon")
	fmt.Fprintf(w, "  Version      %s\n", st.Version)
	fmt.Fprintf(w, "  Uptime       %s\n", st.Uptime.Round(time.Second))
	fmt.Fprintf(w, "  Clients      %d\n", st.Clients)
	if st.Detector != "" {
		fmt.Fprintf(w, "  Detector     %s\n", st.Detector)
	}
	if st.JournalDropped > 0 {
		fmt.Fprintf(w, "  Dropped      %d journal entries\n", st.JournalDropped)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Policy")
	fmt.Fprintf(w, "  Protection   %s\n", enabledString(st.Enabled))
	fmt.Fprintf(w, "  Mode         %s\n", st.Mode)
	fmt.Fprintf(w, "  Secured      %s\n", secured)
	fmt.Fprintf(w, "  Screen       %s (protected: %s)\n", screen, yesNo(st.Protected))
	fmt.Fprintf(w, "  Capture      %s\n", st.Capture)
	fmt.Fprintf(w, "  Overrides    %d (%d leases)\n", st.OverrideDepth, st.Leases)
	fmt.Fprintf(w, "  Overlay      %s\n", visibleString(st.OverlayVisible))
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "DISABLED"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func visibleString(b bool) string {
	if b {
		return "VISIBLE"
	}
	return "hidden"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnterCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enter <screen>",
		Short: "Mark a screen as displayed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.Enter(ctx, args[0])
			})
		},
	}
}

func newExitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Clear the displayed screen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.Exit(ctx)
			})
		},
	}
}

func newReportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <kind>",
		Short: "Inject a capture event",
		Long: `Injects a capture event as if a detector had seen it. Kinds:
  recording-started, recording-stopped, screenshot-taken`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.Report(ctx, args[0])
			})
		},
	}
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check <screen>",
		Short: "Report whether a screen is protected under the current mode",
		Long:  "Prints yes or no. With --quiet nothing is printed and the exit status is 0 for protected, 1 otherwise.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				protected, err := c.Check(ctx, args[0])
				if err != nil {
					return err
				}
				if quiet {
					if !protected {
						return &exitError{code: 1}
					}
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), yesNo(protected))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "report through the exit status only")
	return cmd
}

func newModeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode <all|selective> [screens...]",
		Short: "Switch the security mode",
		Long:  "Switches the mode at runtime. Screens, when given, replace the secured list; otherwise the current list is kept.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var screens []string
			if len(args) > 1 {
				screens = args[1:]
			}
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.SetMode(ctx, args[0], screens)
			})
		},
	}
}

func newOverrideCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "override -- <command> [args...]",
		Short: "Run a command with protection suspended",
		Long: `Takes an override lease, runs the command and releases the lease when it
exits. The daemon also releases the lease if this process dies.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return runOverride(ctx, cmd, c, args)
			})
		},
	}
}

func runOverride(ctx context.Context, cmd *cobra.Command, c *ipc.Client, args []string) error {
	lease, err := c.BeginOverride(ctx)
	if err != nil {
		return fmt.Errorf("begin override: %w", err)
	}

	// The child gets terminal signals itself; we stay alive to end the lease.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	runErr := child.Run()

	if _, err := c.EndOverride(context.Background(), lease.LeaseID); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: end override: %v\n", err)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return &exitError{code: exitErr.ExitCode()}
	}
	return runErr
}

func newStopCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := runtimeManager()
			if !m.IsRunning() {
				return errors.New("daemon is not running")
			}
			if err := m.SignalStop(); err != nil {
				return err
			}
			if wait <= 0 {
				return nil
			}
			return m.WaitForStop(wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the daemon to exit")
	return cmd
}

func newReloadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running daemon to reload its config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := runtimeManager()
			if !m.IsRunning() {
				return errors.New("daemon is not running")
			}
			return m.SignalReload()
		},
	}
}

func runtimeManager() *guard.Manager {
	paths := config.GetDefaultPaths()
	return guard.NewManager(paths.PIDFile, paths.StateFile)
}
