package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"screenguard/internal/config"
	"screenguard/internal/ipc"
	"screenguard/internal/journal"
)

type eventsOptions struct {
	limit  int
	follow bool
	asJSON bool
	db     string
}

func newEventsCmd(root *rootOptions) *cobra.Command {
	opts := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent policy evaluations",
		Long:  "Reads the evaluation journal, newest first. With --follow, streams live evaluations from the daemon instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.follow {
				return followEvents(cmd, root, opts)
			}
			return listEvents(cmd, root, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "stream live evaluations")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print entries as JSON")
	cmd.Flags().StringVar(&opts.db, "journal", "", "journal database (default: from config)")
	return cmd
}

func (o *eventsOptions) journalPath(root *rootOptions) (string, error) {
	if o.db != "" {
		return config.ExpandPath(o.db), nil
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return "", err
	}
	if !cfg.Journal.Enabled {
		return "", errors.New("journal is disabled in the config")
	}
	return config.ExpandPath(cfg.Journal.Path), nil
}

func listEvents(cmd *cobra.Command, root *rootOptions, opts *eventsOptions) error {
	path, err := opts.journalPath(root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("no journal at %s", path)
	}

	store, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(opts.limit)
	if err != nil {
		return err
	}
	if opts.asJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No evaluations recorded.")
		return nil
	}
	printEntries(cmd.OutOrStdout(), entries)
	return nil
}

func printEntries(w io.Writer, entries []journal.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTRIGGER\tSCREEN\tKIND\tCAPTURE\tOVERRIDES\tPROTECTED\tACTION\tVISIBLE")
	for _, e := range entries {
		screen := e.Screen
		if screen == "" {
			screen = "-"
		}
		action := e.Action
		if e.Error != "" {
			action += " (" + e.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), e.Trigger, screen, e.Kind, e.Capture,
			e.OverrideDepth, yesNo(e.Protected), action, yesNo(e.Visible))
	}
	tw.Flush()
}

func followEvents(cmd *cobra.Command, root *rootOptions, opts *eventsOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := root.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	return client.Subscribe(ctx, nil, func(ev *ipc.Event) {
		if opts.asJSON {
			writeJSON(out, ev)
			return
		}
		switch ev.Type {
		case ipc.EventEvaluation:
			if e := ev.Evaluation; e != nil {
				fmt.Fprintf(out, "%s %s screen=%s capture=%s overrides=%d protected=%s action=%s visible=%s\n",
					ev.Timestamp.Format(time.TimeOnly), e.Trigger, e.Screen, e.Capture,
					e.OverrideDepth, yesNo(e.Protected), e.Action, yesNo(e.Visible))
			}
		default:
			fmt.Fprintf(out, "%s %s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Message)
		}
	})
}
