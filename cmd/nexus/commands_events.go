package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conductor-run/conductor/internal/events"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect a thread's event log",
	}
	cmd.AddCommand(newEventsTailCmd())
	cmd.AddCommand(newEventsExportCmd())
	cmd.AddCommand(newEventsImportCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail <threadId>",
		Short: "Print a thread's events, optionally following new ones as they're appended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			threadID := events.ThreadID(args[0])
			existing, err := a.store.ListByThread(ctx, threadID, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var lastSeq uint64
			for _, e := range existing {
				printEvent(out, e)
				lastSeq = e.Seq
			}
			if !follow {
				return nil
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			unsubscribe := a.store.Subscribe(threadID, func(e events.ThreadEvent) {
				if e.Seq > lastSeq {
					printEvent(out, e)
				}
			})
			defer unsubscribe()

			<-sigCh
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep the process alive, printing new events as they're appended")
	return cmd
}

func printEvent(out io.Writer, e events.ThreadEvent) {
	fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", e.Seq, e.Timestamp.Format("15:04:05"), e.Type, string(e.Data))
}

func newEventsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <threadId>",
		Short: "Dump a thread's events as JSON Lines to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()
			return events.Export(ctx, a.store, events.ThreadID(args[0]), cmd.OutOrStdout())
		},
	}
	return cmd
}

func newEventsImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore a JSON-Lines event dump into the store, preserving each event's thread id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := events.Import(ctx, a.store, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d events\n", n)
			return nil
		},
	}
	return cmd
}
