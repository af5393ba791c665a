// Package main provides the CLI entry point for the conductor agent
// runtime: an append-only event log, a provider-agnostic Turn Engine,
// and a Tool Executor, fronted by a small cobra command surface.
//
// # Basic Usage
//
// Start the HTTP/metrics server:
//
//	conductor serve
//
// Create a session and send it a message:
//
//	conductor sessions create my-agent --instance anthropic-main --model claude-opus-4-5-20251101
//	conductor sessions send <sessionId> "hello"
//
// Tail a thread's event log:
//
//	conductor events tail <threadId>
//
// Check a provider instance's connectivity:
//
//	conductor doctor <instanceId>
//
// # Environment Variables
//
//   - CONDUCTOR_HOME: base directory for the event store, provider
//     instances, credentials, and catalogs (default: ~/.conductor)
//   - DATABASE_URL: Postgres/CockroachDB DSN; when set, the Event Store
//     opens against it instead of the default embedded SQLite file
//     (CONDUCTOR_DB_DRIVER=postgres requires DATABASE_URL be set too)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Append-only agent runtime: threads, turns, and tool execution",
		Long: `conductor runs a coding-assistant agent loop on top of an append-only
event log, a provider-agnostic Turn Engine, and a validated tool registry.`,
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
