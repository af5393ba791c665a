package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/session"
	"github.com/conductor-run/conductor/internal/turn"
	"github.com/conductor-run/conductor/internal/usage"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions (spec §4.7's Session Coordinator)",
	}
	cmd.AddCommand(newSessionsCreateCmd())
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsSendCmd())
	cmd.AddCommand(newSessionsUsageCmd())
	return cmd
}

func newSessionsCreateCmd() *cobra.Command {
	var instanceID, modelID, projectID string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new session and its root agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			adapter, err := a.registry.CreateProvider(ctx, instanceID, modelID)
			if err != nil {
				return err
			}

			coord, err := session.Create(ctx, a.store, a.threads, adapter, a.tools, args[0], instanceID, modelID, projectID, turn.Config{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), coord.Session().ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "provider instance id (required)")
	cmd.Flags().StringVar(&modelID, "model", "", "model id within the instance's catalog (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "optional project id to group sessions under")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("model")
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			sessions, err := a.store.ListSessions(ctx, projectID)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.ID, s.Name, s.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	return cmd
}

func newSessionsSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <sessionId> <message>",
		Short: "Send a message to a session's root agent and print the final metrics",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			coord, err := openCoordinator(ctx, a, args[0])
			if err != nil {
				return err
			}

			sess, err := a.store.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			instanceID, _ := sess.Configuration["providerInstanceId"].(string)
			modelID, _ := sess.Configuration["modelId"].(string)

			turnMetrics, err := coord.SendMessage(ctx, args[0], args[1])
			status := "success"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordLLMRequest(instanceID, modelID, status, float64(turnMetrics.ElapsedMS)/1000,
				turnMetrics.PromptTokens, turnMetrics.CompletionTokens)
			u := usage.Usage{InputTokens: int64(turnMetrics.PromptTokens), OutputTokens: int64(turnMetrics.CompletionTokens)}
			a.usage.Record(usage.Record{ID: args[0], Provider: instanceID, Model: modelID, Usage: u})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopReason=%s toolCalls=%d elapsedMs=%s usage=%s\n",
				turnMetrics.StopReason, turnMetrics.ToolCalls, usage.FormatDurationMs(turnMetrics.ElapsedMS), usage.FormatUsageDetailed(&u))
			return nil
		},
	}
	return cmd
}

// newSessionsUsageCmd reconstructs token usage from the event log itself
// (spec §9: "final usage counts can be embedded in metadata of the
// AGENT_MESSAGE event") rather than an in-memory counter, since a CLI
// invocation is one-shot and a process-lifetime tracker would never
// outlive the command that populated it. With no sessionId it reports
// every session; with one, just that session's own thread tree (root
// plus every delegate thread spawned under it).
func newSessionsUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage [sessionId]",
		Short: "Report token usage accumulated in a session's (or every session's) event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			var sessions []events.Session
			if len(args) == 1 {
				sess, err := a.store.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				sessions = []events.Session{sess}
			} else {
				sessions, err = a.store.ListSessions(ctx, "")
				if err != nil {
					return err
				}
			}

			printed := false
			for _, sess := range sessions {
				total, err := sumSessionUsage(ctx, a.store, events.ThreadID(sess.ID))
				if err != nil {
					return err
				}
				if total.Total() == 0 {
					continue
				}
				printed = true
				instanceID, _ := sess.Configuration["providerInstanceId"].(string)
				modelID, _ := sess.Configuration["modelId"].(string)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%s\t%s\n", sess.ID, instanceID, modelID, usage.FormatUsageDetailed(&total))
			}
			if !printed {
				fmt.Fprintln(cmd.OutOrStdout(), "no usage recorded yet")
			}
			return nil
		},
	}
	return cmd
}

// sumSessionUsage walks rootThread and every delegate thread transitively
// spawned under it, summing the usage metadata each AGENT_MESSAGE event
// carries (internal/turn stamps this at append time).
func sumSessionUsage(ctx context.Context, store events.Store, rootThread events.ThreadID) (usage.Usage, error) {
	var total usage.Usage
	queue := []events.ThreadID{rootThread}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		evts, err := store.ListByThread(ctx, id, 0)
		if err != nil {
			return usage.Usage{}, err
		}
		for _, e := range evts {
			if e.Type != events.AgentMessage {
				continue
			}
			var d events.TextData
			if jerr := json.Unmarshal(e.Data, &d); jerr != nil {
				continue
			}
			raw, ok := d.Metadata["usage"]
			if !ok {
				continue
			}
			// Metadata round-trips through JSON, so a stamped usage.Usage
			// comes back as map[string]any; re-marshal into the typed form.
			if b, merr := json.Marshal(raw); merr == nil {
				var u usage.Usage
				if json.Unmarshal(b, &u) == nil {
					total.Add(&u)
				}
			}
		}

		children, err := store.ListThreadsByParent(ctx, id)
		if err != nil {
			return usage.Usage{}, err
		}
		for _, c := range children {
			queue = append(queue, c.ThreadID)
		}
	}
	return total, nil
}

// openCoordinator resumes a Coordinator over sessionID, resolving the
// provider adapter from the session's own persisted configuration (spec
// §4.7's Open, distinct from Create).
func openCoordinator(ctx context.Context, a *app, sessionID string) (*session.Coordinator, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	instanceID, _ := sess.Configuration["providerInstanceId"].(string)
	modelID, _ := sess.Configuration["modelId"].(string)

	adapter, err := a.registry.CreateProvider(ctx, instanceID, modelID)
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, a.store, a.threads, adapter, a.tools, sessionID, turn.Config{})
}
