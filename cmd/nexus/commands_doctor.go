package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conductor-run/conductor/internal/conderr"
)

func newDoctorCmd() *cobra.Command {
	var modelID string
	cmd := &cobra.Command{
		Use:   "doctor <instanceId>",
		Short: "Run the connectivity diagnostic for a provider instance (spec §4.3)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			instanceID := args[0]
			out := cmd.OutOrStdout()

			diag, err := a.registry.Diagnose(ctx, instanceID, modelID)
			if err != nil {
				printDoctorFailure(out, instanceID, err)
				return nil
			}

			if diag.Reachable {
				fmt.Fprintf(out, "%s: reachable\n", instanceID)
			} else {
				fmt.Fprintf(out, "%s: unreachable: %s\n", instanceID, diag.Message)
			}
			for _, m := range diag.RemoteModels {
				fmt.Fprintf(out, "  available: %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model id to validate against the instance's catalog")
	return cmd
}

func printDoctorFailure(out io.Writer, instanceID string, err error) {
	if ce, ok := err.(*conderr.Error); ok {
		fmt.Fprintf(out, "%s: %s\n", instanceID, ce.Diagnostic())
		return
	}
	fmt.Fprintf(out, "%s: %v\n", instanceID, err)
}
