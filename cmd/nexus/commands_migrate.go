package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd applies the event store's schema migrations. The store
// constructors run every migration statement as CREATE ... IF NOT
// EXISTS on open (spec §6's "migrations are additive"), so this command
// is just opening and closing the store.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply event store schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeApp, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp()
			fmt.Fprintf(cmd.OutOrStdout(), "event store ready at %s\n", a.baseDir)
			return nil
		},
	}
}
