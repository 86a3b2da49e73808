package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/josh-kwaku/wallet-settlement/internal/app"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
)

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if dir == "" {
					dir = repository.FindMigrationsDir()
				}
				applied, err := repository.Migrate(ctx, a.DB.Conn(), dir)
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					return nil
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default: search upwards for ./migrations)")
	return cmd
}
