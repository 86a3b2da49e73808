// Command settlementctl runs operator tasks against the settlement database: schema
// migrations, fee catalogue loads, queue inspection, cache upkeep and manual intent recovery.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/josh-kwaku/wallet-settlement/internal/app"
	"github.com/josh-kwaku/wallet-settlement/internal/config"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operator tools for the wallet settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(feesCmd())
	root.AddCommand(jobsCmd())
	root.AddCommand(webhooksCmd())
	root.AddCommand(intentsCmd())
	root.AddCommand(walletsCmd())
	root.AddCommand(idempotencyCmd())
	return root
}

// withApp loads configuration, builds the service graph and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init("settlementctl", cfg.LogLevel, cfg.AppEnv)
	ctx := logging.WithLogger(cmd.Context(), logger)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write output", "error", err)
		return err
	}
	return nil
}
