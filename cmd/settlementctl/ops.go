package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/josh-kwaku/wallet-settlement/internal/app"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
)

func feesCmd() *cobra.Command {
	fees := &cobra.Command{
		Use:   "fees",
		Short: "Manage the fee catalogue",
	}
	fees.AddCommand(&cobra.Command{
		Use:   "load [catalog.yaml]",
		Short: "Upsert fee rules from a YAML catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("fees load: %w", err)
			}
			defer f.Close()

			rules, err := billing.ParseCatalog(f)
			if err != nil {
				return fmt.Errorf("fees load: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				outcome, err := a.Billing.LoadCatalog(ctx, rules)
				if err != nil {
					return fmt.Errorf("fees load: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d fee rules\n", len(rules))
				if !outcome.OK() {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", outcome.Effect, outcome.Err)
				}
				return nil
			})
		},
	})
	return fees
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background job queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "counts",
		Short: "Print job counts per queue and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				counts, err := a.Jobs.Counts(ctx)
				if err != nil {
					return fmt.Errorf("jobs counts: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	})
	return cmd
}

func webhooksCmd() *cobra.Command {
	webhooks := &cobra.Command{
		Use:   "webhooks",
		Short: "Operate on stored provider callbacks",
	}
	webhooks.AddCommand(&cobra.Command{
		Use:   "redrive",
		Short: "Re-apply stored callbacks that have not been reconciled yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Webhooks.Redrive(ctx)
				if err != nil {
					return fmt.Errorf("webhooks redrive: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-drove %d events\n", n)
				return nil
			})
		},
	})
	return webhooks
}

func intentsCmd() *cobra.Command {
	intents := &cobra.Command{
		Use:   "intents",
		Short: "Recover payment intents",
	}
	intents.AddCommand(&cobra.Command{
		Use:   "reevaluate [intent-id]",
		Short: "Poll the provider for pending legs and recompute the intent status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("intents reevaluate: invalid id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Intents.SyncStatus(ctx, id)
				if err != nil {
					return fmt.Errorf("intents reevaluate: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	})
	var now bool
	compensate := &cobra.Command{
		Use:   "compensate [intent-id]",
		Short: "Refund the settled legs of a failed intent",
		Long: `Schedules an intent.compensate job on the compensation queue. The job retries with
backoff until every successful wallet debit of the intent has its refund. Use --now to
run the compensation in this process instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("intents compensate: invalid id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if now {
					res, err := a.Intents.Compensate(ctx, id)
					if err != nil {
						return fmt.Errorf("intents compensate: %w", err)
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				job, created, err := a.Jobs.Enqueue(ctx, jobs.QueueCompensation, jobs.JobIntentCompensate,
					intent.IntentJob{IntentID: id}, jobs.Options{JobID: "compensate-" + id.String()})
				if err != nil {
					return fmt.Errorf("intents compensate: %w", err)
				}
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "compensation already scheduled as job %s (%s)\n", job.ID, job.Status)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled compensation job %s\n", job.ID)
				return nil
			})
		},
	}
	compensate.Flags().BoolVar(&now, "now", false, "compensate synchronously instead of enqueueing a job")
	intents.AddCommand(compensate)
	intents.AddCommand(sweepCmd())
	return intents
}

func sweepCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-evaluate pending intents whose provider callbacks never arrived",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 || limit <= 0 {
				return fmt.Errorf("intents sweep: --older-than and --limit must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				pending, err := a.PaymentIntents.ListPending(ctx, time.Now().Add(-olderThan), limit)
				if err != nil {
					return fmt.Errorf("intents sweep: %w", err)
				}
				var failed int
				for _, pi := range pending {
					v, err := a.Intents.SyncStatus(ctx, pi.ID)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", pi.ID, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", pi.ID, v.Intent.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "swept %d intents, %d errors\n", len(pending), failed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "only intents created before now minus this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum intents per run")
	return cmd
}

func walletsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "Freeze or unfreeze wallets",
	}
	for _, st := range []struct {
		use    string
		short  string
		status domain.WalletStatus
	}{
		{use: "disable [wallet-id]", short: "Reject every further ledger post on the wallet", status: domain.WalletStatusDisabled},
		{use: "enable [wallet-id]", short: "Allow ledger posts on the wallet again", status: domain.WalletStatusActive},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   st.use,
			Short: st.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("wallets %s: invalid id: %w", cmd.Name(), err)
				}
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Wallets.SetStatus(ctx, id, st.status); err != nil {
						return fmt.Errorf("wallets %s: %w", cmd.Name(), err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wallet %s is %s\n", id, st.status)
					return nil
				})
			},
		})
	}
	return cmd
}

func idempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Maintain the HTTP idempotency cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Idempotency.PurgeExpired(ctx)
				if err != nil {
					return fmt.Errorf("idempotency purge: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
				return nil
			})
		},
	})
	return cmd
}
