package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/app"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store with the remote once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app.App) error {
				if collection != "" {
					c, err := a.Collection(collection)
					if err != nil {
						return err
					}
					res, err := c.Sync(ctx)
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}

				res, err := a.Scheduler.SyncNow(ctx)
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "sync a single collection")
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"scheduler":   a.Scheduler.GetStatus(ctx),
					"collections": a.Reconciler.Collections(),
					"remote":      a.Config.Remote.Type,
				})
			})
		},
	}
}

func newOutboxCmd(v *viper.Viper) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Show changes waiting for the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app.App) error {
				if !list {
					stats, err := a.Reconciler.Outbox().Stats(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), stats)
				}

				entries, err := a.Reconciler.Outbox().Pending(ctx, "")
				if err != nil {
					return err
				}
				for _, e := range entries {
					line := fmt.Sprintf("%d\t%s\t%s/%s\tts=%d\tattempts=%d", e.Seq, e.Operation, e.Collection, e.DocumentID, e.Timestamp, e.Attempts)
					if e.LastError != "" {
						line += "\t" + e.LastError
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list every queued entry")
	return cmd
}
