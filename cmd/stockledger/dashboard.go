package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/app"
	"github.com/kimhsiao/stockledger/internal/dashboard"
)

func newDashboardCmd(v *viper.Viper) *cobra.Command {
	var (
		since time.Duration
		force bool
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the cash-flow summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app.App) error {
				opts := dashboard.Options{Force: force}
				if since > 0 {
					opts.Since = a.Clock.Now().Add(-since).UnixMilli()
				}
				summary, err := a.Dashboard.CashFlow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only transactions within this period, e.g. 720h")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cache and pull first")
	return cmd
}
