package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/api"
	"github.com/kimhsiao/stockledger/internal/app"
	"github.com/kimhsiao/stockledger/internal/config"
	"github.com/kimhsiao/stockledger/internal/logging"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local daemon",
		Long: `Run the daemon: background sync on start, on reconnect and on a timer,
a connectivity prober, the HTTP API with the /ws event stream, and hot
reload of the cache TTL and log level when the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, v, func(_ context.Context, a *app.App) error {
				return serve(ctx, a, v.GetString("config"))
			})
		},
	}
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, a *app.App, configPath string) error {
	events, cancel := a.Monitor.Subscribe(8)
	defer cancel()
	go a.Hub.Forward(events)

	go a.Prober.Run(ctx)

	if _, err := os.Stat(configPath); err == nil {
		go watchConfig(ctx, configPath, a.ApplyConfig, a.Logger())
	}

	srv := api.NewServer(a, a.Config.Server.Token, nil)
	if err := srv.Start(a.Config.Server.Addr); err != nil {
		return err
	}

	a.Scheduler.Start(ctx)
	<-ctx.Done()

	a.Scheduler.Stop()
	return srv.Stop()
}

// watchConfig hot-reloads configPath until ctx is done. A watcher that
// cannot start or fails is logged; the daemon keeps its current config.
func watchConfig(ctx context.Context, configPath string, apply func(config.Config), logger *logging.Logger) {
	if err := config.Watch(ctx, configPath, apply, logger); err != nil {
		logger.Error("Config watcher stopped", err, map[string]interface{}{"path": configPath})
	}
}
