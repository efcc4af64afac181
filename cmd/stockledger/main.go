// Command stockledger runs the offline-first inventory and invoicing data
// layer: a local daemon with background sync, plus one-shot commands for
// records, the outbox and the cash-flow dashboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/app"
	"github.com/kimhsiao/stockledger/internal/config"
)

const envPrefix = "STOCKLEDGER"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(newViper())
}

// buildRootCmd builds the command tree over v. Every tree gets its own
// viper instance so that commands can run in isolation.
func buildRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "stockledger",
		Short: "Offline-first inventory and invoicing data layer",
		Long: `stockledger keeps parts, suppliers, invoices and transactions in a local
SQLite store and reconciles them with a remote document store whenever
the remote is reachable.

Settings come from the YAML config file; flags and STOCKLEDGER_* environment
variables override it (for example STOCKLEDGER_DATA_DIR).`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "stockledger.yaml", "path to the YAML config file")
	flags.String("data-dir", "", "directory of the local store")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("remote", "", "remote store type: memory, http, s3, aws, minio, r2")
	flags.String("remote-url", "", "document server URL for the http remote")
	flags.String("remote-token", "", "bearer token for the http remote")
	flags.String("addr", "", "listen address of the daemon API")

	for key, flag := range map[string]string{
		"config":       "config",
		"data_dir":     "data-dir",
		"logger.level": "log-level",
		"remote.type":  "remote",
		"remote.url":   "remote-url",
		"remote.token": "remote-token",
		"server.addr":  "addr",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newServeCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
		newOutboxCmd(v),
		newRecordsCmd(v),
		newDashboardCmd(v),
	)
	return root
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{"data_dir", &cfg.DataDir},
		{"logger.level", &cfg.Logger.Level},
		{"remote.type", &cfg.Remote.Type},
		{"remote.url", &cfg.Remote.URL},
		{"remote.token", &cfg.Remote.Token},
		{"remote.bucket", &cfg.Remote.Bucket},
		{"remote.access_key", &cfg.Remote.AccessKey},
		{"remote.secret_key", &cfg.Remote.SecretKey},
		{"server.addr", &cfg.Server.Addr},
		{"server.token", &cfg.Server.Token},
	}
	for _, o := range overrides {
		if v.IsSet(o.key) && v.GetString(o.key) != "" {
			*o.dst = v.GetString(o.key)
		}
	}

	return cfg, cfg.Validate()
}

// withApp opens the application for one command, probes the remote once
// and closes everything afterwards.
func withApp(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, closer, err := app.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()

	a.Probe(ctx)
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
