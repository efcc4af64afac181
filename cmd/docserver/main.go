// Command docserver serves a document store over the /v1 JSON API that the
// stockledger http remote talks to. Documents live in memory or in an
// S3-compatible bucket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/app"
	"github.com/kimhsiao/stockledger/internal/config"
	"github.com/kimhsiao/stockledger/internal/docserver"
	"github.com/kimhsiao/stockledger/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	v.SetEnvPrefix("DOCSERVER")
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(newViper())
}

func buildRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docserver",
		Short: "Serve a remote document store",
		Long: `Serve documents over HTTP for stockledger's http remote.

With --backend memory documents are lost on exit; with s3, aws, minio or
r2 they are kept in the configured bucket. Every flag can also be set
through a DOCSERVER_* environment variable, e.g. DOCSERVER_TOKEN.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8090", "listen address")
	flags.String("token", "", "bearer token required from clients")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("backend", config.RemoteMemory, "memory, s3, aws, minio or r2")
	flags.String("endpoint", "", "S3 endpoint (s3, minio)")
	flags.String("bucket", "", "bucket name")
	flags.String("region", "", "bucket region")
	flags.String("account-id", "", "Cloudflare account id (r2)")
	flags.String("access-key", "", "access key")
	flags.String("secret-key", "", "secret key")
	flags.String("prefix", "", "key prefix inside the bucket")
	flags.Bool("path-style", false, "path-style bucket URLs (s3)")
	flags.Bool("use-ssl", false, "https for a minio endpoint without scheme")
	_ = v.BindPFlags(flags)

	return cmd
}

func remoteConfig(v *viper.Viper) config.RemoteConfig {
	return config.RemoteConfig{
		Type:      v.GetString("backend"),
		Endpoint:  v.GetString("endpoint"),
		Bucket:    v.GetString("bucket"),
		Region:    v.GetString("region"),
		AccountID: v.GetString("account-id"),
		AccessKey: v.GetString("access-key"),
		SecretKey: v.GetString("secret-key"),
		Prefix:    v.GetString("prefix"),
		PathStyle: v.GetBool("path-style"),
		UseSSL:    v.GetBool("use-ssl"),
	}
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	level, err := logging.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level)

	if v.GetString("backend") == config.RemoteHTTP {
		return fmt.Errorf("backend %q would proxy to another document server", config.RemoteHTTP)
	}
	store, err := app.NewRemote(remoteConfig(v))
	if err != nil {
		return err
	}

	srv := docserver.NewServer(store, docserver.Config{
		Addr:  v.GetString("addr"),
		Token: v.GetString("token"),
	}, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return srv.Stop()
}
