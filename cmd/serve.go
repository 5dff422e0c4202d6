package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/logutil"
	"github.com/lkarlslund/chatgate/pkg/proxy"
	"github.com/lkarlslund/chatgate/pkg/version"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveBackendOverride    string
	serveDisableGPT4        bool
	serveDowngrade          bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if !cmd.Flags().Changed("log-level") || !cmd.Flags().Changed("log-format") {
				level, format := cfg.Log.Level, cfg.Log.Format
				if cmd.Flags().Changed("log-level") {
					level = logLevel
				}
				if cmd.Flags().Changed("log-format") {
					format = logFormat
				}
				if err := logutil.Configure(level, format); err != nil {
					return fmt.Errorf("configure logging: %w", err)
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("chat-backend-url") {
				cfg.ChatBackendURL = serveBackendOverride
			}
			if cmd.Flags().Changed("disable-gpt4") {
				cfg.DisableGPT4 = serveDisableGPT4
			}
			if cmd.Flags().Changed("downgrade") {
				cfg.Downgrade = serveDowngrade
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}

			slog.Info("starting", "version", version.String(), "config", serveConfigPath)
			srv, err := proxy.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path (optional; environment variables override it)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:3000)")
	serveCmd.Flags().StringVar(&serveBackendOverride, "chat-backend-url", "", "Override chat_backend_url in config")
	serveCmd.Flags().BoolVar(&serveDisableGPT4, "disable-gpt4", false, "Override disable_gpt4 in config")
	serveCmd.Flags().BoolVar(&serveDowngrade, "downgrade", false, "Override downgrade in config")
	rootCmd.AddCommand(serveCmd)
}
