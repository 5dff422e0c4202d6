package cmd

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/wizard"
)

var (
	configServerPath string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfigFile(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			return wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg)
		},
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, .env and environment merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			shown := *cfg
			if shown.Salt != "" {
				shown.Salt = "<redacted>"
			}
			if shown.EdgeAccess.ClientSecret != "" {
				shown.EdgeAccess.ClientSecret = "<redacted>"
			}
			enc := toml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndentTables(true)
			return enc.Encode(shown)
		},
	}
	configCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)
}
