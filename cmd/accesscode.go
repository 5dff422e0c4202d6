package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
	"github.com/lkarlslund/chatgate/pkg/auth"
	"github.com/lkarlslund/chatgate/pkg/config"
)

var (
	accessCodeConfigPath string
	accessCodeCount      int
	accessCodeLength     int
)

func init() {
	accessCodeCmd := &cobra.Command{
		Use:   "accesscode",
		Short: "Issue and check access codes",
	}
	accessCodeCmd.PersistentFlags().StringVar(&accessCodeConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path (the salt is read from it)")

	issueCmd := &cobra.Command{
		Use:   "issue [invitation_code...]",
		Short: "Sign the given invitation codes, or random ones with --count",
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := loadSalt()
			if err != nil {
				return err
			}
			var tokens []string
			for _, code := range args {
				token, err := accesscode.Sign(code, salt)
				if err != nil {
					return fmt.Errorf("sign %q: %w", code, err)
				}
				tokens = append(tokens, token)
			}
			if len(args) == 0 || cmd.Flags().Changed("count") {
				random, err := accesscode.Issue(accessCodeCount, accessCodeLength, salt)
				if err != nil {
					return err
				}
				tokens = append(tokens, random...)
			}
			out := cmd.OutOrStdout()
			for _, token := range tokens {
				fmt.Fprintf(out, "%s\t%s\n", token, auth.BearerAccessCode(token))
			}
			return nil
		},
	}
	issueCmd.Flags().IntVar(&accessCodeCount, "count", 1, "Number of random invitation codes to issue")
	issueCmd.Flags().IntVar(&accessCodeLength, "length", 8, "Length of random invitation codes")
	accessCodeCmd.AddCommand(issueCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Check an access token against the configured salt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := loadSalt()
			if err != nil {
				return err
			}
			token := args[0]
			if cred := auth.Extract(token); cred.Kind == auth.KindAccessCode {
				token = cred.Value
			}
			if !accesscode.Validate(strings.TrimSpace(token), salt) {
				return errors.New("access code is not valid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	accessCodeCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(accessCodeCmd)
}

func loadSalt() (string, error) {
	cfg, err := config.LoadServerConfig(accessCodeConfigPath)
	if err != nil {
		return "", fmt.Errorf("load server config: %w", err)
	}
	if cfg.Salt == "" {
		return "", errors.New("no salt configured (set salt in the config file or SALT in the environment)")
	}
	return cfg.Salt, nil
}
