package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an access token for a kiosk or user",
	Long: `Issue a bearer token signed with auth.jwt_secret.

Put the token in client.token (or STANDBY_CLIENT_TOKEN) on the kiosk.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled() {
		return errors.New("auth.jwt_secret is not set; the proxy accepts requests without a token")
	}

	token, expiresAt, err := middleware.GenerateToken(args[0], &cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
