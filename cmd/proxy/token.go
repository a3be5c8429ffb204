package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/diaglink/proxy/pkg/utils/crypto"
)

var (
	tokenUser string
	tokenApp  string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a UI token for a user and app",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User the token is issued to")
	tokenCmd.Flags().StringVar(&tokenApp, "app", "", "App the user may diagnose")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("app")
}

// The secret comes from the variable serve reads security.ui_token_secret from.
func runToken(cmd *cobra.Command, args []string) error {
	secret := os.Getenv("DIAGLINK_SECURITY_UI_TOKEN_SECRET")
	if secret == "" {
		return errors.New("DIAGLINK_SECURITY_UI_TOKEN_SECRET is not set")
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", tokenTTL)
	}
	token, err := crypto.SignToken(secret, tokenUser, tokenApp, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
