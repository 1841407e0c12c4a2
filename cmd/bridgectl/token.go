package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"btcbridge/crypto"
	"btcbridge/gateway/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		secretEnv string
		issuer    string
		audience  string
		ttl       time.Duration
		scopes    []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway bearer token for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := crypto.DecodeAddress(strings.TrimSpace(subject)); err != nil {
				return fmt.Errorf("--subject: %w", err)
			}
			secret := strings.TrimSpace(os.Getenv(secretEnv))
			if secret == "" {
				return errors.New(secretEnv + " is not set")
			}
			token, err := middleware.IssueToken(middleware.AuthConfig{
				Enabled:    true,
				HMACSecret: secret,
				Issuer:     issuer,
				Audience:   audience,
			}, strings.TrimSpace(subject), ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "account the token acts as")
	cmd.Flags().StringVar(&secretEnv, "secret-env", defaultSecretEnv, "environment variable holding the HMAC secret")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim, must match the gateway auth.issuer")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim, must match the gateway auth.audience")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes, e.g. bridge:admin")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
