package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/mathagent/internal/httpapi"
)

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			jm := httpapi.NewJWTManager(c.cfg.Auth.JWTSecret, c.cfg.Auth.Issuer, c.cfg.Auth.TokenTTL)
			tok, err := jm.Issue(subject, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (default: all)")
	return cmd
}
