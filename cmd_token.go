package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/setupwatch/internal/security"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject, usually an email address")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development identity token signed with access.hmacSecret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Access.HMACSecret == "" {
			return errors.New("access.hmacSecret is not configured")
		}
		if tokenSubject == "" {
			return errors.New("--subject is required")
		}
		tok, err := security.IssueToken(cfg.Access.HMACSecret, tokenSubject, cfg.Access.Audience, cfg.Access.Issuer, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
