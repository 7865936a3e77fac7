package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zsprackett/setupwatch/internal/config"
	"github.com/zsprackett/setupwatch/internal/security"
)

func init() {
	secretCmd.AddCommand(secretGenerateCmd, secretSetCmd)
	rootCmd.AddCommand(secretCmd)
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the shared ingest secret",
}

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random secret and store it in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		if err := config.SetIngestSecret(configPath, secret); err != nil {
			return fmt.Errorf("save secret: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", secret)
		fmt.Fprintf(cmd.ErrOrStderr(), "Secret written to %s\n", configPath)
		return nil
	},
}

var secretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Prompt for a secret and store it in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.ErrOrStderr(), "Ingest secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return errors.New("secret must not be empty")
		}
		if err := config.SetIngestSecret(configPath, secret); err != nil {
			return fmt.Errorf("save secret: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Secret written to %s\n", configPath)
		return nil
	},
}
