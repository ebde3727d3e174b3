package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Log in and print an access token",
		RunE:  runToken,
	}
	cmd.Flags().String("project", "", "project ID (required)")
	cmd.Flags().String("email", "", "email address (prompted if empty)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	svc, err := builtinAuth(cfg, s)
	if err != nil {
		return err
	}

	projectID, _ := cmd.Flags().GetString("project")
	email, _ := cmd.Flags().GetString("email")

	pr := prompter(cmd, cmd.ErrOrStderr())
	if email == "" {
		if email, err = pr.AskRequired("Email"); err != nil {
			return err
		}
	}
	password := pr.AskPassword("Password")

	token, err := svc.Login(cmd.Context(), projectID, email, password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return errors.New("invalid email or password")
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	printf(cmd.OutOrStdout(), "%s\n", token)
	return nil
}
