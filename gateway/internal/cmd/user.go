package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
)

const minPasswordLength = 8

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	userCmd.AddCommand(newUserCreateCmd())
	return userCmd
}

func newUserCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with a membership in a project",
		RunE:  runUserCreate,
	}
	cmd.Flags().String("project", "", "project ID (required)")
	cmd.Flags().String("email", "", "email address (prompted if empty)")
	cmd.Flags().String("profile", "", "profile reference, e.g. Practitioner/123")
	cmd.Flags().Bool("admin", false, "grant project admin")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runUserCreate(cmd *cobra.Command, args []string) error {
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
	profile, _ := cmd.Flags().GetString("profile")
	admin, _ := cmd.Flags().GetBool("admin")

	p, err := s.GetProject(cmd.Context(), projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	if p == nil {
		return fmt.Errorf("project %q not found", projectID)
	}

	pr := prompter(cmd, cmd.ErrOrStderr())
	if email == "" {
		if email, err = pr.AskRequired("Email"); err != nil {
			return err
		}
	}
	password, err := pr.AskNewPassword("Password", minPasswordLength)
	if err != nil {
		return err
	}

	user, membership, err := svc.CreateUser(cmd.Context(), projectID, email, password, profile, admin)
	if errors.Is(err, auth.ErrUserExists) {
		return fmt.Errorf("user %q already exists", email)
	}
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "user %s (membership %s)\n", user.ID, membership.ID)
	return nil
}
