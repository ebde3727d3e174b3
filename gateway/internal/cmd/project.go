package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

func newProjectCmd() *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	projectCmd.AddCommand(newProjectCreateCmd())
	projectCmd.AddCommand(newProjectShowCmd())
	return projectCmd
}

func newProjectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE:  runProjectCreate,
	}
	cmd.Flags().String("name", "", "project name (required)")
	cmd.Flags().String("id", "", "project ID (default: random)")
	cmd.Flags().Bool("strict", true, "reject unknown resource types on write")
	cmd.Flags().Bool("check-references", false, "require reference targets to exist on write")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectShow,
	}
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("id")
	strict, _ := cmd.Flags().GetBool("strict")
	checkRefs, _ := cmd.Flags().GetBool("check-references")
	if id == "" {
		id = uuid.New().String()
	}

	p := &store.Project{
		ID:                     id,
		Name:                   name,
		StrictMode:             strict,
		CheckReferencesOnWrite: checkRefs,
		CreatedAt:              time.Now().UTC(),
	}
	if err := s.CreateProject(cmd.Context(), p); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	printf(cmd.OutOrStdout(), "%s\n", p.ID)
	return nil
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.GetProject(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	if p == nil {
		return fmt.Errorf("project %q not found", args[0])
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	printf(w, "ID\t%s\n", p.ID)
	printf(w, "NAME\t%s\n", p.Name)
	printf(w, "STRICT\t%t\n", p.StrictMode)
	printf(w, "CHECK REFERENCES\t%t\n", p.CheckReferencesOnWrite)
	printf(w, "CREATED\t%s\n", p.CreatedAt.Format(time.RFC3339))
	return w.Flush()
}
