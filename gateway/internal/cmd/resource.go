package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

func newResourceCmd() *cobra.Command {
	resourceCmd := &cobra.Command{
		Use:   "resource",
		Short: "Create and read resources directly in the store",
	}
	resourceCmd.AddCommand(newResourceCreateCmd())
	resourceCmd.AddCommand(newResourceGetCmd())
	return resourceCmd
}

func newResourceCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource from a JSON file",
		Long:  "Create a resource from a JSON file. Agents and Bots are ordinary resources, e.g. {\"resourceType\":\"Bot\",\"name\":\"ack\",\"code\":\"...\"}.",
		RunE:  runResourceCreate,
	}
	cmd.Flags().StringP("file", "f", "", "JSON file to read, - for stdin (required)")
	cmd.Flags().String("project", "", "project ID (required)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newResourceGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <resourceType> <id>",
		Short: "Print a resource",
		Args:  cobra.ExactArgs(2),
		RunE:  runResourceGet,
	}
	cmd.Flags().String("project", "", "project ID (required)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// projectRepo returns a repository acting inside the --project project with
// that project's write rules.
func projectRepo(cmd *cobra.Command, s store.Store) (*repo.Repository, error) {
	projectID, _ := cmd.Flags().GetString("project")
	p, err := s.GetProject(cmd.Context(), projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("project %q not found", projectID)
	}
	r := repo.NewFactory(s).ForPrincipal(&auth.State{Project: p}, repo.Options{
		StrictMode:             p.StrictMode,
		CheckReferencesOnWrite: p.CheckReferencesOnWrite,
	})
	return r, nil
}

func runResourceCreate(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	path, _ := cmd.Flags().GetString("file")
	var data []byte
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read resource: %w", err)
	}

	r, err := projectRepo(cmd, s)
	if err != nil {
		return err
	}
	res, err := r.CreateResource(cmd.Context(), &store.Resource{Content: data})
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s\n", repo.Reference(res.ResourceType, res.ID))
	return nil
}

func runResourceGet(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := projectRepo(cmd, s)
	if err != nil {
		return err
	}
	res, err := r.ReadResource(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Content, "", "  "); err != nil {
		buf.Reset()
		buf.Write(res.Content)
	}
	buf.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
