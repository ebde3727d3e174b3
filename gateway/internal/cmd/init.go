package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			_, err := wizard.New(prompter(cmd, cmd.OutOrStdout())).Run(output)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path, .json or .yaml (default: ./medplum-gateway.json)")
	return cmd
}
