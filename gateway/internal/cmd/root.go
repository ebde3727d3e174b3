package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "medplum-gateway.json"

// NewRootCmd creates the root cobra command for medplum-gateway.
// A bare invocation runs the gateway.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "medplum-gateway",
		Short:         "Medplum gateway: WebSocket endpoints for agents, echo and FHIRcast",
		Long:          "Medplum gateway serves the agent, echo and FHIRcast WebSocket endpoints and a small REST surface for tokens and resources.",
		Args:          cobra.MaximumNArgs(1),
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newProjectCmd())
	root.AddCommand(newUserCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newResourceCmd())
	root.AddCommand(newSendCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
