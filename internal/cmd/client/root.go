package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command with every client command group.
func NewRoot(baseURL BaseURLFunc, open StoreOpener) *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "relay client commands",
	}
	root.AddCommand(
		NewPermissionsCommand(open),
		NewSubfeedCommand(open, baseURL),
		NewStatusCommand(baseURL),
		NewHealthCommand(),
	)
	return root
}
