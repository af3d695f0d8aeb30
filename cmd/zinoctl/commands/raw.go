package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

// rawCmd sends an arbitrary command line verbatim, an escape hatch for
// protocol verbs that don't yet have a dedicated subcommand.
func rawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <command...>",
		Short: "Send a raw command-protocol line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(strings.Join(args, " "))
		},
	}
}
