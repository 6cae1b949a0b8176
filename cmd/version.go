package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at release time via -ldflags "-X github.com/stillweb/stillweb/cmd.version=...".
var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stillweb version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stillweb %s (%s)\n", version, commit)
		},
	}
}
