// Package cmd defines the stillweb command line interface.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/logging"
)

// newRootCmd builds the command tree. The logger is installed as zap's
// global before any subcommand runs, so RunE bodies can use zap.L()
// without threading the logger through cobra.
func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "stillweb",
		Short: "Mirror websites into browsable offline snapshots.",
		Long: `stillweb crawls a site within configurable scope and budget limits,
stores every fetched resource under a deterministic local path, and
rewrites references between stored documents so the snapshot browses
offline. A finished snapshot and its manifest can be served back over
HTTP with the serve subcommand.

Logs go to stderr; the crawl summary goes to stdout.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := logging.New(verbose)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging in a human-readable format")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newVersionCmd())
	return cmd
}

// Execute is the entry point used by main. The first SIGINT or SIGTERM
// cancels the command context so crawls drain instead of dying mid-write;
// a second signal kills the process the usual way. Exits non-zero when a
// command fails; cobra has already printed the error by then.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = zap.L().Sync()
	if err != nil {
		os.Exit(1)
	}
}
