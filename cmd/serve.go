package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/catalog"
	"github.com/stillweb/stillweb/internal/webui"
)

// newServeCmd configures the serve subcommand, which exposes a finished
// mirror over HTTP: the file tree for browsing, the catalog manifest as
// JSON, and the usual health and metrics endpoints.
func newServeCmd() *cobra.Command {
	var (
		root string
		addr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a finished mirror over HTTP",
		Long: `Serves the mirror tree under the output root so the snapshot can be
browsed from a real origin instead of file:// URLs. When the root
contains a crawl catalog, its stored-resource manifest and per-URL
outcomes are exposed under /api. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := zap.L()

			info, err := os.Stat(root)
			if err != nil {
				return fmt.Errorf("mirror root: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("mirror root %q is not a directory", root)
			}

			var manifest webui.Manifest
			catPath := catalog.DefaultPath(root)
			if _, err := os.Stat(catPath); err == nil {
				cat, err := catalog.Open(catPath, uuid.NewString())
				if err != nil {
					return fmt.Errorf("open catalog: %w", err)
				}
				defer func() {
					if cerr := cat.Close(); cerr != nil {
						logger.Warn("catalog close failed", zap.Error(cerr))
					}
				}()
				manifest = cat
			} else {
				logger.Info("no catalog in mirror root; /api endpoints disabled", zap.String("path", catPath))
			}

			server := webui.NewServer(root, manifest, logger.Named("webui"))
			logger.Info("serving mirror", zap.String("addr", addr), zap.String("root", root))
			return server.Run(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&root, "root", "./mirror", "mirror output root to serve")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")

	return cmd
}
