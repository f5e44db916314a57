package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mfnews-scraper/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Starts the HTTP server on server.port (or PORT), schedules the keep-alive
ping when RENDER_EXTERNAL_URL is set, and drains on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
