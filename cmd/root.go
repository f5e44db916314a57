// Package cmd defines the mfnews CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mfnews-scraper/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mfnews",
		Short: "Scrapes mutual-fund news listings and serves them as JSON.",
		Long: `mfnews fetches the paginated mutual-fund news listing, extracts title,
link and image for every story, and serves the aggregate from a time-boxed
in-memory cache.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newScrapeCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
