package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/app"
)

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one aggregation and print the records as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer func() {
				_ = a.Close(context.WithoutCancel(cmd.Context()))
			}()

			agg := a.Scrape(cmd.Context(), pages)
			a.Logger().Info("scrape finished",
				zap.Int("records", len(agg.Records)),
				zap.Int("pages", len(agg.Pages)),
				zap.String("stop_reason", string(agg.StopReason)),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(agg.Records); err != nil {
				return fmt.Errorf("encode records: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "page budget (defaults to scraper.page_budget)")
	return cmd
}
