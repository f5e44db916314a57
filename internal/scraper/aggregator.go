package scraper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/clock/system"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// PageSource yields one page result; PageFetcher is the production source.
type PageSource interface {
	FetchPage(ctx context.Context, page int) news.PageResult
}

// Aggregator concatenates page results in order and stops at the first empty page.
type Aggregator struct {
	pages   PageSource
	sleeper news.Sleeper
	delay   time.Duration
	logger  *zap.Logger
}

// NewAggregator builds an Aggregator that waits delay between productive pages.
func NewAggregator(pages PageSource, sleeper news.Sleeper, delay time.Duration, logger *zap.Logger) *Aggregator {
	if sleeper == nil {
		sleeper = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{pages: pages, sleeper: sleeper, delay: delay, logger: logger}
}

// Collect fetches pages 1..budget. The page after an empty one is never requested.
func (a *Aggregator) Collect(ctx context.Context, budget int) news.Aggregate {
	agg := news.Aggregate{
		Records:    []news.Record{},
		StopReason: news.StopReasonBudget,
	}
	start := time.Now()

	for page := 1; page <= budget; page++ {
		result := a.pages.FetchPage(ctx, page)
		agg.Pages = append(agg.Pages, result.Summary())
		a.logger.Info("page collected",
			zap.Int("page", page),
			zap.String("status", string(result.Status)),
			zap.Int("records", len(result.Records)),
			zap.Int("attempts", result.Attempts),
		)

		if len(result.Records) == 0 {
			agg.StopReason = result.Status
			break
		}
		agg.Records = append(agg.Records, result.Records...)

		if page == budget {
			break
		}
		if err := a.sleeper.Sleep(ctx, a.delay); err != nil {
			agg.StopReason = news.PageStatusCanceled
			break
		}
	}

	a.logger.Info("aggregation finished",
		zap.Int("records", len(agg.Records)),
		zap.Int("pages", len(agg.Pages)),
		zap.String("stop_reason", string(agg.StopReason)),
		zap.Duration("duration", time.Since(start)),
	)
	return agg
}
