package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/clock/system"
	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// Config holds the PageFetcher retry knobs. Pacing between pages belongs to Aggregator.
type Config struct {
	// URLTemplate contains a single %d for the page number.
	URLTemplate  string
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Archive stores raw pages that yielded no records.
type Archive struct {
	Store  news.BlobStore
	Hasher news.Hasher
	Prefix string
}

// PageFetcher retrieves and extracts a single listing page. It never returns
// an error; failures are folded into the PageResult status.
type PageFetcher struct {
	cfg       Config
	fetcher   news.Fetcher
	extractor news.Extractor
	sleeper   news.Sleeper
	archive   *Archive
	misses    MissClassifier
	logger    *zap.Logger
}

// MissClassifier labels a body that produced no records.
type MissClassifier interface {
	Classify(body []byte) string
}

// Option customizes a PageFetcher.
type Option func(*PageFetcher)

// WithSleeper replaces the sleeper used for backoff.
func WithSleeper(s news.Sleeper) Option {
	return func(f *PageFetcher) {
		f.sleeper = s
	}
}

// WithArchive keeps the raw body of every extraction miss.
func WithArchive(a Archive) Option {
	return func(f *PageFetcher) {
		if a.Store != nil && a.Hasher != nil {
			f.archive = &a
		}
	}
}

// WithMissClassifier annotates extraction misses with a likely cause.
func WithMissClassifier(c MissClassifier) Option {
	return func(f *PageFetcher) {
		f.misses = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *PageFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewPageFetcher builds a PageFetcher. A nil fetcher marks every page disabled.
func NewPageFetcher(cfg Config, fetcher news.Fetcher, extractor news.Extractor, opts ...Option) *PageFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	f := &PageFetcher{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		sleeper:   system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enabled reports whether a transport is configured.
func (f *PageFetcher) Enabled() bool {
	return f.fetcher != nil
}

// PageURL renders the listing URL for page.
func (f *PageFetcher) PageURL(page int) string {
	return fmt.Sprintf(f.cfg.URLTemplate, page)
}

// FetchPage makes at most MaxAttempts tries at page and returns the first
// non-empty record list. Backoff separates attempts; none follows the last one.
func (f *PageFetcher) FetchPage(ctx context.Context, page int) news.PageResult {
	result := f.fetchPage(ctx, page)
	metrics.ObservePage(string(result.Status))
	return result
}

func (f *PageFetcher) fetchPage(ctx context.Context, page int) news.PageResult {
	result := news.PageResult{Page: page}
	if f.fetcher == nil {
		result.Status = news.PageStatusDisabled
		return result
	}

	url := f.PageURL(page)
	logger := f.logger.With(zap.Int("page", page), zap.String("url", url))

	var last news.Attempt
	for index := 1; index <= f.cfg.MaxAttempts; index++ {
		if err := ctx.Err(); err != nil {
			result.Status = news.PageStatusCanceled
			result.Err = err
			return result
		}
		result.Attempts = index

		records, outcome, err := f.attempt(ctx, page, url, logger)
		metrics.ObserveAttempt(string(outcome))
		last = news.Attempt{Page: page, Index: index, Outcome: outcome}
		result.Err = err
		if last.Outcome == news.OutcomeOK {
			result.Records = records
			result.Status = news.PageStatusOK
			return result
		}

		logger.Warn("page attempt failed",
			zap.Int("attempt", last.Index),
			zap.Int("max_attempts", f.cfg.MaxAttempts),
			zap.String("outcome", string(last.Outcome)),
			zap.Error(err),
		)
		if last.Index == f.cfg.MaxAttempts {
			break
		}
		if err := f.sleeper.Sleep(ctx, f.cfg.RetryBackoff); err != nil {
			result.Status = news.PageStatusCanceled
			result.Err = err
			return result
		}
	}

	switch {
	case ctx.Err() != nil:
		result.Status = news.PageStatusCanceled
		result.Err = ctx.Err()
	case last.Outcome == news.OutcomeTransportError:
		result.Status = news.PageStatusExhausted
	default:
		result.Status = news.PageStatusEmpty
	}
	return result
}

// attempt performs one fetch and extraction.
func (f *PageFetcher) attempt(
	ctx context.Context,
	page int,
	url string,
	logger *zap.Logger,
) ([]news.Record, news.AttemptOutcome, error) {
	resp, err := f.fetcher.Fetch(ctx, news.FetchRequest{Page: page, URL: url})
	if err != nil {
		return nil, news.OutcomeTransportError, fmt.Errorf("fetch page %d: %w", page, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, news.OutcomeTransportError, fmt.Errorf("fetch page %d: unexpected status %d", page, resp.StatusCode)
	}

	records, err := f.extractor.Extract(resp.Body)
	if err != nil {
		err = fmt.Errorf("extract page %d: %w", page, err)
	}
	if len(records) > 0 {
		return records, news.OutcomeOK, nil
	}
	if err == nil {
		err = errNoRecords
	}
	if f.misses != nil {
		err = fmt.Errorf("%w (%s)", err, f.misses.Classify(resp.Body))
	}
	f.archiveMiss(ctx, page, resp.Body, logger)
	return nil, news.OutcomeExtractionMiss, err
}

var errNoRecords = errors.New("no records extracted")

// archiveMiss stores body under <prefix>/page-<n>/<sha256>.html. Failures are logged only.
func (f *PageFetcher) archiveMiss(ctx context.Context, page int, body []byte, logger *zap.Logger) {
	if f.archive == nil || len(body) == 0 {
		return
	}
	key := path.Join(f.archive.Prefix, "page-"+strconv.Itoa(page), f.archive.Hasher.Digest(body)+".html")
	uri, err := f.archive.Store.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		metrics.ObserveArchive("error")
		logger.Warn("archive extraction miss failed", zap.String("key", key), zap.Error(err))
		return
	}
	metrics.ObserveArchive("ok")
	logger.Info("archived extraction miss", zap.String("uri", uri), zap.Int("bytes", len(body)))
}
