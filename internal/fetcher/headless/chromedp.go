// Package headless renders listing pages in headless Chrome via chromedp, for
// when the news list is only populated by JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultListWait   = 5 * time.Second
)

// DefaultListSelector matches the story list items the extractor looks for.
const DefaultListSelector = `li[id^="newslist-"], #cagetory li, .news_list li`

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	Headers           http.Header
	NavigationTimeout time.Duration
	// ListSelector is awaited after load; the DOM is returned even if it never appears.
	ListSelector string
	ListWait     time.Duration
	Logger       *zap.Logger
}

// Fetcher implements news.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	logger      *zap.Logger
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher. Chrome is started lazily on the first fetch.
// MaxParallel of zero leaves tab count unbounded.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ListSelector == "" {
		cfg.ListSelector = DefaultListSelector
	}
	if cfg.ListWait <= 0 {
		cfg.ListWait = defaultListWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{cfg: cfg, logger: logger}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch opens a tab, waits for the story list, and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request news.FetchRequest) (news.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return news.FetchResponse{}, fmt.Errorf("headless tab wait canceled: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(listingHeaders(f.cfg.Headers, request.Headers)),
		chromedp.Navigate(request.URL),
		f.awaitList(request.URL),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return news.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	resp := doc.result(request.URL, location)
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	resp.Rendered = true

	f.logger.Debug("page rendered",
		zap.Int("page", request.Page),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", resp.Duration),
	)
	return resp, nil
}

// prepareTab applies the user agent and extra headers before navigation.
func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// awaitList gives scripts up to ListWait to populate the story list. A timeout
// here is not an error; the extractor decides whether the DOM is usable.
func (f *Fetcher) awaitList(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, f.cfg.ListWait)
		defer cancel()
		err := chromedp.WaitReady(f.cfg.ListSelector, chromedp.ByQuery).Do(waitCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			f.logger.Debug("story list did not appear", zap.String("url", url), zap.Duration("waited", f.cfg.ListWait))
			return nil
		}
		return err
	})
}

// documentResponse records the status and headers of the first document the
// tab receives, which is the listing itself rather than any later iframe.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.url = event.Response.URL
	d.headers = fromNetworkHeaders(event.Response.Headers)
}

// result fills URL, status and headers, falling back to the navigated location
// and then the requested URL when no document event was observed.
func (d *documentResponse) result(requested, location string) news.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := news.FetchResponse{
		URL:        d.url,
		StatusCode: d.status,
		Headers:    d.headers.Clone(),
	}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	// The DOM is serialized text; no transfer encoding applies to it.
	resp.Headers.Del("Content-Encoding")
	return resp
}

func fromNetworkHeaders(in network.Headers) http.Header {
	out := http.Header{}
	for key, value := range in {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

// listingHeaders merges the profile with per-request headers. Chrome picks its
// own Accept-Encoding.
func listingHeaders(profile, request http.Header) http.Header {
	merged := profile.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for key, values := range request {
		for _, v := range values {
			merged.Add(key, v)
		}
	}
	merged.Del("Accept-Encoding")
	return merged
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
