// Package collyfetcher implements news.Fetcher using gocolly, either directly
// against the listing site or through a rendering proxy.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/decode"
	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// ErrProxyKeyMissing is returned by New when proxy mode has no API key.
var ErrProxyKeyMissing = errors.New("proxy api key is not configured")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Profile is the browser header set sent on direct requests.
type Profile struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
	Referer        string
	Cookies        map[string]string
}

// ProxyConfig routes requests through a rendering proxy.
type ProxyConfig struct {
	Endpoint    string
	APIKey      string
	Render      bool
	CountryCode string
}

// Limiter paces outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	Profile Profile
	// Proxy switches the fetcher to proxy mode when non-nil.
	Proxy   *ProxyConfig
	Limiter Limiter
	Logger  *zap.Logger
}

// Fetcher implements news.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	proxyURL      *url.URL
	cookieHeader  string
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Proxy mode without an API key returns ErrProxyKeyMissing.
func New(cfg Config) (*Fetcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	f := &Fetcher{
		cfg:          cfg,
		logger:       logger,
		cookieHeader: cookieHeader(cfg.Profile.Cookies),
	}
	if cfg.Proxy != nil {
		if strings.TrimSpace(cfg.Proxy.APIKey) == "" {
			return nil, ErrProxyKeyMissing
		}
		endpoint, err := url.Parse(cfg.Proxy.Endpoint)
		if err != nil || endpoint.Host == "" {
			return nil, fmt.Errorf("invalid proxy endpoint %q", cfg.Proxy.Endpoint)
		}
		f.proxyURL = endpoint
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(&decodingTransport{
		base:    newHTTPTransport(),
		decoder: decode.New(logger),
	})
	c.SetRequestTimeout(cfg.Timeout)
	f.baseCollector = c

	return f, nil
}

// Mode reports "proxy" or "direct".
func (f *Fetcher) Mode() string {
	if f.proxyURL != nil {
		return "proxy"
	}
	return "direct"
}

// Fetch executes a single HTTP GET using Colly. The returned body is decoded text.
func (f *Fetcher) Fetch(ctx context.Context, request news.FetchRequest) (news.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return news.FetchResponse{}, err
		}
	}

	var (
		result   news.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, f.requestURL(request.URL), &fetchErr); err != nil {
		return news.FetchResponse{}, f.redact(err)
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, &StatusError{Code: result.StatusCode}
	}

	metrics.ObserveBytes(request.URL, len(result.Body))
	f.logger.Debug("page fetched",
		zap.String("url", request.URL),
		zap.String("mode", f.Mode()),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request news.FetchRequest,
	start time.Time,
	result *news.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request news.FetchRequest,
	start time.Time,
	result *news.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		// Bodies are already UTF-8 after decodingTransport.
		r.ResponseCharacterEncoding = "utf-8"
		if f.proxyURL == nil {
			f.applyProfile(r)
		}
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		// The proxy URL carries the API key; report the listing URL instead.
		*result = news.FetchResponse{
			URL:        request.URL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Rendered:   f.proxyURL != nil && f.cfg.Proxy.Render,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) applyProfile(r *colly.Request) {
	p := f.cfg.Profile
	set := func(key, value string) {
		if value != "" {
			r.Headers.Set(key, value)
		}
	}
	set("User-Agent", p.UserAgent)
	set("Accept", p.Accept)
	set("Accept-Language", p.AcceptLanguage)
	set("Accept-Encoding", p.AcceptEncoding)
	set("Referer", p.Referer)
	set("Connection", "keep-alive")
	set("Cookie", f.cookieHeader)
}

func (f *Fetcher) requestURL(target string) string {
	if f.proxyURL == nil {
		return target
	}
	u := *f.proxyURL
	q := u.Query()
	q.Set("api_key", f.cfg.Proxy.APIKey)
	q.Set("url", target)
	if f.cfg.Proxy.Render {
		q.Set("render", "true")
	}
	if f.cfg.Proxy.CountryCode != "" {
		q.Set("country_code", f.cfg.Proxy.CountryCode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redact strips the proxy API key from transport errors before they reach logs.
func (f *Fetcher) redact(err error) error {
	if f.proxyURL == nil || err == nil {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		key := f.cfg.Proxy.APIKey
		urlErr.URL = strings.NewReplacer(url.QueryEscape(key), "REDACTED", key, "REDACTED").Replace(urlErr.URL)
	}
	return err
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}
