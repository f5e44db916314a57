// Package keepalive pings the service's own public URL on a cron schedule so
// free-tier hosts do not idle it out.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
)

// Ping results recorded in metrics.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultDisabled = "disabled"
)

const defaultTimeout = 10 * time.Second

// Config controls the pinger.
type Config struct {
	URL      string
	Schedule string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

// Pinger issues periodic GET requests to URL.
type Pinger struct {
	url     string
	client  *http.Client
	timeout time.Duration
	cron    *cron.Cron
	logger  *zap.Logger
}

// New validates the schedule and returns a Pinger. An empty URL yields a
// pinger whose Ping only logs.
func New(cfg Config) (*Pinger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	p := &Pinger{
		url:     strings.TrimSpace(cfg.URL),
		client:  client,
		timeout: timeout,
		cron:    cron.New(),
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(cfg.Schedule, p.tick); err != nil {
		return nil, fmt.Errorf("keepalive schedule %q: %w", cfg.Schedule, err)
	}
	return p, nil
}

// Enabled reports whether a target URL is configured.
func (p *Pinger) Enabled() bool {
	return p.url != ""
}

// Start begins the schedule. It is a no-op without a URL.
func (p *Pinger) Start() {
	if !p.Enabled() {
		p.logger.Info("keepalive disabled, no url configured")
		metrics.ObserveKeepAlive(ResultDisabled)
		return
	}
	p.logger.Info("keepalive scheduled", zap.String("url", p.url))
	p.cron.Start()
}

// Stop halts the schedule and waits for a running ping to finish or ctx to end.
func (p *Pinger) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (p *Pinger) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		p.logger.Warn("keepalive ping failed", zap.Error(err))
	}
}

// Ping issues a single GET. Any 2xx or 3xx status counts as alive.
func (p *Pinger) Ping(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.Debug("keepalive ping skipped, no url configured")
		metrics.ObserveKeepAlive(ResultDisabled)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		metrics.ObserveKeepAlive(ResultError)
		return fmt.Errorf("build keepalive request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ObserveKeepAlive(ResultError)
		return fmt.Errorf("keepalive request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveKeepAlive(ResultError)
		return fmt.Errorf("keepalive status %d", resp.StatusCode)
	}
	metrics.ObserveKeepAlive(ResultOK)
	p.logger.Debug("keepalive ping ok", zap.Int("status", resp.StatusCode))
	return nil
}
