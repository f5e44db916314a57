// Package config loads and validates scraper service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport modes accepted by scraper.transport.
const (
	TransportDirect   = "direct"
	TransportProxy    = "proxy"
	TransportHeadless = "headless"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// DefaultURLTemplate is the paginated mutual-fund news listing; %d is the page number.
const DefaultURLTemplate = "https://www.moneycontrol.com/news/business/mutual-funds/page-%d"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Cache     CacheConfig     `mapstructure:"cache"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig guards the operator endpoints. An empty key leaves them open.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScraperConfig governs pagination, retries, and transport selection.
type ScraperConfig struct {
	URLTemplate  string        `mapstructure:"url_template"`
	Origin       string        `mapstructure:"origin"`
	PageBudget   int           `mapstructure:"page_budget"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	Transport    string        `mapstructure:"transport"`
}

// HTTPConfig is the browser profile and pacing used by the direct transport.
type HTTPConfig struct {
	Timeout        time.Duration     `mapstructure:"timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	Accept         string            `mapstructure:"accept"`
	AcceptLanguage string            `mapstructure:"accept_language"`
	AcceptEncoding string            `mapstructure:"accept_encoding"`
	Referer        string            `mapstructure:"referer"`
	Cookies        map[string]string `mapstructure:"cookies"`
	RateLimitRPS   float64           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int               `mapstructure:"rate_limit_burst"`
}

// ProxyConfig configures the third-party rendering proxy.
type ProxyConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Render      bool          `mapstructure:"render"`
	CountryCode string        `mapstructure:"country_code"`
}

// HeadlessConfig configures the chromedp transport.
type HeadlessConfig struct {
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// CacheConfig sets the freshness window of the result cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// KeepAliveConfig drives the periodic self ping.
type KeepAliveConfig struct {
	URL      string        `mapstructure:"url"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig selects where raw pages that yielded no records are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for refresh notifications.
type EventsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	History   int    `mapstructure:"history"`
}

// Load builds a Config from defaults, an optional file, .env, and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("MFNEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// bindLegacyEnv maps the platform variable names the service has always read.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"proxy.api_key": {"MFNEWS_PROXY_API_KEY", "SCRAPERAPI_KEY"},
		"keepalive.url": {"MFNEWS_KEEPALIVE_URL", "RENDER_EXTERNAL_URL"},
		"server.port":   {"MFNEWS_SERVER_PORT", "PORT"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout", "3m")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scraper.url_template", DefaultURLTemplate)
	v.SetDefault("scraper.origin", "https://www.moneycontrol.com")
	v.SetDefault("scraper.page_budget", 5)
	v.SetDefault("scraper.max_attempts", 2)
	v.SetDefault("scraper.retry_backoff", "2s")
	v.SetDefault("scraper.page_delay", "1s")
	v.SetDefault("scraper.transport", TransportDirect)
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	v.SetDefault("http.accept_language", "en-US,en;q=0.9")
	v.SetDefault("http.accept_encoding", "gzip, deflate, br")
	v.SetDefault("http.referer", "https://www.google.com/")
	v.SetDefault("http.cookies", map[string]string{})
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("proxy.endpoint", "http://api.scraperapi.com/")
	v.SetDefault("proxy.api_key", "")
	v.SetDefault("proxy.timeout", "30s")
	v.SetDefault("proxy.render", true)
	v.SetDefault("proxy.country_code", "")
	v.SetDefault("headless.nav_timeout", "30s")
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("keepalive.url", "")
	v.SetDefault("keepalive.schedule", "@every 14m")
	v.SetDefault("keepalive.timeout", "10s")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.local_dir", "data/misses")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "misses")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("events.history", 20)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.Contains(c.Scraper.URLTemplate, "%d") {
		return fmt.Errorf("scraper.url_template must contain %%d")
	}
	if c.Scraper.PageBudget <= 0 {
		return fmt.Errorf("scraper.page_budget must be > 0")
	}
	if c.Scraper.MaxAttempts <= 0 {
		return fmt.Errorf("scraper.max_attempts must be > 0")
	}
	if c.Scraper.RetryBackoff < 0 || c.Scraper.PageDelay < 0 {
		return fmt.Errorf("scraper delays must be >= 0")
	}
	switch c.Scraper.Transport {
	case TransportDirect, TransportProxy, TransportHeadless:
	default:
		return fmt.Errorf("scraper.transport must be one of direct, proxy, headless; got %q", c.Scraper.Transport)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Scraper.Transport == TransportProxy && c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be > 0 when the proxy transport is selected")
	}
	if c.Scraper.Transport == TransportHeadless && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless transport is selected")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory, ArchiveLocal:
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs; got %q", c.Archive.Backend)
	}
	if (c.Events.ProjectID == "") != (c.Events.Topic == "") {
		return fmt.Errorf("events.project_id and events.topic must be set together")
	}
	return nil
}

// ProxyEnabled reports whether the proxy transport has the credential it needs.
func (c Config) ProxyEnabled() bool {
	return strings.TrimSpace(c.Proxy.APIKey) != ""
}

// RequestTimeout returns the per-request timeout of the selected transport.
func (c Config) RequestTimeout() time.Duration {
	switch c.Scraper.Transport {
	case TransportProxy:
		return c.Proxy.Timeout
	case TransportHeadless:
		return c.Headless.NavTimeout
	default:
		return c.HTTP.Timeout
	}
}

// WorstCaseRefresh bounds one full refresh: every page spends all its attempts
// at the transport timeout plus backoff, with pacing between pages.
func (c Config) WorstCaseRefresh() time.Duration {
	pages := time.Duration(max(c.Scraper.PageBudget, 0))
	attempts := time.Duration(max(c.Scraper.MaxAttempts, 0))
	worst := pages * attempts * (c.RequestTimeout() + c.Scraper.RetryBackoff)
	if pages > 1 {
		worst += (pages - 1) * c.Scraper.PageDelay
	}
	return worst
}
