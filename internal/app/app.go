// Package app builds the scraper's dependencies from configuration and runs
// the HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/api"
	"github.com/JakeFAU/mfnews-scraper/internal/cache"
	"github.com/JakeFAU/mfnews-scraper/internal/clock/system"
	"github.com/JakeFAU/mfnews-scraper/internal/config"
	"github.com/JakeFAU/mfnews-scraper/internal/detector"
	"github.com/JakeFAU/mfnews-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/mfnews-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/mfnews-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/mfnews-scraper/internal/hash/sha256"
	"github.com/JakeFAU/mfnews-scraper/internal/id/uuid"
	"github.com/JakeFAU/mfnews-scraper/internal/keepalive"
	"github.com/JakeFAU/mfnews-scraper/internal/logging"
	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
	"github.com/JakeFAU/mfnews-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/mfnews-scraper/internal/publisher"
	memorypublisher "github.com/JakeFAU/mfnews-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/mfnews-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/mfnews-scraper/internal/scraper"
	gcsstorage "github.com/JakeFAU/mfnews-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mfnews-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/mfnews-scraper/internal/storage/memory"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	cache      *cache.Cache
	aggregator *scraper.Aggregator
	pages      *scraper.PageFetcher
	pinger     *keepalive.Pinger
	history    *memorypublisher.Publisher

	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("transport", cfg.Scraper.Transport),
		zap.Int("page_budget", cfg.Scraper.PageBudget),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
	)
	if worst := cfg.WorstCaseRefresh(); cfg.Server.RequestTimeout > 0 && worst > cfg.Server.RequestTimeout {
		logger.Warn("a slow refresh can outlast server.request_timeout; readers will get the previous snapshot",
			zap.Duration("worst_case_refresh", worst),
			zap.Duration("request_timeout", cfg.Server.RequestTimeout),
		)
	}

	fetcher, err := setupFetcher(app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	archive, err := setupArchive(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	clock := system.New()
	extractor := extract.New(cfg.Scraper.Origin, extract.WithMatchHook(func(strategy string, records int) {
		metrics.ObserveStrategyMatch(strategy)
		logger.Debug("extraction strategy matched",
			zap.String("strategy", strategy),
			zap.Int("records", records),
		)
	}))

	opts := []scraper.Option{
		scraper.WithSleeper(clock),
		scraper.WithMissClassifier(detector.NewHeuristic(0)),
		scraper.WithLogger(logger.Named("scraper")),
	}
	if archive != nil {
		opts = append(opts, scraper.WithArchive(scraper.Archive{
			Store:  archive,
			Hasher: sha256.New(),
			Prefix: cfg.Archive.Prefix,
		}))
	}
	app.pages = scraper.NewPageFetcher(scraper.Config{
		URLTemplate:  cfg.Scraper.URLTemplate,
		MaxAttempts:  cfg.Scraper.MaxAttempts,
		RetryBackoff: cfg.Scraper.RetryBackoff,
	}, fetcher, extractor, opts...)
	app.aggregator = scraper.NewAggregator(app.pages, clock, cfg.Scraper.PageDelay, logger.Named("aggregator"))

	app.cache = cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		PageBudget: cfg.Scraper.PageBudget,
		Topic:      cfg.Events.Topic,
	}, app.aggregator,
		cache.WithClock(clock),
		cache.WithPublisher(pub, uuid.New()),
		cache.WithLogger(logger.Named("cache")),
	)

	app.apiServer = api.NewServer(
		app.cache,
		clock,
		cfg,
		logger.Named("api"),
		api.WithHistory(refreshHistory{app.history}),
	)

	app.pinger, err = keepalive.New(keepalive.Config{
		URL:      cfg.KeepAlive.URL,
		Schedule: cfg.KeepAlive.Schedule,
		Timeout:  cfg.KeepAlive.Timeout,
		Logger:   logger.Named("keepalive"),
	})
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("keepalive init failed: %w", err)
	}

	return app, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scrape runs one aggregation outside the cache. A non-positive budget uses
// the configured page budget.
func (a *App) Scrape(ctx context.Context, budget int) news.Aggregate {
	if budget <= 0 {
		budget = a.cfg.Scraper.PageBudget
	}
	if !a.pages.Enabled() {
		a.logger.Warn("fetching disabled, scrape will return no records")
	}
	return a.aggregator.Collect(ctx, budget)
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.pinger.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.pinger != nil {
		a.pinger.Stop(ctx)
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func browserProfile(cfg config.Config) collyfetcher.Profile {
	return collyfetcher.Profile{
		UserAgent:      cfg.HTTP.UserAgent,
		Accept:         cfg.HTTP.Accept,
		AcceptLanguage: cfg.HTTP.AcceptLanguage,
		AcceptEncoding: cfg.HTTP.AcceptEncoding,
		Referer:        cfg.HTTP.Referer,
		Cookies:        cfg.HTTP.Cookies,
	}
}

// setupFetcher returns a nil fetcher when the selected transport cannot run,
// which leaves every page disabled rather than failing startup.
func setupFetcher(app *App) (news.Fetcher, error) {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})

	switch cfg.Scraper.Transport {
	case config.TransportHeadless:
		headers := http.Header{}
		headers.Set("Accept", cfg.HTTP.Accept)
		headers.Set("Accept-Language", cfg.HTTP.AcceptLanguage)
		headers.Set("Referer", cfg.HTTP.Referer)
		f, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			Headers:           headers,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Logger:            app.logger.Named("headless"),
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = f
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		return f, nil

	case config.TransportProxy:
		f, err := collyfetcher.New(collyfetcher.Config{
			Timeout: cfg.Proxy.Timeout,
			Profile: browserProfile(cfg),
			Proxy: &collyfetcher.ProxyConfig{
				Endpoint:    cfg.Proxy.Endpoint,
				APIKey:      cfg.Proxy.APIKey,
				Render:      cfg.Proxy.Render,
				CountryCode: cfg.Proxy.CountryCode,
			},
			Limiter: limiter,
			Logger:  app.logger.Named("fetcher"),
		})
		if errors.Is(err, collyfetcher.ErrProxyKeyMissing) {
			app.logger.Warn("proxy transport selected without SCRAPERAPI_KEY, fetching disabled")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("proxy fetcher init failed: %w", err)
		}
		app.logger.Info("using proxy fetcher",
			zap.String("endpoint", cfg.Proxy.Endpoint),
			zap.Bool("render", cfg.Proxy.Render),
		)
		return f, nil

	default:
		f, err := collyfetcher.New(collyfetcher.Config{
			Timeout: cfg.HTTP.Timeout,
			Profile: browserProfile(cfg),
			Limiter: limiter,
			Logger:  app.logger.Named("fetcher"),
		})
		if err != nil {
			return nil, fmt.Errorf("direct fetcher init failed: %w", err)
		}
		app.logger.Info("using direct fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))
		return f, nil
	}
}

func setupArchive(ctx context.Context, app *App) (news.BlobStore, error) {
	var err error
	switch app.cfg.Archive.Backend {
	case config.ArchiveGCS:
		app.logger.Info("archiving misses to GCS", zap.String("bucket", app.cfg.Archive.GCSBucket))
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:   app.cfg.Archive.GCSBucket,
			Metadata: map[string]string{"source": "mfnews-scraper"},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.ArchiveLocal:
		app.logger.Info("archiving misses locally", zap.String("path", app.cfg.Archive.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case config.ArchiveMemory:
		app.logger.Info("archiving misses in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Debug("miss archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (news.Publisher, error) {
	app.history = memorypublisher.New(app.cfg.Events.History)
	if app.cfg.Events.ProjectID == "" || app.cfg.Events.Topic == "" {
		app.logger.Debug("no Pub/Sub topic configured, keeping refresh events in memory")
		return app.history, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.Events.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.Events.Topic))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.Events.ProjectID),
		zap.String("topic", app.cfg.Events.Topic),
	)
	return publisher.NewTee(app.history, app.pubsubPublisher), nil
}

// refreshHistory reads refresh events back out of the in-memory ring.
type refreshHistory struct {
	pub *memorypublisher.Publisher
}

func (h refreshHistory) RecentRefreshes() []news.RefreshEvent {
	msgs := h.pub.Messages()
	events := make([]news.RefreshEvent, 0, len(msgs))
	for _, msg := range msgs {
		if event, ok := msg.Payload.(news.RefreshEvent); ok {
			events = append(events, event)
		}
	}
	return events
}
