// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/api"
	"github.com/JakeFAU/bookmeta/internal/clock/system"
	"github.com/JakeFAU/bookmeta/internal/config"
	"github.com/JakeFAU/bookmeta/internal/cover"
	"github.com/JakeFAU/bookmeta/internal/discovery"
	"github.com/JakeFAU/bookmeta/internal/dispatcher"
	"github.com/JakeFAU/bookmeta/internal/extract"
	collyfetcher "github.com/JakeFAU/bookmeta/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/bookmeta/internal/fetcher/headless"
	"github.com/JakeFAU/bookmeta/internal/hash/sha256"
	"github.com/JakeFAU/bookmeta/internal/headless/detector"
	"github.com/JakeFAU/bookmeta/internal/id/uuid"
	"github.com/JakeFAU/bookmeta/internal/logging"
	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/policy/ratelimit"
	"github.com/JakeFAU/bookmeta/internal/progress"
	progresssinks "github.com/JakeFAU/bookmeta/internal/progress/sinks"
	"github.com/JakeFAU/bookmeta/internal/sink"
	"github.com/JakeFAU/bookmeta/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	profile     extract.Profile
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	covers      *cover.Service
	coverCache  *cover.Cache
	progressHub *progress.Hub
	headless    *headlessfetcher.Fetcher
	closeOnce   sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	profile, err := cfg.Profile()
	if err != nil {
		return nil, fmt.Errorf("resolve site profile: %w", err)
	}
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort       int    `json:"server_port"`
		Site             string `json:"site"`
		DiscoveryEnabled bool   `json:"discovery_enabled"`
		HeadlessEnabled  bool   `json:"headless_enabled"`
		AuthEnabled      bool   `json:"auth_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:       cfg.Server.Port,
		Site:             profile.Name,
		DiscoveryEnabled: cfg.Discovery.Enabled,
		HeadlessEnabled:  cfg.Headless.Enabled,
		AuthEnabled:      cfg.Auth.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:     cfg,
		logger:  logger,
		profile: profile,
	}, nil
}

// Logger exposes the application logger for command output.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Identify runs one lookup pass and returns its records sorted by rank.
// The pass stops early when ctx ends.
func (a *App) Identify(ctx context.Context, query lookup.Query, timeout time.Duration) ([]lookup.Record, dispatcher.Report) {
	if timeout <= 0 {
		timeout = a.cfg.LookupTimeout()
	}
	abort := lookup.NewAbortSignal()
	stop := abort.AbortOnDone(ctx)
	defer stop()

	results := sink.New(a.sinkConfig())
	defer results.Close()
	report := a.dispatch.Identify(ctx, query, abort, timeout, results)
	records := results.Drain()
	sink.SortByRelevance(records)
	return records, report
}

// Cover downloads the cover image for query.
func (a *App) Cover(ctx context.Context, query lookup.Query, timeout time.Duration) (cover.Image, error) {
	if timeout <= 0 {
		timeout = a.cfg.LookupTimeout()
	}
	abort := lookup.NewAbortSignal()
	stop := abort.AbortOnDone(ctx)
	defer stop()

	img, err := a.covers.Download(ctx, query, abort, timeout)
	if err != nil {
		return cover.Image{}, fmt.Errorf("download cover: %w", err)
	}
	return img, nil
}

// Run serves the HTTP API and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
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

// Close gracefully shuts down the application. Calls after the first are
// no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability()
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
}

func (a *App) closeObservability() {
	// Sync on stderr returns EINVAL on some platforms; nothing useful to do with it.
	_ = a.logger.Sync()
}

func (a *App) sinkConfig() sink.Config {
	return sink.Config{
		Capacity:       a.cfg.Lookup.SinkCapacity,
		EnqueueTimeout: time.Duration(a.cfg.Lookup.SinkEnqueueTimeout) * time.Millisecond,
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

// BuildWithLogger wires the application around an existing logger and
// metrics registry.
func BuildWithLogger(_ context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	progressEmitter, err := setupProgress(app, reg)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:    cfg.RateLimit.DefaultRPS,
		DefaultBurst:  cfg.RateLimit.DefaultBurst,
		HostRPS:       cfg.HostRPS(),
		HeadlessRPS:   cfg.RateLimit.HeadlessRPS,
		HeadlessBurst: cfg.RateLimit.HeadlessBurst,
	})
	pageFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
		Limiter:       limiter,
	})
	app.logger.Info("using colly page fetcher",
		zap.String("user_agent", cfg.HTTP.UserAgent),
		zap.Bool("respect_robots", cfg.HTTP.RespectRobots),
	)

	searcher, err := setupDiscovery(app, pageFetcher)
	if err != nil {
		return nil, err
	}

	app.coverCache = cover.NewCache(
		time.Duration(cfg.Cover.CacheTTLSeconds)*time.Second,
		cfg.Cover.CacheMaxEntries,
		system.New(),
	)

	app.dispatch, err = setupDispatcher(app, pageFetcher, limiter, searcher, progressEmitter)
	if err != nil {
		return nil, err
	}

	// One extra byte lets the service tell an oversized image from one that
	// exactly fits.
	coverFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		MaxBodySize:   cfg.Cover.MaxBytes + 1,
		Limiter:       limiter,
	})
	app.covers = cover.NewService(
		cover.Config{MaxBytes: cfg.Cover.MaxBytes, Sink: app.sinkConfig()},
		app.coverCache,
		app.dispatch,
		coverFetcher,
		logger.Named("cover"),
	)

	app.apiServer = api.NewServer(app.dispatch, app.covers, *cfg, logger.Named("api"))
	return app, nil
}

func setupProgress(app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupDiscovery(app *App, fetcher lookup.Fetcher) (lookup.Searcher, error) {
	if !app.cfg.Discovery.Enabled {
		app.logger.Info("candidate discovery disabled")
		return nil, nil
	}
	searcher, err := discovery.New(discovery.Config{
		SearchURL:        app.cfg.Discovery.SearchURL,
		ResultSelector:   app.cfg.Discovery.ResultSelector,
		Limit:            app.cfg.Discovery.MaxResults,
		MaxTitleDistance: app.cfg.Discovery.MaxTitleDistance,
	}, app.profile, fetcher, app.logger.Named("discovery"))
	if err != nil {
		return nil, fmt.Errorf("discovery init failed: %w", err)
	}
	app.logger.Info("candidate discovery enabled",
		zap.String("search_url", app.cfg.Discovery.SearchURL),
		zap.Int("max_results", app.cfg.Discovery.MaxResults),
	)
	return searcher, nil
}

func setupDispatcher(
	app *App,
	pageFetcher lookup.Fetcher,
	limiter *ratelimit.Limiter,
	searcher lookup.Searcher,
	progressEmitter progress.Emitter,
) (*dispatcher.Dispatcher, error) {
	extractor, err := extract.New(app.profile, app.cfg.LanguageMap())
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	deps := worker.Deps{
		Fetcher:   pageFetcher,
		Pages:     app.profile,
		Extractor: extractor,
		Covers:    app.coverCache,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		Progress:  progressEmitter,
		Logger:    app.logger.Named("worker"),
	}
	if app.cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			deps.Headless = app.headless
			deps.Detector = detector.NewHeuristic(app.cfg.Headless.PromotionThresh, "")
			deps.Budget = limiter
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		}
	}

	stagger := app.cfg.Stagger()
	if stagger == 0 {
		stagger = -1
	}
	dispatchCfg := dispatcher.Config{
		Stagger:          stagger,
		PollInterval:     app.cfg.PollInterval(),
		MaxDiscovered:    app.cfg.Discovery.MaxResults,
		InterruptOnAbort: app.cfg.Lookup.InterruptOnAbort,
	}
	app.logger.Info("dispatcher config",
		zap.String("site", app.profile.Name),
		zap.Duration("stagger", dispatchCfg.Stagger),
		zap.Duration("poll_interval", dispatchCfg.PollInterval),
		zap.Int("max_discovered", dispatchCfg.MaxDiscovered),
		zap.Bool("interrupt_on_abort", dispatchCfg.InterruptOnAbort),
	)
	return dispatcher.New(dispatchCfg, app.profile, searcher, deps, uuid.New()), nil
}
