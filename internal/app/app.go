/**
 * Main Application Coordinator for tgfiles
 *
 * Features:
 * - Dependency injection and initialization
 * - Component lifecycle management
 * - Graceful shutdown handling
 * - Signal handling (SIGINT/SIGTERM)
 * - Ops endpoint serving /healthz and /metrics
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-21: Engine wiring (registry, discovery, queue, scheduler, batches)
 * - 2025-03-24: Ops endpoint and notifications
 */

package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"

	"github.com/fmaass/telegram-files/internal/automation"
	"github.com/fmaass/telegram-files/internal/batch"
	"github.com/fmaass/telegram-files/internal/config"
	"github.com/fmaass/telegram-files/internal/discovery"
	"github.com/fmaass/telegram-files/internal/download"
	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/filter"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/metrics"
	"github.com/fmaass/telegram-files/internal/notify"
	"github.com/fmaass/telegram-files/internal/queue"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/scheduler"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	eventBufferSize  = 256
	filterCacheSize  = 128
	shutdownTimeout  = 5 * time.Second
	batchWaitPoll    = 500 * time.Millisecond
	memoryTransferIn = 2 * time.Second
)

// App is the main application coordinator.
type App struct {
	config       *config.Config
	logger       *logger.Logger
	errorHandler *errors.Handler
	stateManager *state.Manager
	source       remote.Source
	limited      *remote.Limited
	bus          *events.Bus
	registry     *automation.Registry
	discovery    *discovery.Engine
	queue        *queue.Service
	starter      *download.Starter
	scheduler    *scheduler.Scheduler
	batches      *batch.Coordinator
	metrics      *metrics.Metrics
	notifier     notify.Notifier
	server       *http.Server

	logFile io.Closer

	shutdownChan  chan struct{}
	updatesOnce   sync.Once
	updatesCancel context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.RWMutex
	shutdownOnce  sync.Once
	isInitialized bool
	isRunning     bool
}

// Option customizes an App before initialization.
type Option func(*App)

// WithConfig uses cfg instead of loading the configuration file.
func WithConfig(cfg *config.Config) Option {
	return func(app *App) {
		app.config = cfg
	}
}

// WithSource uses source as the remote content source instead of the
// configured replay file.
func WithSource(source remote.Source) Option {
	return func(app *App) {
		app.source = source
	}
}

// WithNotifier overrides the configured notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(app *App) {
		app.notifier = n
	}
}

// New creates a new application instance.
func New(opts ...Option) (*App, error) {
	app := &App{
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app, nil
}

// Initialize builds every component from the configuration.
func (app *App) Initialize() error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.isInitialized {
		return errors.Errorf("application already initialized")
	}

	// Load configuration
	if app.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		app.config = cfg
	}
	cfg := app.config

	if err := app.initializeLogger(); err != nil {
		return err
	}

	app.logger.Info("Initializing tgfiles",
		"version", cfg.Version,
		"config", viper.ConfigFileUsed(),
		"data_dir", cfg.DataDir,
	)

	// Remote calls retry flood waits and transport errors up to the
	// configured attempts
	app.errorHandler = errors.NewHandler(app.logger)
	if cfg.Remote.MaxRetries > 0 {
		for _, t := range []errors.ErrorType{errors.ErrorTypeAPIQuota, errors.ErrorTypeNetwork} {
			if policy := app.errorHandler.GetRetryPolicy(t); policy != nil {
				p := *policy
				p.MaxAttempts = cfg.Remote.MaxRetries
				app.errorHandler.SetRetryPolicy(t, &p)
			}
		}
	}

	// Initialize database
	dbPath := app.expandPath(cfg.Database.Path)
	dbConfig := state.DefaultConfig()
	dbConfig.Path = dbPath
	if cfg.Database.MaxOpenConns > 0 {
		dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.MaxIdleTime > 0 {
		dbConfig.MaxIdleTime = cfg.DatabaseIdleTime()
	}
	manager, err := state.NewManager(dbConfig)
	if err != nil {
		return errors.Wrap(err, "failed to initialize state manager")
	}
	app.stateManager = manager
	app.logger.Info("Database ready", "path", dbPath, "schema", state.SchemaVersion)

	if err := app.initializeSource(); err != nil {
		app.stateManager.Close()
		return err
	}

	app.initializeEngine()
	app.initializeMetrics()
	app.initializeNotifier()

	app.isInitialized = true
	app.logger.Info("Application initialized successfully")

	return nil
}

func (app *App) initializeLogger() error {
	cfg := app.config

	var output io.Writer = os.Stdout
	switch cfg.Log.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		path := app.expandPath(cfg.Log.File)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		w, err := logger.NewFileWriter(path, int64(cfg.Log.MaxSize)*1024*1024, cfg.Log.MaxBackups)
		if err != nil {
			return errors.Wrap(err, "failed to open log file")
		}
		output = w
		app.logFile = w
	}

	app.logger = logger.New(&logger.Config{
		Level:         cfg.Log.Level,
		Output:        output,
		Pretty:        cfg.Log.Format == "pretty",
		IncludeCaller: cfg.Log.Level == "debug" || cfg.Log.Level == "trace",
		TimeFormat:    time.RFC3339,
	})
	if app.logger == nil {
		return errors.NewSimple("failed to initialize logger")
	}
	return nil
}

// initializeSource loads the replay file unless a source was injected and
// wraps the result with per-account rate limiting.
func (app *App) initializeSource() error {
	cfg := app.config

	if app.source == nil {
		var mem *remote.MemorySource
		if cfg.Remote.ReplayFile != "" {
			loaded, err := remote.LoadReplay(app.expandPath(cfg.Remote.ReplayFile))
			if err != nil {
				return errors.Wrap(err, "failed to load replay file")
			}
			mem = loaded
			app.logger.Info("Replay source loaded",
				"file", cfg.Remote.ReplayFile,
				"accounts", len(mem.Accounts()),
			)
		} else {
			mem = remote.NewMemorySource()
			app.logger.Warn("No remote source configured, using an empty replay source")
		}
		mem.SetAutoComplete(memoryTransferIn)
		mem.SetDownloadDir(filepath.Join(cfg.DataDir, "downloads"))
		app.source = mem
	}

	limiterConfig := remote.DefaultRateLimiterConfig()
	if cfg.Remote.RateLimit > 0 {
		limiterConfig.RateLimit = cfg.Remote.RateLimit
		limiterConfig.TransferRateLimit = cfg.Remote.RateLimit / 4
	}
	if cfg.Remote.Burst > 0 {
		limiterConfig.BurstSize = cfg.Remote.Burst
	}

	app.limited = remote.NewLimited(
		app.source,
		remote.NewAccountLimiters(limiterConfig),
		app.errorHandler,
		cfg.RequestTimeout(),
	)
	return nil
}

func (app *App) initializeEngine() {
	cfg := app.config
	files := app.stateManager.Files()
	settings := app.stateManager.Settings()

	app.bus = events.NewBus(eventBufferSize, app.logger)
	app.registry = automation.NewRegistry(settings, app.logger, cfg.Accounts)
	app.queue = queue.NewService(files, app.logger)

	app.discovery = discovery.NewEngine(app.limited, files, app.queue, app.logger, discovery.Options{
		Budget:    cfg.ScanBudget(),
		Sentinels: discovery.NewSentinelCache(cfg.Scheduler.SentinelCacheSize, cfg.SentinelTTL()),
		Filters:   filter.NewCache(filterCacheSize),
	})

	app.starter = download.NewStarter(app.limited, files, app.logger, download.Options{
		TrackDownloaded: cfg.Download.TrackDownloaded,
	})
	app.starter.PublishTo(app.bus)

	app.scheduler = scheduler.New(scheduler.Deps{
		Registry:  app.registry,
		Discovery: app.discovery,
		Queue:     app.queue,
		Starter:   app.starter,
		Source:    app.limited,
		Files:     files,
		Settings:  settings,
		Bus:       app.bus,
		Logger:    app.logger,
	}, scheduler.Options{
		DiscoveryInterval: cfg.DiscoveryInterval(),
		DownloadInterval:  cfg.DownloadInterval(),
		DefaultLimit:      cfg.Scheduler.DefaultLimit,
	})

	app.batches = batch.New(app.starter, files, app.queue, app.bus, app.logger, batch.Options{
		BatchSize: cfg.Batch.Size,
		Interval:  cfg.BatchInterval(),
		Limit:     app.scheduler.Limit,
	})
}

func (app *App) initializeMetrics() {
	app.metrics = metrics.New()
	app.metrics.Observe(app.bus)
	app.metrics.RegisterLimiters(app.limited.Limiters())
	app.metrics.RegisterFiles(app.stateManager.Files())
	app.metrics.RegisterGauge("automations", "Configured automations.", func() float64 {
		return float64(len(app.registry.List()))
	})
	app.metrics.RegisterGauge("automations_download_enabled", "Automations with downloads enabled.", func() float64 {
		return float64(len(app.registry.DownloadEnabled()))
	})
	app.metrics.RegisterGauge("download_limit", "Per-account concurrent download limit.", func() float64 {
		return float64(app.scheduler.Limit())
	})
}

func (app *App) initializeNotifier() {
	cfg := app.config

	if app.notifier == nil {
		app.notifier = notify.Nop{}
		if cfg.Notify.BotToken != "" {
			n, err := notify.NewTelegram(cfg.Notify.BotToken, cfg.Notify.ChatID, cfg.Notify.ThreadID)
			if err != nil {
				app.logger.Error(err, "Notifications disabled")
			} else {
				app.notifier = n
				app.logger.Info("Notifications enabled", "chat", cfg.Notify.ChatID)
			}
		}
	}
	notify.Forward(app.bus, app.notifier, app.logger)
}

// Run loads the automations and drives the engine until ctx is done, a
// signal arrives or Stop is called.
func (app *App) Run(ctx context.Context) error {
	if err := app.ensureReady(); err != nil {
		return err
	}

	app.mu.Lock()
	if app.isRunning {
		app.mu.Unlock()
		return errors.Errorf("engine already running")
	}
	app.isRunning = true
	app.mu.Unlock()

	defer func() {
		app.mu.Lock()
		app.isRunning = false
		app.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go app.handleSignals(ctx, cancel)

	if err := app.registry.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load automations")
	}
	stopWatch := app.registry.Watch(ctx)
	defer stopWatch()

	var wg sync.WaitGroup
	if poll := app.config.SettingsPoll(); poll > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.stateManager.Settings().Watch(ctx, poll, func(err error) {
				app.logger.Warn("Settings poll failed", "error", err.Error())
			})
		}()
	}

	app.followUpdates()

	if mp, ok := app.source.(remote.MessageSource); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.scheduler.Watch(ctx, mp.NewMessages())
		}()
	}

	if err := app.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}
	defer app.scheduler.Stop()

	if app.config.Metrics.Enabled {
		app.startServer(&wg)
	}

	app.logger.Info("Engine running",
		"automations", len(app.registry.List()),
		"limit", app.scheduler.Limit(),
	)

	select {
	case <-ctx.Done():
	case <-app.shutdownChan:
	}
	app.logger.Info("Engine stopping")

	app.stopServer()
	cancel()
	wg.Wait()

	return nil
}

// RunOnce loads the automations and runs one discovery tick and one
// download tick.
func (app *App) RunOnce(ctx context.Context) error {
	if err := app.ensureReady(); err != nil {
		return err
	}

	if err := app.registry.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load automations")
	}
	if err := app.scheduler.LoadSettings(ctx); err != nil {
		app.logger.Warn("Failed to load scheduler settings, using defaults", "error", err.Error())
	}

	app.followUpdates()
	app.scheduler.DiscoveryTick(ctx)
	app.scheduler.DownloadTick(ctx)
	app.bus.Wait()
	return nil
}

// Submit hands manual download requests to the batch coordinator.
func (app *App) Submit(ctx context.Context, requests []batch.Request) (*batch.Summary, error) {
	if err := app.ensureReady(); err != nil {
		return nil, err
	}
	if err := app.scheduler.LoadSettings(ctx); err != nil {
		app.logger.Warn("Failed to load scheduler settings, using defaults", "error", err.Error())
	}

	app.followUpdates()
	return app.batches.Submit(ctx, requests)
}

// WaitBatches blocks until every queued batch request was started and
// left the downloading state.
func (app *App) WaitBatches(ctx context.Context) error {
	if err := app.ensureReady(); err != nil {
		return err
	}

	ticker := time.NewTicker(batchWaitPoll)
	defer ticker.Stop()

	for !app.batches.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-app.shutdownChan:
			return errors.New(errors.ErrorTypeContext, "wait_batches", "", context.Canceled)
		case <-ticker.C:
		}
	}
	return nil
}

// followUpdates applies remote transfer updates to the file records. It
// runs at most once per App and stops with Stop.
func (app *App) followUpdates() {
	app.updatesOnce.Do(func() {
		src, ok := app.source.(remote.UpdateSource)
		if !ok {
			app.logger.Warn("Remote source does not report transfer updates")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		app.mu.Lock()
		app.updatesCancel = cancel
		app.mu.Unlock()

		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.starter.Run(ctx, src.Updates())
		}()
	})
}

// Router builds the ops HTTP handler.
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(app.metrics.Middleware(routePattern))

	r.Get("/healthz", app.handleHealth)
	r.Method(http.MethodGet, "/metrics", app.metrics.Handler())
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status      string `json:"status"`
		Database    string `json:"database"`
		Automations int    `json:"automations"`
		InWindow    bool   `json:"inWindow"`
		Limit       int    `json:"limit"`
	}{
		Status:      "ok",
		Database:    "ok",
		Automations: len(app.registry.List()),
		InWindow:    app.scheduler.InWindow(),
		Limit:       app.scheduler.Limit(),
	}

	code := http.StatusOK
	if err := app.stateManager.HealthCheck(r.Context()); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (app *App) startServer(wg *sync.WaitGroup) {
	srv := &http.Server{
		Addr:              app.config.Metrics.Listen,
		Handler:           app.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.mu.Lock()
	app.server = srv
	app.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.logger.Info("Ops endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error(err, "Ops endpoint failed", "addr", srv.Addr)
		}
	}()
}

func (app *App) stopServer() {
	app.mu.Lock()
	srv := app.server
	app.server = nil
	app.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		app.logger.Error(err, "Failed to stop ops endpoint")
	}
}

// Config returns the loaded configuration.
func (app *App) Config() *config.Config {
	return app.config
}

// Logger returns the application logger.
func (app *App) Logger() *logger.Logger {
	return app.logger
}

// State returns the record store.
func (app *App) State() *state.Manager {
	return app.stateManager
}

// Registry returns the automation registry.
func (app *App) Registry() *automation.Registry {
	return app.registry
}

// Scheduler returns the auto-download scheduler.
func (app *App) Scheduler() *scheduler.Scheduler {
	return app.scheduler
}

// Queue returns the download queue service.
func (app *App) Queue() *queue.Service {
	return app.queue
}

// Starter returns the transfer starter.
func (app *App) Starter() *download.Starter {
	return app.starter
}

// Batches returns the manual batch coordinator.
func (app *App) Batches() *batch.Coordinator {
	return app.batches
}

// Bus returns the event bus.
func (app *App) Bus() *events.Bus {
	return app.bus
}

// Metrics returns the Prometheus collectors.
func (app *App) Metrics() *metrics.Metrics {
	return app.metrics
}

// IsRunning reports whether Run is active.
func (app *App) IsRunning() bool {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.isRunning
}

// Stop stops the application gracefully.
func (app *App) Stop() error {
	app.shutdownOnce.Do(func() {
		close(app.shutdownChan)

		if app.logger != nil {
			app.logger.Info("Shutting down tgfiles...")
		}

		app.stopServer()
		if app.scheduler != nil {
			app.scheduler.Stop()
		}
		if app.batches != nil {
			app.batches.Close()
		}

		app.mu.Lock()
		cancel := app.updatesCancel
		app.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		app.wg.Wait()

		if app.bus != nil {
			app.bus.Close()
		}

		app.mu.Lock()
		defer app.mu.Unlock()

		// Close state manager
		if app.stateManager != nil {
			if err := app.stateManager.Close(); err != nil {
				app.logger.Error(err, "Failed to close state manager")
			}
		}

		if app.logger != nil {
			app.logger.Info("tgfiles shutdown complete")
		}
		if app.logFile != nil {
			_ = app.logFile.Close()
		}
	})

	return nil
}

// Private methods

func (app *App) ensureReady() error {
	app.mu.RLock()
	defer app.mu.RUnlock()

	if !app.isInitialized {
		return errors.Errorf("application not initialized")
	}
	return nil
}

func (app *App) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, stopSignals()...)
	defer signal.Stop(stopChan)

	reloadChan := make(chan os.Signal, 1)
	if sigs := reloadSignals(); len(sigs) > 0 {
		signal.Notify(reloadChan, sigs...)
		defer signal.Stop(reloadChan)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-stopChan:
			app.logger.Info("Received signal", "signal", sig.String())
			cancel()
			return
		case sig := <-reloadChan:
			app.logger.Info("Reloading settings", "signal", sig.String())
			app.reload(ctx)
		case <-app.shutdownChan:
			cancel()
			return
		}
	}
}

// reload re-reads automations and scheduler settings.
func (app *App) reload(ctx context.Context) {
	if err := app.registry.Load(ctx); err != nil {
		app.logger.Error(err, "Failed to reload automations")
	}
	if err := app.scheduler.LoadSettings(ctx); err != nil {
		app.logger.Error(err, "Failed to reload scheduler settings")
	}
}

func (app *App) expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	return path
}
