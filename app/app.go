// Package app wires the condition engine to its collaborators (broker feed,
// candle history, store, notifier, scheduler) and serves the monitor API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/tickline/tickline/engine"
	"github.com/tickline/tickline/feed"
	"github.com/tickline/tickline/history"
	"github.com/tickline/tickline/notify"
	"github.com/tickline/tickline/ops"
	"github.com/tickline/tickline/sched"
	"github.com/tickline/tickline/store"
	"github.com/tickline/tickline/web"
)

// App is the composed service: configuration plus every running component.
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer

	registry  *engine.Registry
	coord     *engine.Coordinator
	lifecycle *engine.Lifecycle
}

// Config holds the application configuration, read from the environment.
type Config struct {
	KiteAPIKey      string
	KiteAccessToken string

	AppHost string
	AppPort string

	DBPath string

	// Telegram (opt-in: set TELEGRAM_BOT_TOKEN to enable touch notifications)
	TelegramBotToken string
	TelegramChatID   string
	telegramChatID   int64

	MarketTimezone string
	MarketOpen     string
	MarketClose    string

	TickWorkers string
	tickWorkers int
}

const (
	DefaultHost    = "localhost"
	DefaultPort    = "8080"
	DefaultDBPath  = "tickline.db"
	DefaultTZ      = "Asia/Kolkata"
	DefaultOpen    = "09:15"
	DefaultClose   = "15:30"
	DefaultWorkers = 4
)

// NewApp creates a new application instance with logger.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			KiteAPIKey:      os.Getenv("KITE_API_KEY"),
			KiteAccessToken: os.Getenv("KITE_ACCESS_TOKEN"),

			AppHost: os.Getenv("APP_HOST"),
			AppPort: os.Getenv("APP_PORT"),

			DBPath: os.Getenv("DB_PATH"),

			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

			MarketTimezone: os.Getenv("MARKET_TZ"),
			MarketOpen:     os.Getenv("MARKET_OPEN"),
			MarketClose:    os.Getenv("MARKET_CLOSE"),

			TickWorkers: os.Getenv("TICK_WORKERS"),
		},
		Version:   "v0.0.0", // Ideally injected at build time
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the reported version.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log ring served by the monitor API.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig applies defaults and validates the configuration.
func (app *App) LoadConfig() error {
	cfg := app.Config

	if cfg.AppHost == "" {
		cfg.AppHost = DefaultHost
	}
	if cfg.AppPort == "" {
		cfg.AppPort = DefaultPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.MarketTimezone == "" {
		cfg.MarketTimezone = DefaultTZ
	}
	if cfg.MarketOpen == "" {
		cfg.MarketOpen = DefaultOpen
	}
	if cfg.MarketClose == "" {
		cfg.MarketClose = DefaultClose
	}

	if cfg.KiteAPIKey == "" || cfg.KiteAccessToken == "" {
		return fmt.Errorf("KITE_API_KEY and KITE_ACCESS_TOKEN must be set")
	}

	cfg.tickWorkers = DefaultWorkers
	if cfg.TickWorkers != "" {
		n, err := strconv.Atoi(cfg.TickWorkers)
		if err != nil || n <= 0 {
			return fmt.Errorf("TICK_WORKERS must be a positive integer, got %q", cfg.TickWorkers)
		}
		cfg.tickWorkers = n
	}

	if cfg.TelegramBotToken != "" {
		if cfg.TelegramChatID == "" {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is")
		}
		id, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be numeric, got %q", cfg.TelegramChatID)
		}
		cfg.telegramChatID = id
	}

	return nil
}

// Run assembles every component and blocks until SIGINT/SIGTERM.
func (app *App) Run() error {
	cfg := app.Config

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		return fmt.Errorf("load market timezone: %w", err)
	}
	openTod, err := sched.ParseTimeOfDay(cfg.MarketOpen)
	if err != nil {
		return err
	}
	closeTod, err := sched.ParseTimeOfDay(cfg.MarketClose)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	notifier, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.telegramChatID, app.logger)
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}

	kc := kiteconnect.New(cfg.KiteAPIKey)
	kc.SetAccessToken(cfg.KiteAccessToken)
	bars := history.NewCache(history.NewKite(kc, loc), loc, app.logger)

	// The feed's tick handler routes into the dispatcher, which is built
	// after the feed; the indirection closes the cycle.
	var dispatcher *engine.Dispatcher
	quoteFeed := feed.NewKite(cfg.KiteAPIKey, cfg.KiteAccessToken, func(t engine.Tick) {
		dispatcher.HandleTick(t)
	}, app.logger)

	coord := engine.NewCoordinator(quoteFeed, app.logger)
	registry := engine.NewRegistry(coord, app.logger)
	eval := engine.NewEvaluator(bars, loc, app.logger)
	pipeline := engine.NewPipeline(registry, coord, db, notifier, app.logger)
	dispatcher = engine.NewDispatcher(cfg.tickWorkers, registry, eval, pipeline, app.logger)
	lifecycle := engine.NewLifecycle(registry, coord, db, app.logger)

	app.registry = registry
	app.coord = coord
	app.lifecycle = lifecycle

	scheduler, err := sched.New(loc, openTod, closeTod,
		lifecycle.RegisterAllActive, lifecycle.UnregisterAll, app.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pipeline.Run(ctx)
	dispatcher.Start(ctx)
	quoteFeed.Start()
	go scheduler.Run(ctx)

	// A restart inside the session must not wait for the next open.
	if app.inSession(time.Now().In(loc), openTod, closeTod) {
		app.logger.Info("Restarted mid-session, registering active conditions")
		lifecycle.RegisterAllActive(ctx)
	}

	rl := web.NewRateLimiter()
	defer rl.Close()

	srv := &http.Server{
		Addr:         cfg.AppHost + ":" + cfg.AppPort,
		Handler:      rl.Middleware(app.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		app.logger.Info("Monitor API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	app.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("HTTP shutdown error", "error", err)
	}

	quoteFeed.Stop()
	dispatcher.Wait()
	select {
	case <-pipeline.Done():
	case <-shutdownCtx.Done():
		app.logger.Warn("Pipeline did not drain before shutdown deadline")
	}

	app.logger.Info("Shutdown complete")
	return nil
}

func (app *App) inSession(now time.Time, open, close sched.TimeOfDay) bool {
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= open.Hour*60+open.Minute && minutes < close.Hour*60+close.Minute
}
