package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sheetmailer/internal/api"
	"sheetmailer/internal/app"
	"sheetmailer/internal/config"
	"sheetmailer/internal/database"
	"sheetmailer/internal/logging"
	"sheetmailer/internal/metrics"
	"sheetmailer/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("build application")
		return err
	}
	defer func() { _ = a.Close() }()

	if err := seedSenders(ctx, a, logger); err != nil {
		return err
	}

	initNotifier(cfg, a, logger)
	startMetrics(ctx, cfg, logger)
	startBackups(ctx, cfg, a.DB, logger)

	if err := startScheduler(ctx, cfg, a, logger); err != nil {
		return err
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, running the scheduler only")
		<-ctx.Done()
		a.Tasks.Wait()
		return nil
	}

	limiter := api.NewRateLimiter(cfg.API.RateLimit)
	grpcServer, err := api.NewGRPCServer(&cfg.API, limiter, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	go grpcServer.WatchReadiness(ctx, a.Store, 15*time.Second)

	httpServer := api.NewHTTPServer(&cfg.API, api.Deps{
		Tasks:     a.Tasks,
		Senders:   a.Senders,
		Sheets:    a.Rows,
		ShareWith: a.ShareWith,
		Store:     a.Store,
	}, limiter, logger)

	err = startServers(ctx, grpcServer, httpServer, cfg, logger)
	a.Tasks.Wait()
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

func seedSenders(ctx context.Context, a *app.App, logger *zerolog.Logger) error {
	path := os.Getenv("SENDERS_PATH")
	if path == "" {
		return nil
	}
	created, err := a.SeedSenders(ctx, path)
	if err != nil {
		logger.Error().Err(err).Str("senders_path", path).Msg("seed senders")
		return err
	}
	logger.Info().Int("created", created).Str("senders_path", path).Msg("senders seeded")
	return nil
}

func initNotifier(cfg *config.Config, a *app.App, logger *zerolog.Logger) {
	if !cfg.Telegram.Enabled() {
		return
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		return
	}
	bot.Debug = cfg.Telegram.Debug

	notifier := service.NewTelegramNotifier(bot, cfg.Telegram.ChatIDs, logging.Component(logger, "notifier"))
	notifier.Subscribe(a.Bus)
	logger.Info().Str("bot", bot.Self.UserName).Int("chats", len(cfg.Telegram.ChatIDs)).Msg("telegram notifications enabled")
}

func startScheduler(ctx context.Context, cfg *config.Config, a *app.App, logger *zerolog.Logger) error {
	mode := cfg.Scheduler.Mode
	if mode == config.ModeSweep || mode == config.ModeBoth {
		go a.Sweeper.Start(ctx)
	}
	if a.Timers != nil {
		if err := a.Timers.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("start timers")
			return err
		}
	}
	logger.Info().Str("mode", mode).Dur("sweep_interval", cfg.Scheduler.SweepInterval).Msg("scheduler started")
	return nil
}

func startBackups(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) {
	if db == nil || !cfg.Backup.Enabled {
		return
	}
	backups := database.NewBackupService(db, cfg.Database.Path, cfg.Backup, logging.Component(logger, "backup"))
	go backups.Start(ctx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
