// Command sweep dispatches every due task once and exits. It is meant to be
// started by an external scheduler such as cron or a Kubernetes CronJob.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sheetmailer/internal/app"
	"sheetmailer/internal/config"
	"sheetmailer/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "sweep-main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() { _ = a.Close() }()

	reports, err := a.Sweeper.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
		logger.Info().
			Str("task_id", r.TaskID).
			Str("subject", r.Subject).
			Int("sent", r.Sent).
			Int("skipped", r.Skipped()).
			Int("failed_rows", len(r.Failed)).
			Str("outcome", r.Outcome()).
			Msg("task dispatched")
	}
	logger.Info().Int("tasks", len(reports)).Int("errors", failed).Msg("sweep finished")
	return nil
}
