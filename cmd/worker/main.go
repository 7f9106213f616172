package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/log"
)

// Worker consumes card render jobs queued by enrollment, writes each card to
// CARD_OUTPUT_DIR and publishes it when Cloudinary is configured.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.New("worker", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := log.New("worker", cfg.Env)

	if cfg.QueueBackend == "memory" {
		logger.Error("the worker needs a shared queue; set QUEUE_BACKEND=redis")
		os.Exit(1)
	}

	deps, err := app.Open(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("open dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	if cfg.CloudinaryEnabled() {
		logger.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		logger.Info("cloudinary not configured; cards are only written locally", "dir", cfg.CardOutputDir)
	}

	logger.Info("worker started, waiting for jobs", "queue", cfg.QueueKey)
	if err := deps.CardRenderer().Run(ctx, deps.Queue); err != nil {
		logger.Error("worker failed", "err", err)
		return
	}
	logger.Info("worker stopped")
}
