/**
 * Page OCR Worker - Main Entry Point
 *
 * Queue-driven worker that prepares document pages for text recognition and
 * runs on-device OCR.
 *
 * Architecture:
 * - Asynq consumer for ocr:submit and ocr:cancel tasks
 * - Single-engine job controller (pages sequential, newest job wins)
 * - Redis pub/sub event stream plus status hash
 * - Optional PostgreSQL ledger for job status and page metrics
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/docprep-worker/internal/config"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/processor"
	"github.com/adverant/nexus/docprep-worker/internal/queue"
	"github.com/adverant/nexus/docprep-worker/internal/recognition/tesseract"
	"github.com/adverant/nexus/docprep-worker/internal/render"
	"github.com/adverant/nexus/docprep-worker/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	logger := logging.NewLogger("worker")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger.Info("Page OCR worker starting",
		"queue", cfg.QueueName,
		"concurrency", cfg.WorkerConcurrency,
		"ledger", cfg.DatabaseURL != "")

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	// Event sinks
	publisher, err := queue.NewPublisher(cfg.RedisURL, cfg.QueueName, logger.With("component", "publisher"))
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publisher.Close()
	sinks := processor.MultiSink{publisher}

	var db *storage.PostgresClient
	var ledger *storage.Ledger
	if cfg.DatabaseURL != "" {
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to ledger database: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return err
		}
		ledger = storage.NewLedger(db, logger.With("component", "ledger"))
		sinks = append(sinks, ledger)
		logger.Info("Ledger enabled")
	}

	// Controller
	renderer := render.NewRenderer(render.NewImageProvider())
	renderer.ScaleFast = cfg.ScaleFast
	renderer.ScaleAccurate = cfg.ScaleAccurate
	renderer.MaxPixels = cfg.MaxRenderPixels

	controller, err := processor.NewController(processor.ControllerConfig{
		Renderer: renderer,
		Engine:   tesseract.NewEngine(),
		Sink:     sinks,
		Hints:    render.NewPDFHintReader(),
		Logger:   logger.With("component", "controller"),
		Settings: cfg.Settings,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	// Queue consumer
	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		QueueName:   cfg.QueueName,
		Concurrency: cfg.WorkerConcurrency,
		Controller:  controller,
		Logger:      logger.With("component", "queue"),
	})
	if err != nil {
		controller.Close()
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		controller.Close()
		return err
	}
	logger.Info("Worker is ready, waiting for jobs", "events", publisher.EventsChannel())
	if cfg.HealthInterval > 0 {
		go reportHealth(ctx, cfg.HealthInterval, consumer, publisher, db, logger.With("component", "health"))
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, initiating graceful shutdown")

	// Stop intake first so no submission races the controller's close
	if err := consumer.Stop(context.Background()); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}
	if err := controller.Close(); err != nil {
		logger.Warn("Error closing controller", "error", err)
	}
	if ledger != nil {
		ledger.Close()
	}

	stats, err := publisher.GetStats(context.Background())
	if err == nil {
		logger.Info("Final queue statistics", "processing", stats["processing"], "completed", stats["completed"],
			"failed", stats["failed"], "cancelled", stats["cancelled"])
	}
	return nil
}

// reportHealth periodically logs queue counters and ledger pool state until ctx ends
func reportHealth(ctx context.Context, every time.Duration, consumer *queue.Consumer, publisher *queue.Publisher, db *storage.PostgresClient, logger *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info := consumer.GetStatistics()
		fields := []interface{}{"queue", info["queue"], "concurrency", info["concurrency"]}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		counts, err := publisher.GetStats(checkCtx)
		if err != nil {
			logger.Warn("Failed to read queue counters", "error", err)
		} else {
			fields = append(fields, "processing", counts["processing"], "completed", counts["completed"],
				"failed", counts["failed"], "cancelled", counts["cancelled"])
		}
		if db != nil {
			if err := db.Ping(checkCtx); err != nil {
				logger.Warn("Ledger database unreachable", "error", err)
			}
			pool := db.GetStats()
			fields = append(fields, "db_open", pool.OpenConnections, "db_in_use", pool.InUse, "db_idle", pool.Idle)
		}
		cancel()

		logger.Info("Worker health", fields...)
	}
}
