// main.go - headless warehouse ingestion worker
//
// Runs the ingestion scheduler without the capture HTTP server, for
// deployments that separate capture traffic from warehouse delivery.
package main

import (
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"tradepost/internal/config"
	"tradepost/internal/database"
	"tradepost/internal/jobs"
)

func main() {
	cfg := config.GetConfig()
	logger := newWorkerLogger(cfg)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	logger.Info("Running database migrations...")
	if err := dbManager.MigrateDatabase(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	scheduler, err := jobs.NewScheduler(dbManager, logger)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	logger.Info("Ingestion worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigChan

	logger.Info("Received signal, shutting down", slog.String("signal", sig.String()))
	scheduler.Stop()

	if err := dbManager.CheckpointWAL("FULL"); err != nil {
		logger.Warn("Failed to checkpoint WAL on shutdown", slog.Any("error", err))
	}
	logger.Info("Ingestion worker stopped")
}

// newWorkerLogger builds a JSON slog logger writing to stdout and a rotating
// log file.
func newWorkerLogger(cfg *config.Config) *slog.Logger {
	roller := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.GetLogDirectory(), "tradepost-worker.log"),
		MaxSize:    cfg.GetLogMaxSizeMB(),
		MaxBackups: cfg.GetLogMaxBackups(),
		MaxAge:     cfg.GetLogMaxAgeDays(),
		Compress:   true,
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.GetLogLevel()) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, roller), &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
