package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/database"
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions. Cycles are serialized
	// explicitly: a tick that fires while the previous cycle is still
	// running is skipped, so two cycles can never deliver the same batch.
	processingMutex sync.Mutex
	isProcessing    bool

	// Job instances
	ingestJob *IngestJob

	ingestTicker *time.Ticker
}

func NewScheduler(dbManager *database.DBManager, logger *slog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.GetConfig()

	s := &Scheduler{
		dbManager: dbManager,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		enabled:   true,
		isRunning: false,
		cfg:       cfg,
	}

	s.ingestJob = NewIngestJob(dbManager, logger, cfg)

	return s, nil
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	s.isRunning = true

	s.startIngestJob()

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning))

	return nil
}

func (s *Scheduler) startIngestJob() {
	interval := s.cfg.GetPollInterval()
	s.logger.Info("Starting warehouse ingest job", slog.Duration("interval", interval))
	s.ingestTicker = time.NewTicker(interval)

	go func() {
		// Run initial execution
		s.logger.Info("Running initial warehouse ingest...")
		s.executeJobSafely("warehouse_ingest", s.ingestJob.Run)

		for {
			select {
			case <-s.ingestTicker.C:
				s.executeJobSafely("warehouse_ingest", s.ingestJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Warehouse ingest job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.ingestTicker != nil {
		s.ingestTicker.Stop()
	}

	s.cancel()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// RunIngestNow allows manual triggering of a warehouse ingest cycle
func (s *Scheduler) RunIngestNow() error {
	if !s.enabled {
		return nil
	}
	return s.ingestJob.Run()
}
