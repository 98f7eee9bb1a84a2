package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"tradepost/internal/config"
	"tradepost/internal/events"
	"tradepost/internal/settings"
	"tradepost/internal/warehouse"
)

// BatchOutcomePolicy controls how a delivery outcome maps onto the events in
// a batch. Only whole-batch is implemented: the batch succeeds or fails as a
// unit, matching the single-request delivery contract. Per-event outcomes
// would slot in here without touching the scheduler.
type BatchOutcomePolicy int

const (
	BatchOutcomeWholeBatch BatchOutcomePolicy = iota
)

// ErrNoIngestEndpoint marks the missing-configuration delivery failure. The
// job keeps running and keeps retrying on schedule, so fixing configuration
// without a restart resolves the backlog automatically.
var ErrNoIngestEndpoint = errors.New("ingest endpoint not configured")

// IngestJob drains the analytics event store into the external warehouse.
type IngestJob struct {
	dbManager     cartridge.DBManager
	logger        *slog.Logger
	cfg           *config.Config
	client        *warehouse.Client
	outcomePolicy BatchOutcomePolicy
}

func NewIngestJob(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config) *IngestJob {
	return &IngestJob{
		dbManager:     dbManager,
		logger:        logger,
		cfg:           cfg,
		client:        warehouse.NewClient(logger),
		outcomePolicy: BatchOutcomeWholeBatch,
	}
}

// Run executes one ingestion cycle: reclaim stuck retries, fetch the due
// batch, deliver it, mark the outcome, and purge expired records.
func (j *IngestJob) Run() error {
	db := j.dbManager.GetConnection()
	now := time.Now().UTC()

	lookback := time.Duration(j.cfg.GetLookbackHours()) * time.Hour
	reclaimed, err := events.BackfillStuckRetries(db, j.logger, now, lookback)
	if err != nil {
		j.logger.Error("Failed to backfill stuck retries", slog.Any("error", err))
	} else if reclaimed > 0 {
		j.logger.Info("Reclaimed stuck retries", slog.Int64("count", reclaimed))
	}

	batch, err := events.FetchPendingEvents(db, now, j.cfg.GetBatchSize())
	if err != nil {
		j.logger.Error("Failed to fetch pending analytics events", slog.Any("error", err))
		return err
	}

	if len(batch) == 0 {
		j.logger.Debug("No analytics events due for delivery")
		return j.purgeExpired()
	}

	j.logger.Info("Delivering analytics batch", slog.Int("events", len(batch)))

	if deliverErr := j.deliver(batch); deliverErr != nil {
		j.logger.Error("Analytics batch delivery failed",
			slog.Int("events", len(batch)),
			slog.Any("error", deliverErr))

		if err := events.MarkBatchFailed(db, j.logger, batch, deliverErr.Error(), time.Now().UTC(), j.cfg.GetRetrySchedule()); err != nil {
			j.logger.Error("Failed to mark batch failed", slog.Any("error", err))
			return err
		}
		if err := settings.RecordExportFailure(db, deliverErr.Error()); err != nil {
			j.logger.Warn("Failed to record export failure", slog.Any("error", err))
		}
	} else {
		deliveredAt := time.Now().UTC()
		if err := events.MarkBatchDelivered(db, j.logger, batch, deliveredAt, j.cfg.GetRetentionDays()); err != nil {
			j.logger.Error("Failed to mark batch delivered", slog.Any("error", err))
			return err
		}
		if err := settings.RecordExportSuccess(db, deliveredAt); err != nil {
			j.logger.Warn("Failed to record export success", slog.Any("error", err))
		}
	}

	return j.purgeExpired()
}

// deliver sends the batch as one request. A missing endpoint is a delivery
// failure, not a startup failure: attempts and backoff keep advancing so the
// condition stays visible via lastIngestionError instead of silently stalling.
func (j *IngestJob) deliver(batch []events.AnalyticsEvent) error {
	if j.cfg.IngestEndpoint == "" {
		return ErrNoIngestEndpoint
	}

	return j.client.DeliverBatch(context.Background(), batch, warehouse.Settings{
		Endpoint: j.cfg.IngestEndpoint,
		APIKey:   j.cfg.IngestAPIKey,
		Timeout:  j.cfg.GetRequestTimeout(),
	})
}

func (j *IngestJob) purgeExpired() error {
	db := j.dbManager.GetConnection()

	purged, err := events.PurgeExpired(db, j.logger, time.Now().UTC(), j.cfg.GetPurgeBatchSize())
	if err != nil {
		j.logger.Error("Failed to purge expired analytics events", slog.Any("error", err))
		return err
	}
	if purged > 0 {
		j.logger.Info("Purged expired analytics events",
			slog.Int64("deleted_count", purged),
			slog.Int("retention_days", j.cfg.GetRetentionDays()))
	}

	return nil
}
