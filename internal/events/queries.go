package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// BackfillScanLimit bounds the stuck-retry scan per cycle. The backfill is
// intentionally scoped to recent events only, to bound query cost; older
// stuck events are not reclaimed by this step.
const BackfillScanLimit = 500

// FetchPendingEvents selects due events: never ingested, with a next attempt
// time that is null or now-or-past, ordered by next attempt then occurrence.
func FetchPendingEvents(db *gorm.DB, now time.Time, limit int) ([]AnalyticsEvent, error) {
	var pending []AnalyticsEvent
	err := db.
		Where("ingested_at IS NULL AND (next_ingest_attempt_at IS NULL OR next_ingest_attempt_at <= ?)", now).
		Order("next_ingest_attempt_at ASC, occurred_at ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending analytics events: %w", err)
	}
	return pending, nil
}

// CountPending counts events not yet delivered to the warehouse.
func CountPending(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&AnalyticsEvent{}).Where("ingested_at IS NULL").Count(&count).Error
	return count, err
}

// BackfillStuckRetries resets future retry times back to now for undelivered
// events whose occurredAt falls inside the lookback window. This recovers
// events stranded by a paused job or a misconfigured retry schedule.
func BackfillStuckRetries(db *gorm.DB, logger *slog.Logger, now time.Time, lookback time.Duration) (int64, error) {
	var ids []uint
	err := db.Model(&AnalyticsEvent{}).
		Where("ingested_at IS NULL AND occurred_at >= ? AND next_ingest_attempt_at > ?", now.Add(-lookback), now).
		Limit(BackfillScanLimit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan stuck retries: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	err = sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Model(&AnalyticsEvent{}).
			Where("id IN ?", ids).
			Update("next_ingest_attempt_at", now).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to backfill stuck retries: %w", err)
	}

	return int64(len(ids)), nil
}

// MarkBatchDelivered records a successful warehouse delivery for every event
// in the batch: attempts advance, ingestedAt is set, the error and retry time
// clear, and the retention window starts from each event's occurredAt.
// A non-positive retentionDays leaves retentionExpiresAt unset.
func MarkBatchDelivered(db *gorm.DB, logger *slog.Logger, batch []AnalyticsEvent, now time.Time, retentionDays int) error {
	return sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		for i := range batch {
			event := &batch[i]
			updates := map[string]any{
				"ingestion_attempts":     event.IngestionAttempts + 1,
				"ingested_at":            now,
				"last_ingestion_error":   nil,
				"next_ingest_attempt_at": nil,
			}
			if retentionDays > 0 {
				updates["retention_expires_at"] = event.OccurredAt.AddDate(0, 0, retentionDays)
			}
			if err := tx.Model(&AnalyticsEvent{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to mark event %d delivered: %w", event.ID, err)
			}
		}
		return nil
	})
}

// MarkBatchFailed records a failed delivery for every event in the batch:
// attempts advance and the next retry time follows the backoff schedule,
// saturating at its last entry. There is no attempt ceiling; a permanently
// failing endpoint retries forever at the longest interval.
func MarkBatchFailed(db *gorm.DB, logger *slog.Logger, batch []AnalyticsEvent, message string, now time.Time, scheduleMinutes []int) error {
	return sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		for i := range batch {
			event := &batch[i]
			attempt := event.IngestionAttempts + 1
			updates := map[string]any{
				"ingestion_attempts":     attempt,
				"last_ingestion_error":   message,
				"next_ingest_attempt_at": now.Add(retryDelay(attempt, scheduleMinutes)),
			}
			if err := tx.Model(&AnalyticsEvent{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to mark event %d failed: %w", event.ID, err)
			}
		}
		return nil
	})
}

// retryDelay indexes the backoff schedule by post-increment attempt count.
func retryDelay(attempt int, scheduleMinutes []int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scheduleMinutes) {
		idx = len(scheduleMinutes) - 1
	}
	return time.Duration(scheduleMinutes[idx]) * time.Minute
}

// PurgeExpired deletes events whose retention window has lapsed, capped at
// limit per call. A backlog larger than the cap is cleared incrementally over
// subsequent cycles.
func PurgeExpired(db *gorm.DB, logger *slog.Logger, now time.Time, limit int) (int64, error) {
	var ids []uint
	err := db.Model(&AnalyticsEvent{}).
		Where("retention_expires_at IS NOT NULL AND retention_expires_at <= ?", now).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired events: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err = sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		result := tx.Where("id IN ?", ids).Delete(&AnalyticsEvent{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}

	return deleted, nil
}
