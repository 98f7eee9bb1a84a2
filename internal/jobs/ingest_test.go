package jobs_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tradepost/internal/config"
	"tradepost/internal/events"
	"tradepost/internal/jobs"
	"tradepost/internal/settings"
	"tradepost/internal/testsupport"
)

// withIngestConfig points the shared config at the given endpoint for the
// duration of the test.
func withIngestConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()

	cfg := config.GetConfig()
	prevEndpoint := cfg.IngestEndpoint
	prevKey := cfg.IngestAPIKey
	t.Cleanup(func() {
		cfg.IngestEndpoint = prevEndpoint
		cfg.IngestAPIKey = prevKey
	})

	cfg.IngestEndpoint = endpoint
	cfg.IngestAPIKey = "wh-secret"
	return cfg
}

func reloadEvent(t *testing.T, db *gorm.DB, id uint) *events.AnalyticsEvent {
	t.Helper()
	var event events.AnalyticsEvent
	require.NoError(t, db.First(&event, id).Error)
	return &event
}

func TestIngestJobDeliversBatch(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := withIngestConfig(t, server.URL)
	now := time.Now().UTC()
	first := testsupport.CreatePendingEvent(t, db, "booking.requested", "bookings", now.Add(-time.Hour))
	second := testsupport.CreatePendingEvent(t, db, "booking.confirmed", "bookings", now.Add(-30*time.Minute))

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run())

	assert.Equal(t, int32(1), requests.Load(), "whole batch goes out as one request")

	for _, id := range []uint{first.ID, second.ID} {
		got := reloadEvent(t, db, id)
		require.NotNil(t, got.IngestedAt)
		assert.Equal(t, 1, got.IngestionAttempts)
		assert.Nil(t, got.LastIngestionError)
		assert.Nil(t, got.NextIngestAttemptAt)
		require.NotNil(t, got.RetentionExpiresAt)
		assert.WithinDuration(t, got.OccurredAt.AddDate(0, 0, cfg.GetRetentionDays()), *got.RetentionExpiresAt, time.Second)
	}

	lastExport, lastError := settings.GetExportStatus(db)
	assert.False(t, lastExport.IsZero())
	assert.Empty(t, lastError)

	// Nothing left to deliver: second run makes no request
	require.NoError(t, job.Run())
	assert.Equal(t, int32(1), requests.Load())
}

func TestIngestJobFailureAdvancesBackoff(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := withIngestConfig(t, server.URL)
	now := time.Now().UTC()
	event := testsupport.CreatePendingEvent(t, db, "dispute.opened", "disputes", now.Add(-time.Hour))

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run(), "delivery failure is an outcome, not a job error")

	got := reloadEvent(t, db, event.ID)
	assert.Nil(t, got.IngestedAt)
	assert.Equal(t, 1, got.IngestionAttempts)
	require.NotNil(t, got.LastIngestionError)
	assert.Contains(t, *got.LastIngestionError, "500")
	require.NotNil(t, got.NextIngestAttemptAt)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), *got.NextIngestAttemptAt, 10*time.Second)

	_, lastError := settings.GetExportStatus(db)
	assert.Contains(t, lastError, "500")

	// Force the retry due and fail again: schedule advances to 15 minutes
	require.NoError(t, db.Model(got).Update("next_ingest_attempt_at", time.Now().UTC().Add(-time.Second)).Error)
	require.NoError(t, job.Run())

	got = reloadEvent(t, db, event.ID)
	assert.Equal(t, 2, got.IngestionAttempts)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), *got.NextIngestAttemptAt, 10*time.Second)
}

func TestIngestJobSkipsDeliveryWhenNothingDue(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := withIngestConfig(t, server.URL)

	// Only a future-scheduled event exists
	now := time.Now().UTC()
	event := testsupport.CreatePendingEvent(t, db, "ad.published", "ads", now)
	require.NoError(t, db.Model(event).Update("next_ingest_attempt_at", now.Add(time.Hour)).Error)

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run())
	assert.Equal(t, int32(0), requests.Load())
}

func TestIngestJobMissingEndpoint(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	cfg := withIngestConfig(t, "")
	now := time.Now().UTC()
	event := testsupport.CreatePendingEvent(t, db, "order.submitted", "orders", now.Add(-time.Hour))

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run())

	got := reloadEvent(t, db, event.ID)
	assert.Nil(t, got.IngestedAt)
	assert.Equal(t, 1, got.IngestionAttempts)
	require.NotNil(t, got.LastIngestionError)
	assert.Contains(t, *got.LastIngestionError, "ingest endpoint not configured")
	require.NotNil(t, got.NextIngestAttemptAt, "misconfiguration keeps retrying on schedule")
}

func TestIngestJobPurgesExpired(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	cfg := withIngestConfig(t, "")
	now := time.Now().UTC()
	expired := testsupport.CreateDeliveredEvent(t, db, "zone.archived", "zones", now.AddDate(-2, 0, 0), now.Add(-time.Hour))
	alive := testsupport.CreateDeliveredEvent(t, db, "zone.archived", "zones", now.AddDate(-1, 0, 0), now.Add(24*time.Hour))

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run())

	var count int64
	require.NoError(t, db.Model(&events.AnalyticsEvent{}).Where("id = ?", expired.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	require.NoError(t, db.Model(&events.AnalyticsEvent{}).Where("id = ?", alive.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngestJobReclaimsStuckRetries(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	require.NoError(t, settings.SetupDefaultSettings(db))

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := withIngestConfig(t, server.URL)

	// Recent event stranded with a far-future retry time: the backfill pass
	// makes it due within the same cycle.
	now := time.Now().UTC()
	event := testsupport.CreatePendingEvent(t, db, "message.escalated", "communications", now.Add(-time.Hour))
	require.NoError(t, db.Model(event).Update("next_ingest_attempt_at", now.Add(72*time.Hour)).Error)

	job := jobs.NewIngestJob(dbManager, logger, cfg)
	require.NoError(t, job.Run())

	assert.Equal(t, int32(1), requests.Load())
	assert.NotNil(t, reloadEvent(t, db, event.ID).IngestedAt)
}
