package events_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepost/internal/events"
	"tradepost/internal/testsupport"
)

func TestRecordEventUnknownName(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	_, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
		Name: "zone.exploded",
	})
	require.Error(t, err)

	var unknownErr *events.UnknownEventError
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, "zone.exploded", unknownErr.Name)

	var count int64
	require.NoError(t, dbManager.GetConnection().Model(&events.AnalyticsEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count, "validation failures must not create records")
}

func TestRecordEventMissingMetadata(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	t.Run("reports every missing key", func(t *testing.T) {
		_, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name: "zone.created",
			Metadata: map[string]any{
				"zoneId":    "z-1",
				"companyId": "c-9",
			},
		})
		require.Error(t, err)

		var missingErr *events.MissingMetadataError
		require.True(t, errors.As(err, &missingErr))
		assert.ElementsMatch(t, []string{"demandLevel", "areaSqMeters"}, missingErr.MissingKeys)
	})

	t.Run("null value counts as missing", func(t *testing.T) {
		_, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name: "zone.created",
			Metadata: map[string]any{
				"zoneId":       "z-1",
				"companyId":    "c-9",
				"demandLevel":  "high",
				"areaSqMeters": nil,
			},
		})
		require.Error(t, err)

		var missingErr *events.MissingMetadataError
		require.True(t, errors.As(err, &missingErr))
		assert.Equal(t, []string{"areaSqMeters"}, missingErr.MissingKeys)
	})

	var count int64
	require.NoError(t, dbManager.GetConnection().Model(&events.AnalyticsEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRecordEventResolvesTenantAndEntity(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
		Name: "zone.created",
		Metadata: map[string]any{
			"zoneId":       "z-42",
			"companyId":    "c-7",
			"demandLevel":  "high",
			"areaSqMeters": 350.5,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "zone.created", event.EventName)
	assert.Equal(t, "zones", event.Domain)
	assert.Equal(t, 1, event.SchemaVersion)
	assert.Equal(t, "zone", event.EntityType)
	assert.Equal(t, "z-42", event.EntityID, "entity id derived from zoneId")
	assert.Equal(t, "c-7", event.TenantID, "tenant derived from companyId")
	assert.Equal(t, events.DefaultSource, event.Source)

	assert.Nil(t, event.IngestedAt)
	assert.Equal(t, 0, event.IngestionAttempts)
	require.NotNil(t, event.NextIngestAttemptAt, "new events are immediately eligible for delivery")

	metadata, err := event.MetadataMap()
	require.NoError(t, err)
	assert.Equal(t, 350.5, metadata["areaSqMeters"])
}

func TestRecordEventExplicitFieldsWin(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
		Name:     "booking.status_changed",
		TenantID: "tenant-explicit",
		EntityID: "entity-explicit",
		Source:   "backfill",
		Channel:  "mobile",
		Metadata: map[string]any{
			"bookingId":  "b-1",
			"companyId":  "c-1",
			"fromStatus": "requested",
			"toStatus":   "confirmed",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, event.SchemaVersion)
	assert.Equal(t, "tenant-explicit", event.TenantID)
	assert.Equal(t, "entity-explicit", event.EntityID)
	assert.Equal(t, "backfill", event.Source)
	assert.Equal(t, "mobile", event.Channel)
}

func TestRecordEventNumericEntityID(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	// orders use an explicit entityIdKey; JSON numbers arrive as float64
	event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
		Name: "order.submitted",
		Metadata: map[string]any{
			"orderId":    float64(90210),
			"companyId":  "c-3",
			"totalCents": 125000,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "purchase_order", event.EntityType)
	assert.Equal(t, "90210", event.EntityID)
}

func TestRecordEventActorResolution(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	metadata := func() map[string]any {
		return map[string]any{"threadId": "t-1", "participantCount": 2}
	}

	t.Run("label only", func(t *testing.T) {
		event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name:     "message.thread_started",
			Actor:    events.ActorLabel("Jamie the Dispatcher"),
			Metadata: metadata(),
		})
		require.NoError(t, err)
		assert.Equal(t, "Jamie the Dispatcher", event.ActorLabel)
		assert.Empty(t, event.ActorType)
		assert.Empty(t, event.ActorID)
	})

	t.Run("structured actor", func(t *testing.T) {
		event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name:     "message.thread_started",
			Actor:    events.ActorDetails("user", "u-55", "Jamie"),
			Metadata: metadata(),
		})
		require.NoError(t, err)
		assert.Equal(t, "user", event.ActorType)
		assert.Equal(t, "u-55", event.ActorID)
		assert.Equal(t, "Jamie", event.ActorLabel)
	})

	t.Run("fallback actor type", func(t *testing.T) {
		event, err := events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name:      "message.thread_started",
			Actor:     events.ActorLabel("System"),
			ActorType: "system",
			Metadata:  metadata(),
		})
		require.NoError(t, err)
		assert.Equal(t, "system", event.ActorType)
		assert.Equal(t, "System", event.ActorLabel)
	})
}

func TestRecordEventTimestampParsing(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	record := func(t *testing.T, occurredAt any) (*events.AnalyticsEvent, error) {
		t.Helper()
		return events.RecordEvent(dbManager, logger, &events.RecordEventInput{
			Name:       "ad.impression_milestone",
			OccurredAt: occurredAt,
			Metadata:   map[string]any{"adId": "a-1", "impressions": 10000},
		})
	}

	t.Run("rfc3339 string", func(t *testing.T) {
		event, err := record(t, "2026-08-01T10:30:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), event.OccurredAt.UTC())
	})

	t.Run("epoch seconds", func(t *testing.T) {
		event, err := record(t, float64(1754042400))
		require.NoError(t, err)
		assert.Equal(t, int64(1754042400), event.OccurredAt.Unix())
	})

	t.Run("epoch milliseconds", func(t *testing.T) {
		event, err := record(t, float64(1754042400000))
		require.NoError(t, err)
		assert.Equal(t, int64(1754042400), event.OccurredAt.Unix())
	})

	t.Run("json number", func(t *testing.T) {
		event, err := record(t, json.Number("1754042400"))
		require.NoError(t, err)
		assert.Equal(t, int64(1754042400), event.OccurredAt.Unix())
	})

	t.Run("absent defaults to now", func(t *testing.T) {
		before := time.Now().UTC()
		event, err := record(t, nil)
		require.NoError(t, err)
		assert.WithinDuration(t, before, event.OccurredAt, 5*time.Second)
	})

	t.Run("garbage string rejected", func(t *testing.T) {
		_, err := record(t, "half past never")
		require.Error(t, err)

		var timestampErr *events.InvalidTimestampError
		assert.True(t, errors.As(err, &timestampErr))
	})
}

func TestRecordEventsNotAtomic(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)

	inputs := []*events.RecordEventInput{
		{
			Name:     "crew.member_assigned",
			Metadata: map[string]any{"crewId": "cr-1", "memberId": "m-1", "companyId": "c-1"},
		},
		{
			Name: "crew.member_assigned",
			// missing memberId
			Metadata: map[string]any{"crewId": "cr-1", "companyId": "c-1"},
		},
		{
			Name:     "crew.member_assigned",
			Metadata: map[string]any{"crewId": "cr-1", "memberId": "m-2", "companyId": "c-1"},
		},
	}

	recorded, err := events.RecordEvents(dbManager, logger, inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input 1")
	assert.Len(t, recorded, 1, "events before the failing input stay recorded")

	var count int64
	require.NoError(t, dbManager.GetConnection().Model(&events.AnalyticsEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
