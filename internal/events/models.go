package events

import (
	"encoding/json"
	"time"
)

// AnalyticsEvent is one captured business fact, appended by the recorder and
// mutated only by the ingestion job's success/failure/backfill steps.
type AnalyticsEvent struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	EventName        string `gorm:"index;not null"`
	Domain           string `gorm:"index;not null"`
	SchemaVersion    int    `gorm:"not null;default:1"`
	EntityType       string `gorm:"index"`
	EntityID         string `gorm:"index"`
	EntityExternalID string
	ActorType        string
	ActorID          string
	ActorLabel       string
	TenantID         string `gorm:"index"`
	Source           string
	Channel          string
	CorrelationID    string    `gorm:"index"`
	OccurredAt       time.Time `gorm:"index;not null"`
	Metadata         string    `gorm:"type:text"`

	// Ingestion state. IngestedAt is write-once: once set the record is
	// terminal for retry purposes and only the purge step touches it again.
	IngestedAt          *time.Time `gorm:"index"`
	IngestionAttempts   int        `gorm:"not null;default:0"`
	LastIngestionError  *string
	NextIngestAttemptAt *time.Time `gorm:"index"`
	RetentionExpiresAt  *time.Time `gorm:"index"`

	CreatedAt time.Time
}

// MetadataMap decodes the stored metadata JSON. An empty column decodes to an
// empty map.
func (e *AnalyticsEvent) MetadataMap() (map[string]any, error) {
	if e.Metadata == "" {
		return map[string]any{}, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
