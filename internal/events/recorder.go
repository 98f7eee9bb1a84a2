package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tradepost/internal/catalog"
)

// DefaultSource tags events recorded without an explicit provenance.
const DefaultSource = "api"

// Actor identifies who or what triggered an event. Business workflows that
// only know a display name use ActorLabel; workflows with a structured actor
// use ActorDetails.
type Actor struct {
	Type  string
	ID    string
	Label string
}

// ActorLabel builds an actor from a bare display label.
func ActorLabel(label string) *Actor {
	return &Actor{Label: label}
}

// ActorDetails builds a fully structured actor.
func ActorDetails(actorType, id, label string) *Actor {
	return &Actor{Type: actorType, ID: id, Label: label}
}

// RecordEventInput defines the input required to record an analytics event.
type RecordEventInput struct {
	Name             string
	OccurredAt       any // nil, time.Time, parsable string, or epoch number
	Actor            *Actor
	ActorType        string // fallback when Actor carries no type
	Metadata         map[string]any
	TenantID         string
	EntityID         string
	EntityExternalID string
	Source           string
	Channel          string
	CorrelationID    string
	// NextIngestAttemptAt overrides delivery eligibility; zero means
	// immediately eligible.
	NextIngestAttemptAt *time.Time
}

// DefinitionFor exposes the catalog lookup for callers that want to
// pre-validate an event name without persisting anything.
func DefinitionFor(name string) (catalog.Definition, bool) {
	return catalog.DefinitionFor(name)
}

// RecordEvent validates input against the event catalog and appends a
// normalized record to the event store. Validation failures create no record.
func RecordEvent(dbManager cartridge.DBManager, logger *slog.Logger, input *RecordEventInput) (*AnalyticsEvent, error) {
	def, ok := catalog.DefinitionFor(input.Name)
	if !ok {
		return nil, &UnknownEventError{Name: input.Name}
	}

	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	if missing := missingMetadataKeys(def, metadata); len(missing) > 0 {
		return nil, &MissingMetadataError{Name: input.Name, MissingKeys: missing}
	}

	now := time.Now().UTC()
	occurredAt, err := parseOccurredAt(input.OccurredAt, now)
	if err != nil {
		return nil, err
	}

	actorType, actorID, actorLabel := resolveActor(input.Actor, input.ActorType)
	tenantID := resolveTenantID(def, metadata, input.TenantID)
	entityID := resolveEntityID(def, metadata, input.EntityID)

	source := input.Source
	if source == "" {
		source = DefaultSource
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	nextAttempt := input.NextIngestAttemptAt
	if nextAttempt == nil {
		nextAttempt = &now
	}

	event := &AnalyticsEvent{
		EventName:           def.Name,
		Domain:              def.Domain,
		SchemaVersion:       def.SchemaVersion,
		EntityType:          def.EntityType,
		EntityID:            entityID,
		EntityExternalID:    input.EntityExternalID,
		ActorType:           actorType,
		ActorID:             actorID,
		ActorLabel:          actorLabel,
		TenantID:            tenantID,
		Source:              source,
		Channel:             input.Channel,
		CorrelationID:       input.CorrelationID,
		OccurredAt:          occurredAt,
		Metadata:            string(metadataJSON),
		IngestionAttempts:   0,
		NextIngestAttemptAt: nextAttempt,
		CreatedAt:           now,
	}

	err = sqlite.PerformWrite(logger, dbManager.GetConnection(), func(tx *gorm.DB) error {
		return tx.Create(event).Error
	})
	if err != nil {
		logger.Error("Failed to store analytics event",
			slog.String("event", def.Name), slog.Any("error", err))
		return nil, fmt.Errorf("failed to store analytics event: %w", err)
	}

	return event, nil
}

// RecordEvents applies RecordEvent to each input in order. Not atomic across
// the list: if the Nth input fails validation, the first N-1 records remain
// persisted. Callers needing all-or-nothing semantics must wrap this at a
// higher transaction boundary.
func RecordEvents(dbManager cartridge.DBManager, logger *slog.Logger, inputs []*RecordEventInput) ([]*AnalyticsEvent, error) {
	recorded := make([]*AnalyticsEvent, 0, len(inputs))
	for i, input := range inputs {
		event, err := RecordEvent(dbManager, logger, input)
		if err != nil {
			return recorded, fmt.Errorf("input %d: %w", i, err)
		}
		recorded = append(recorded, event)
	}
	return recorded, nil
}

// missingMetadataKeys collects every required key that is absent or null.
func missingMetadataKeys(def catalog.Definition, metadata map[string]any) []string {
	var missing []string
	for _, key := range def.RequiredMetadataKeys {
		value, present := metadata[key]
		if !present || value == nil {
			missing = append(missing, key)
		}
	}
	return missing
}

// parseOccurredAt normalizes the polymorphic occurredAt input. Absent values
// default to capture time; unparsable values are rejected.
func parseOccurredAt(value any, now time.Time) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return now, nil
	case time.Time:
		if v.IsZero() {
			return now, nil
		}
		return v.UTC(), nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return now, nil
		}
		return v.UTC(), nil
	case string:
		if v == "" {
			return now, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return epochToTime(epoch), nil
		}
		return time.Time{}, &InvalidTimestampError{Value: value}
	case int:
		return epochToTime(int64(v)), nil
	case int64:
		return epochToTime(v), nil
	case float64:
		return epochToTime(int64(v)), nil
	case json.Number:
		if epoch, err := v.Int64(); err == nil {
			return epochToTime(epoch), nil
		}
		return time.Time{}, &InvalidTimestampError{Value: value}
	default:
		return time.Time{}, &InvalidTimestampError{Value: value}
	}
}

// epochToTime interprets a numeric timestamp as epoch seconds, or epoch
// milliseconds for values too large to be seconds.
func epochToTime(epoch int64) time.Time {
	if epoch > 1e12 {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// resolveActor flattens the actor input into its stored triple, falling back
// to the standalone actorType, then empty values.
func resolveActor(actor *Actor, fallbackType string) (actorType, actorID, actorLabel string) {
	if actor == nil {
		return fallbackType, "", ""
	}
	actorType = actor.Type
	if actorType == "" {
		actorType = fallbackType
	}
	return actorType, actor.ID, actor.Label
}

// resolveTenantID prefers the explicit tenant, then the definition's tenant
// key in metadata.
func resolveTenantID(def catalog.Definition, metadata map[string]any, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if def.TenantKey == "" {
		return ""
	}
	return stringifyMetaValue(metadata[def.TenantKey])
}

// resolveEntityID prefers the explicit entity id, then the definition's
// entity id metadata key.
func resolveEntityID(def catalog.Definition, metadata map[string]any, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return stringifyMetaValue(metadata[def.EntityIDMetadataKey()])
}

// stringifyMetaValue renders a metadata value as an identifier string. JSON
// numbers arrive as float64, so integral values are rendered without a
// fractional part.
func stringifyMetaValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
