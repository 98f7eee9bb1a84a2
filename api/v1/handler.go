package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"tradepost/internal/events"
)

const (
	msgEventRecorded  = "Event recorded successfully"
	errInvalidRequest = "Invalid request"
)

// RecordEventParams is the wire shape of a single capture request. OccurredAt
// accepts a timestamp in any of the recorder's supported forms (RFC 3339
// string, epoch seconds or milliseconds) or may be omitted. Actor is either a
// plain string label or an object with type/id/label.
type RecordEventParams struct {
	Name             string          `json:"name"`
	OccurredAt       any             `json:"occurredAt"`
	Actor            json.RawMessage `json:"actor"`
	ActorType        string          `json:"actorType"`
	Metadata         json.RawMessage `json:"metadata"`
	TenantID         string          `json:"tenantId"`
	EntityID         string          `json:"entityId"`
	EntityExternalID string          `json:"entityExternalId"`
	Source           string          `json:"source"`
	Channel          string          `json:"channel"`
	CorrelationID    string          `json:"correlationId"`
}

type actorObject struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// RecordEventAPIHandler records a single analytics event.
func RecordEventAPIHandler(ctx *cartridge.Context) error {
	ctx.Logger.Debug("Received capture request", slog.String("method", ctx.Method()), slog.String("path", ctx.Path()))

	var params RecordEventParams
	if err := ctx.BodyParser(&params); err != nil {
		ctx.Logger.Debug("Failed to parse capture request", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": errInvalidRequest,
			"code":  "INVALID_BODY",
		})
	}

	input, err := toRecordInput(&params)
	if err != nil {
		return handleRecordError(ctx, err)
	}

	event, err := events.RecordEvent(ctx.DBManager, ctx.Logger, input)
	if err != nil {
		return handleRecordError(ctx, err)
	}

	ctx.Logger.Info("Recorded analytics event",
		slog.String("event", event.EventName),
		slog.Uint64("id", uint64(event.ID)))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": msgEventRecorded,
		"id":      event.ID,
		"status":  http.StatusAccepted,
	})
}

// BatchRecordEventParams wraps the batch capture request body.
type BatchRecordEventParams struct {
	Events []RecordEventParams `json:"events"`
}

// RecordEventBatchAPIHandler records a list of events in order. Recording is
// not atomic: events before a failing entry stay recorded, and the response
// reports the index that failed.
func RecordEventBatchAPIHandler(ctx *cartridge.Context) error {
	var params BatchRecordEventParams
	if err := ctx.BodyParser(&params); err != nil {
		ctx.Logger.Debug("Failed to parse batch capture request", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": errInvalidRequest,
			"code":  "INVALID_BODY",
		})
	}

	if len(params.Events) == 0 {
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "Batch must contain at least one event",
			"code":  "EMPTY_BATCH",
		})
	}

	inputs := make([]*events.RecordEventInput, 0, len(params.Events))
	for i := range params.Events {
		input, err := toRecordInput(&params.Events[i])
		if err != nil {
			return handleBatchError(ctx, err, i, 0)
		}
		inputs = append(inputs, input)
	}

	recorded, err := events.RecordEvents(ctx.DBManager, ctx.Logger, inputs)
	if err != nil {
		return handleBatchError(ctx, err, len(recorded), len(recorded))
	}

	ctx.Logger.Info("Recorded analytics event batch", slog.Int("events", len(recorded)))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message":  "Batch recorded successfully",
		"recorded": len(recorded),
		"status":   http.StatusAccepted,
	})
}

// GetEventDefinitionHandler returns the catalog definition for an event name.
func GetEventDefinitionHandler(ctx *cartridge.Context) error {
	name := ctx.Params("name")

	definition, ok := events.DefinitionFor(name)
	if !ok {
		return ctx.Status(http.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown event name: " + name,
			"code":  "UNKNOWN_EVENT",
		})
	}

	return ctx.JSON(fiber.Map{
		"name":                 definition.Name,
		"domain":               definition.Domain,
		"entityType":           definition.EntityType,
		"entityIdKey":          definition.EntityIDMetadataKey(),
		"requiredMetadataKeys": definition.RequiredMetadataKeys,
		"tenantKey":            definition.TenantKey,
		"schemaVersion":        definition.SchemaVersion,
	})
}

// toRecordInput converts wire params into a recorder input, decoding the
// polymorphic actor and metadata fields.
func toRecordInput(params *RecordEventParams) (*events.RecordEventInput, error) {
	input := &events.RecordEventInput{
		Name:             params.Name,
		OccurredAt:       params.OccurredAt,
		ActorType:        params.ActorType,
		TenantID:         params.TenantID,
		EntityID:         params.EntityID,
		EntityExternalID: params.EntityExternalID,
		Source:           params.Source,
		Channel:          params.Channel,
		CorrelationID:    params.CorrelationID,
	}

	if len(params.Metadata) > 0 {
		metadata := map[string]any{}
		if err := json.Unmarshal(params.Metadata, &metadata); err != nil {
			return nil, fiber.NewError(http.StatusUnprocessableEntity, "Metadata must be a JSON object")
		}
		input.Metadata = metadata
	}

	actor, err := parseActor(params.Actor)
	if err != nil {
		return nil, err
	}
	input.Actor = actor

	return input, nil
}

// parseActor accepts either a string label or a {type,id,label} object.
func parseActor(raw json.RawMessage) (*events.Actor, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return events.ActorLabel(label), nil
	}

	var obj actorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fiber.NewError(http.StatusUnprocessableEntity, "Actor must be a string or an object")
	}
	return events.ActorDetails(obj.Type, obj.ID, obj.Label), nil
}

// handleRecordError maps recorder errors onto the capture API error taxonomy.
func handleRecordError(ctx *cartridge.Context, err error) error {
	status, code, message := classifyRecordError(err)
	if status == http.StatusInternalServerError {
		ctx.Logger.Error("Failed to record event", slog.Any("error", err))
	} else {
		ctx.Logger.Debug("Rejected capture request", slog.String("code", code), slog.Any("error", err))
	}
	return ctx.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}

func handleBatchError(ctx *cartridge.Context, err error, failedIndex, recorded int) error {
	status, code, message := classifyRecordError(err)
	if status == http.StatusInternalServerError {
		ctx.Logger.Error("Failed to record event batch",
			slog.Int("failed_index", failedIndex), slog.Any("error", err))
	}
	return ctx.Status(status).JSON(fiber.Map{
		"error":       message,
		"code":        code,
		"failedIndex": failedIndex,
		"recorded":    recorded,
	})
}

func classifyRecordError(err error) (status int, code, message string) {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, "INVALID_REQUEST", fiberErr.Message
	}

	var unknownErr *events.UnknownEventError
	if errors.As(err, &unknownErr) {
		return http.StatusUnprocessableEntity, "UNKNOWN_EVENT", unknownErr.Error()
	}

	var missingErr *events.MissingMetadataError
	if errors.As(err, &missingErr) {
		return http.StatusUnprocessableEntity, "MISSING_METADATA", missingErr.Error()
	}

	var timestampErr *events.InvalidTimestampError
	if errors.As(err, &timestampErr) {
		return http.StatusUnprocessableEntity, "INVALID_TIMESTAMP", timestampErr.Error()
	}

	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "busy") {
		return 599, "DATABASE_BUSY", "Database busy, retry later"
	}

	return http.StatusInternalServerError, "RECORD_ERROR", "Failed to record event"
}
