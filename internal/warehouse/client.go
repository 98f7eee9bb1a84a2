// Package warehouse delivers analytics event batches to the external
// warehouse ingestion endpoint.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/events"
)

// Dataset identifies the warehouse dataset every export targets.
const Dataset = "analytics_events"

// payloadSource tags exports with the producing platform.
const payloadSource = "tradepost.api"

// maxErrorBodyBytes caps how much of a failure response body is captured into
// the delivery error.
const maxErrorBodyBytes = 4096

// Settings is the call contract for one delivery: where to send the batch,
// how to authenticate, and how long to wait.
type Settings struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// DeliveryError describes a failed delivery: either a transport/timeout error
// or a non-2xx warehouse response with its status and body.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("warehouse delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("warehouse responded %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Client issues warehouse export requests.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a warehouse client. The per-request timeout comes from
// Settings, not the underlying http.Client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type exportPayload struct {
	Dataset    string         `json:"dataset"`
	ExportID   string         `json:"exportId"`
	ExportedAt time.Time      `json:"exportedAt"`
	Source     string         `json:"source"`
	Summary    exportSummary  `json:"summary"`
	Events     []exportEvent  `json:"events"`
}

type exportSummary struct {
	TotalEvents int            `json:"totalEvents"`
	ByDomain    map[string]int `json:"byDomain"`
	ByEntity    map[string]int `json:"byEntity"`
}

type exportEntity struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
}

type exportActor struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

type exportEvent struct {
	ID            uint           `json:"id"`
	Domain        string         `json:"domain"`
	Name          string         `json:"name"`
	SchemaVersion int            `json:"schemaVersion"`
	OccurredAt    time.Time      `json:"occurredAt"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	Source        string         `json:"source"`
	Channel       string         `json:"channel"`
	TenantID      string         `json:"tenantId"`
	CorrelationID string         `json:"correlationId"`
	Entity        exportEntity   `json:"entity"`
	Actor         exportActor    `json:"actor"`
	Metadata      map[string]any `json:"metadata"`
}

// DeliverBatch sends one batch as a single POST to the warehouse endpoint.
// The batch succeeds or fails as a unit; any 2xx response is the only success
// signal.
func (c *Client) DeliverBatch(ctx context.Context, batch []events.AnalyticsEvent, settings Settings) error {
	exportID := uuid.NewString()
	payload := c.buildPayload(exportID, batch)

	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to encode export payload: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, settings.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to build export request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if settings.APIKey != "" {
		req.Header.Set("X-API-Key", settings.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.logger.Info("Delivered analytics batch to warehouse",
		slog.String("export_id", exportID),
		slog.Int("events", len(batch)),
		slog.Int("status", resp.StatusCode))

	return nil
}

// buildPayload serializes the batch with per-domain and per-entity counts.
func (c *Client) buildPayload(exportID string, batch []events.AnalyticsEvent) exportPayload {
	byDomain := make(map[string]int)
	byEntity := make(map[string]int)
	exported := make([]exportEvent, 0, len(batch))

	for i := range batch {
		event := &batch[i]
		byDomain[event.Domain]++
		byEntity[event.EntityType]++

		metadata, err := event.MetadataMap()
		if err != nil {
			c.logger.Warn("Skipping undecodable event metadata",
				slog.Uint64("id", uint64(event.ID)), slog.Any("error", err))
			metadata = map[string]any{}
		}

		exported = append(exported, exportEvent{
			ID:            event.ID,
			Domain:        event.Domain,
			Name:          event.EventName,
			SchemaVersion: event.SchemaVersion,
			OccurredAt:    event.OccurredAt,
			ReceivedAt:    event.CreatedAt,
			Source:        event.Source,
			Channel:       event.Channel,
			TenantID:      event.TenantID,
			CorrelationID: event.CorrelationID,
			Entity: exportEntity{
				Type:       event.EntityType,
				ID:         event.EntityID,
				ExternalID: event.EntityExternalID,
			},
			Actor: exportActor{
				Type:  event.ActorType,
				ID:    event.ActorID,
				Label: event.ActorLabel,
			},
			Metadata: metadata,
		})
	}

	return exportPayload{
		Dataset:    Dataset,
		ExportID:   exportID,
		ExportedAt: time.Now().UTC(),
		Source:     payloadSource,
		Summary: exportSummary{
			TotalEvents: len(batch),
			ByDomain:    byDomain,
			ByEntity:    byEntity,
		},
		Events: exported,
	}
}
