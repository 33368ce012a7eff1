package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flipfinder/arbitrage-scanner/internal/database"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeOpportunityDetected is published for every row that clears
	// the profitability gate.
	EventTypeOpportunityDetected EventType = "OPPORTUNITY_DETECTED"
)

// OpportunityDetectedPayload is the event body consumers receive. It carries
// the full opportunity row so consumers never need to query the scanner's
// database.
type OpportunityDetectedPayload struct {
	EventID   string                `json:"event_id"`
	EventType string                `json:"event_type"`
	Timestamp time.Time             `json:"timestamp"`
	ScanID    string                `json:"scan_id"`
	Row       models.OpportunityRow `json:"row"`
	Source    string                `json:"source"`
}

// Publisher writes events through the transactional outbox so a stored
// opportunity and its event commit or roll back together.
type Publisher struct {
	outbox *database.OutboxRepository
	stream string
	logger *slog.Logger
}

// NewPublisher routes every event to the configured stream.
func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: database.NewOutboxRepository(db),
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishOpportunityDetectedWithTx inserts the event inside the caller's
// transaction. The scan worker uses this to commit rows and events
// atomically.
func (p *Publisher) PublishOpportunityDetectedWithTx(ctx context.Context, tx pgx.Tx, scanID uuid.UUID, row *models.OpportunityRow) error {
	payload := &OpportunityDetectedPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeOpportunityDetected),
		Timestamp: time.Now(),
		ScanID:    scanID.String(),
		Row:       *row,
		Source:    "arbitrage-scanner",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: "opportunity",
		AggregateID:   aggregateID(row),
		EventType:     string(EventTypeOpportunityDetected),
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.InsertWithTx(ctx, tx, outboxEvent); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Info("event queued to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"scan_id", payload.ScanID,
		"aggregate_id", outboxEvent.AggregateID,
	)

	return nil
}

// aggregateID keys the event by the source item when possible; rows scraped
// without an ASIN fall back to the listing URL.
func aggregateID(row *models.OpportunityRow) string {
	if row.ASIN != "" {
		return row.ASIN
	}
	return row.URL
}
