package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrMissingStream is returned when an event is queued without a target
// stream. Routing is decided by the publisher from config, never defaulted
// here.
var ErrMissingStream = errors.New("outbox event has no target stream")

// OutboxStatus is the publish lifecycle of an outbox event.
type OutboxStatus string

const (
	// OutboxStatusPending waits for the relay to pick it up.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusProcessed reached its Redis stream.
	OutboxStatusProcessed OutboxStatus = "processed"
	// OutboxStatusFailed will be retried after a backoff.
	OutboxStatusFailed OutboxStatus = "failed"
	// OutboxStatusDeadLetter exhausted its publish attempts.
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"

	// MaxPublishAttempts is how many times the relay tries an event before
	// parking it in dead letter.
	MaxPublishAttempts = 5
)

// OutboxEvent is one detected-opportunity event staged for publication. It
// commits in the same transaction as the opportunity rows that caused it,
// so the stream never reports a row the database does not hold.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        OutboxStatus    `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// OutboxRepository owns the outbox_event table.
type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx stages an event inside the caller's transaction.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.TargetStream == "" {
		return ErrMissingStream
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}

	now := time.Now()
	event.CreatedAt = now
	if event.NextRetryAt == nil {
		event.NextRetryAt = &now
	}

	query := `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			created_at, next_retry_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err := tx.Exec(ctx, query,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// GetPending returns events whose retry time has come, oldest first.
// Pending and failed events are due alike; dead letters are not.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2)
			AND next_retry_at <= $3
		ORDER BY created_at ASC
		LIMIT $4`

	rows, err := r.db.pool.Query(ctx, query,
		OutboxStatusPending, OutboxStatusFailed,
		time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType,
			&event.Payload, &event.TargetStream, &event.Status, &event.RetryCount,
			&event.ErrorMessage, &event.CreatedAt, &event.ProcessedAt, &event.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// MarkProcessed records a successful publish.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_event
		SET status = $1, processed_at = $2
		WHERE id = $3`

	result, err := r.db.pool.Exec(ctx, query, OutboxStatusProcessed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}

	return nil
}

// MarkFailed bumps the attempt counter and schedules the retry, or parks
// the event in dead letter once attempts run out. The counter bump and the
// read of its new value happen in one statement, so concurrent relays
// cannot double-count an attempt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	var retryCount int
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event
		SET retry_count = retry_count + 1, error_message = $2
		WHERE id = $1
		RETURNING retry_count`,
		id, processErr.Error()).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}

	status := OutboxStatusFailed
	if retryCount >= MaxPublishAttempts {
		status = OutboxStatusDeadLetter
	}
	nextRetryAt := time.Now().Add(retryBackoff(retryCount))

	_, err = r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $2, next_retry_at = $3
		WHERE id = $1`,
		id, status, nextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	return nil
}

// retryBackoff doubles per attempt, capped at five minutes.
func retryBackoff(retryCount int) time.Duration {
	backoff := time.Duration(1<<retryCount) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return backoff
}
