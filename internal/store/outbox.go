package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// AppendOutbox queues an event for publication in the caller's transaction,
// so it becomes visible exactly when the rows it describes do.
func (t *Tx) AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := nowMillis()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, nowMillis(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, nowFunc().Add(backoff).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingOutbox counts unpublished rows.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
