package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

const webhookColumns = `event_id, event_type, raw_payload, signature_valid, processed, processed_at,
       error_message, result, attempts, received_at, updated_at`

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	ev := &models.WebhookEvent{}
	var raw []byte
	var result models.JSONB
	var resultRaw []byte
	err := row.Scan(
		&ev.EventID,
		&ev.EventType,
		&raw,
		&ev.SignatureValid,
		&ev.Processed,
		&ev.ProcessedAt,
		&ev.ErrorMessage,
		&resultRaw,
		&ev.Attempts,
		&ev.ReceivedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ev.RawPayload = raw
	if len(resultRaw) > 0 {
		if err := result.Scan(resultRaw); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		ev.Result = result
	}
	return ev, nil
}

// RecordEvent inserts a webhook event the first time its id is seen. When the
// id already exists the stored row is returned untouched and created is false.
func (s *Store) RecordEvent(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	stored, err := scanWebhookEvent(s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, raw_payload, signature_valid, processed)
		 VALUES ($1, $2, $3, $4, false)
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING `+webhookColumns,
		ev.EventID, ev.EventType, []byte(ev.RawPayload), ev.SignatureValid))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("store: record webhook event %s: %w", ev.EventID, err)
	}

	existing, err := s.GetEvent(ctx, ev.EventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetEvent returns a stored webhook event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	ev, err := scanWebhookEvent(s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get webhook event %s: %w", eventID, err)
	}
	return ev, err
}

// MarkEventProcessed records the final outcome of an event. Only the first
// writer sets the result; later calls leave the stored outcome in place.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, result models.JSONB, at time.Time) (models.JSONB, error) {
	var resultRaw []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE webhook_events
		 SET processed = true,
		     processed_at = $3,
		     result = $2,
		     error_message = NULL,
		     attempts = attempts + 1,
		     updated_at = now()
		 WHERE event_id = $1 AND processed = false
		 RETURNING result`,
		eventID, result, at.UTC(),
	).Scan(&resultRaw)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetEvent(ctx, eventID)
		if getErr != nil {
			return nil, getErr
		}
		return existing.Result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: mark webhook event %s processed: %w", eventID, err)
	}
	return result, nil
}

// ClaimEvent gives one delivery the right to run the handler for an
// unprocessed event until `until`. It fails while another claim is live.
func (s *Store) ClaimEvent(ctx context.Context, eventID string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET claimed_until = $3, updated_at = now()
		 WHERE event_id = $1
		   AND processed = false
		   AND (claimed_until IS NULL OR claimed_until < $2)`,
		eventID, now.UTC(), until.UTC())
	if err != nil {
		return false, fmt.Errorf("store: claim webhook event %s: %w", eventID, err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// MarkEventFailed stores the handler error, releases the claim and leaves the
// event unprocessed so a redelivery re-runs the handler.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET error_message = $2, claimed_until = NULL, attempts = attempts + 1, updated_at = now()
		 WHERE event_id = $1 AND processed = false`,
		eventID, message)
	if err != nil {
		return fmt.Errorf("store: mark webhook event %s failed: %w", eventID, err)
	}
	return nil
}
