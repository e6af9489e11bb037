package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the durable record of one gateway callback, keyed by the
// gateway-assigned event id.
type WebhookEvent struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	RawPayload     json.RawMessage `json:"raw_payload"`
	SignatureValid bool            `json:"signature_valid"`
	Processed      bool            `json:"processed"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Result         JSONB           `json:"result,omitempty"`
	Attempts       int             `json:"attempts"`
	ReceivedAt     time.Time       `json:"received_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
