package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical event type names. Aliases sent by the gateway are normalized to these.
const (
	TypeChargePaid           = "charge.paid"
	TypeChargeFailed         = "charge.failed"
	TypeSubscriptionCanceled = "subscription.canceled"
	TypeInvoiceCreated       = "invoice.created"
)

var typeAliases = map[string]string{
	"charge.paid":           TypeChargePaid,
	"charge.captured":       TypeChargePaid,
	"payment.captured":      TypeChargePaid,
	"charge.failed":         TypeChargeFailed,
	"charge.refused":        TypeChargeFailed,
	"subscription.canceled": TypeSubscriptionCanceled,
	"invoice.created":       TypeInvoiceCreated,
	"invoice.issued":        TypeInvoiceCreated,
}

// ErrMissingEventID is returned when an envelope has no id to deduplicate on.
var ErrMissingEventID = errors.New("gateway: event id is required")

// Event is one parsed gateway callback.
type Event interface {
	EventID() string
	EventType() string
}

// Envelope is the wire shape every callback shares.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type eventData struct {
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	ChargeID       string `json:"charge_id"`
	InvoiceID      string `json:"invoice_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	FailureReason  string `json:"failure_reason"`
}

type base struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

func (b base) EventID() string   { return b.ID }
func (b base) EventType() string { return b.Type }

type ChargeCaptured struct {
	base
	SubscriptionRef string
	CustomerRef     string
	ChargeRef       string
	AmountCents     int64
	Currency        string
}

type ChargeFailed struct {
	base
	SubscriptionRef string
	ChargeRef       string
	Reason          string
}

type SubscriptionCanceled struct {
	base
	SubscriptionRef string
	Reason          string
}

type InvoiceIssued struct {
	base
	SubscriptionRef string
	InvoiceRef      string
	AmountCents     int64
}

// Unknown is any event type this service does not act on.
type Unknown struct {
	base
	Raw json.RawMessage
}

// NormalizeType maps gateway aliases onto the canonical type names.
func NormalizeType(t string) (string, bool) {
	canonical, ok := typeAliases[strings.ToLower(strings.TrimSpace(t))]
	return canonical, ok
}

// ParseEvent decodes a raw callback body into its typed event.
func ParseEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("gateway: decode envelope: %w", err)
	}
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" {
		return nil, ErrMissingEventID
	}

	b := base{ID: env.ID, Type: env.Type}
	if env.CreatedAt != nil {
		b.OccurredAt = env.CreatedAt.UTC()
	}

	canonical, known := NormalizeType(env.Type)
	if !known {
		return Unknown{base: b, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	b.Type = canonical

	var data eventData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("gateway: decode %s data: %w", canonical, err)
		}
	}
	if data.SubscriptionID == "" {
		return nil, fmt.Errorf("gateway: %s event %s has no subscription_id", canonical, env.ID)
	}

	switch canonical {
	case TypeChargePaid:
		return ChargeCaptured{
			base:            b,
			SubscriptionRef: data.SubscriptionID,
			CustomerRef:     data.CustomerID,
			ChargeRef:       data.ChargeID,
			AmountCents:     data.AmountCents,
			Currency:        data.Currency,
		}, nil
	case TypeChargeFailed:
		return ChargeFailed{
			base:            b,
			SubscriptionRef: data.SubscriptionID,
			ChargeRef:       data.ChargeID,
			Reason:          data.FailureReason,
		}, nil
	case TypeSubscriptionCanceled:
		return SubscriptionCanceled{
			base:            b,
			SubscriptionRef: data.SubscriptionID,
			Reason:          data.FailureReason,
		}, nil
	default:
		return InvoiceIssued{
			base:            b,
			SubscriptionRef: data.SubscriptionID,
			InvoiceRef:      data.InvoiceID,
			AmountCents:     data.AmountCents,
		}, nil
	}
}

// PeekEnvelope extracts id and type without validating the payload, so a
// malformed known event can still be recorded under its id.
func PeekEnvelope(raw []byte) (id, eventType string, err error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", fmt.Errorf("gateway: decode envelope: %w", err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return "", "", ErrMissingEventID
	}
	return strings.TrimSpace(env.ID), env.Type, nil
}
