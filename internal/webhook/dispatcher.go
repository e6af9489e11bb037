package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

var (
	// ErrMalformed means the body could not be read as a gateway event.
	ErrMalformed = errors.New("webhook: malformed event")
	// ErrHandlerFailed means the event was stored but its handler did not
	// complete; a redelivery will run it again.
	ErrHandlerFailed = errors.New("webhook: handler failed")
	// ErrInFlight means another delivery of the same event is being handled
	// right now. The caller should ask the gateway to retry later.
	ErrInFlight = errors.New("webhook: event is being processed")
)

// Actions reported for deliveries that did not complete.
const (
	ActionRejected   = "rejected"
	ActionFailed     = "failed"
	ActionInProgress = "in_progress"
)

const defaultClaimTTL = 2 * time.Minute

// EventStore persists deliveries keyed by event id.
type EventStore interface {
	RecordEvent(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error)
	GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	ClaimEvent(ctx context.Context, eventID string, now, until time.Time) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, result models.JSONB, at time.Time) (models.JSONB, error)
	MarkEventFailed(ctx context.Context, eventID, message string) error
}

// Enrollments is the state machine the events drive.
type Enrollments interface {
	ConfirmPayment(ctx context.Context, gatewayRef string) (*enrollment.Result, error)
	FailPayment(ctx context.Context, gatewayRef, reason string) (*enrollment.Result, error)
	CancelSubscription(ctx context.Context, gatewayRef, reason string) (*enrollment.Result, error)
	RecordInvoice(ctx context.Context, gatewayRef, invoiceRef string, issuedAt time.Time) (*enrollment.Result, error)
}

// Delivery is one inbound callback that already passed authentication.
type Delivery struct {
	RawBody        []byte
	SignatureValid bool
}

// Outcome is what the endpoint reports back to the gateway.
type Outcome struct {
	Success   bool         `json:"success"`
	EventID   string       `json:"eventId"`
	EventType string       `json:"eventType"`
	Result    models.JSONB `json:"result"`
	Duplicate bool         `json:"-"`
}

// Dispatcher records each delivery once and routes it to its handler.
type Dispatcher struct {
	events      EventStore
	enrollments Enrollments
	claimTTL    time.Duration
	now         func() time.Time
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(events EventStore, enrollments Enrollments) *Dispatcher {
	return &Dispatcher{events: events, enrollments: enrollments, claimTTL: defaultClaimTTL, now: time.Now}
}

// WithClaimTTL sets how long one delivery may hold an event before a
// concurrent redelivery is allowed to take it over. It must outlast the
// slowest handler, including registry retries.
func (d *Dispatcher) WithClaimTTL(ttl time.Duration) *Dispatcher {
	if ttl > 0 {
		d.claimTTL = ttl
	}
	return d
}

// Ingest stores the delivery and dispatches it unless an earlier delivery of
// the same event id was already processed, in which case the stored result
// is returned unchanged. Only the delivery holding the event claim runs the
// handler; a concurrent one gets ErrInFlight.
func (d *Dispatcher) Ingest(ctx context.Context, del Delivery) (*Outcome, error) {
	eventID, eventType, err := gateway.PeekEnvelope(del.RawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev, created, err := d.events.RecordEvent(ctx, &models.WebhookEvent{
		EventID:        eventID,
		EventType:      eventType,
		RawPayload:     del.RawBody,
		SignatureValid: del.SignatureValid,
	})
	if err != nil {
		return nil, err
	}

	out := &Outcome{EventID: eventID, EventType: eventType}
	if !created && ev.Processed {
		return d.duplicate(out, ev), nil
	}

	now := d.now()
	claimed, err := d.events.ClaimEvent(ctx, eventID, now, now.Add(d.claimTTL))
	if err != nil {
		return out, err
	}
	if !claimed {
		current, err := d.events.GetEvent(ctx, eventID)
		if err != nil {
			return out, err
		}
		if current.Processed {
			return d.duplicate(out, current), nil
		}
		log.Printf("[webhook] event %s (%s) is already being handled; asking for redelivery", eventID, eventType)
		out.Result = models.JSONB{"action": ActionInProgress}
		return out, ErrInFlight
	}
	if !created {
		log.Printf("[webhook] re-dispatching unprocessed event %s (%s)", eventID, eventType)
	}

	parsed, err := gateway.ParseEvent(del.RawBody)
	if err != nil {
		d.markFailed(ctx, eventID, err.Error())
		out.Result = models.JSONB{"action": ActionRejected, "reason": err.Error()}
		return out, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	result, err := d.dispatch(ctx, parsed)
	if err != nil {
		log.Printf("[webhook] handler for %s (%s) failed: %v", eventID, eventType, err)
		d.markFailed(ctx, eventID, err.Error())
		out.Result = models.JSONB{"action": ActionFailed, "reason": err.Error()}
		return out, fmt.Errorf("%w: %v", ErrHandlerFailed, err)
	}

	stored, err := d.events.MarkEventProcessed(ctx, eventID, result, d.now())
	if err != nil {
		return out, err
	}
	out.Success = true
	out.Result = stored
	log.Printf("[webhook] processed %s (%s): %v", eventID, eventType, stored["action"])
	return out, nil
}

func (d *Dispatcher) duplicate(out *Outcome, ev *models.WebhookEvent) *Outcome {
	log.Printf("[webhook] duplicate delivery of %s (%s); returning stored result", out.EventID, out.EventType)
	out.Success = true
	out.Duplicate = true
	out.Result = ev.Result
	return out
}

// dispatch runs the handler for one event. A panicking handler is reported
// as a failure of this event only.
func (d *Dispatcher) dispatch(ctx context.Context, ev gateway.Event) (result models.JSONB, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[webhook] panic handling %s: %v\n%s", ev.EventID(), r, debug.Stack())
			result = nil
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	var res *enrollment.Result
	switch e := ev.(type) {
	case gateway.ChargeCaptured:
		res, err = d.enrollments.ConfirmPayment(ctx, e.SubscriptionRef)
	case gateway.ChargeFailed:
		res, err = d.enrollments.FailPayment(ctx, e.SubscriptionRef, e.Reason)
	case gateway.SubscriptionCanceled:
		res, err = d.enrollments.CancelSubscription(ctx, e.SubscriptionRef, e.Reason)
	case gateway.InvoiceIssued:
		res, err = d.enrollments.RecordInvoice(ctx, e.SubscriptionRef, e.InvoiceRef, e.OccurredAt)
	default:
		return models.JSONB{
			"action": enrollment.ActionIgnored,
			"reason": "unhandled event type " + ev.EventType(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return res.Map(), nil
}

func (d *Dispatcher) markFailed(ctx context.Context, eventID, msg string) {
	if err := d.events.MarkEventFailed(ctx, eventID, msg); err != nil {
		log.Printf("[webhook] failed to record error for %s: %v", eventID, err)
	}
}
