package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/webhook"
)

const maxWebhookBody = 1 << 20

// EventIngester stores and dispatches one gateway callback.
type EventIngester interface {
	Ingest(ctx context.Context, del webhook.Delivery) (*webhook.Outcome, error)
}

// PaymentWebhook serves POST /webhooks/payment. With a non-empty secret the
// raw body must carry a valid signature; a mismatch answers 401 before
// anything is stored. Without a secret every callback is accepted and logged
// as unverified.
func PaymentWebhook(ingester EventIngester, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			log.Printf("PaymentWebhook: failed to read body: %v", err)
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}

		signatureValid := false
		if secret != "" {
			if !gateway.VerifySignature(body, r.Header.Get(gateway.SignatureHeader), secret) {
				log.Printf("[webhook] rejected callback with invalid signature from %s", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			signatureValid = true
		} else {
			log.Printf("[webhook] WARNING: signature verification disabled; accepting unverified callback")
		}

		out, err := ingester.Ingest(r.Context(), webhook.Delivery{RawBody: body, SignatureValid: signatureValid})
		if err != nil {
			writeIngestError(w, out, err)
			return
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// writeIngestError answers a delivery that did not complete. The body keeps
// the shape of a successful answer so the gateway can log it the same way.
func writeIngestError(w http.ResponseWriter, out *webhook.Outcome, err error) {
	status := http.StatusInternalServerError
	action := webhook.ActionFailed
	switch {
	case errors.Is(err, webhook.ErrMalformed):
		status = http.StatusBadRequest
		action = webhook.ActionRejected
	case errors.Is(err, webhook.ErrInFlight):
		status = http.StatusServiceUnavailable
		action = webhook.ActionInProgress
		w.Header().Set("Retry-After", "30")
	default:
		log.Printf("PaymentWebhook: ingest failed: %v", err)
	}

	resp := map[string]any{"success": false, "error": err.Error(), "eventId": "", "eventType": ""}
	var result models.JSONB
	if out != nil {
		resp["eventId"] = out.EventID
		resp["eventType"] = out.EventType
		result = out.Result
	}
	if result == nil {
		result = models.JSONB{"action": action}
	}
	resp["result"] = result
	writeJSON(w, status, resp)
}
