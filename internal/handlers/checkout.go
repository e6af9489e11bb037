package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

// LinkRedeemer resolves checkout tokens.
type LinkRedeemer interface {
	Redeem(ctx context.Context, token string) (*models.SubscriptionView, error)
}

// SubscriptionCheckout serves GET /subscription-checkout/{token}. Unknown
// tokens answer 404; expired or used links answer 410 with a payer-facing
// message.
func SubscriptionCheckout(links LinkRedeemer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		if token == "" {
			writeError(w, http.StatusNotFound, checkout.UserMessage(checkout.ErrNotFound))
			return
		}

		view, err := links.Redeem(r.Context(), token)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, view)
		case errors.Is(err, checkout.ErrNotFound):
			writeError(w, http.StatusNotFound, checkout.UserMessage(err))
		case errors.Is(err, checkout.ErrExpired), errors.Is(err, checkout.ErrAlreadyUsed):
			writeError(w, http.StatusGone, checkout.UserMessage(err))
		default:
			log.Printf("SubscriptionCheckout: failed to redeem link: %v", err)
			writeError(w, http.StatusInternalServerError, checkout.UserMessage(err))
		}
	}
}
