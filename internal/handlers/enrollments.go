package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

// EnrollmentService is the part of the enrollment state machine exposed over HTTP.
type EnrollmentService interface {
	Prepare(ctx context.Context, req enrollment.PrepareRequest) (*enrollment.Prepared, error)
	ReissueLink(ctx context.Context, enrollmentID string) (*checkout.Link, error)
	Get(ctx context.Context, id string) (*models.PendingEnrollment, error)
	Redrive(ctx context.Context, enrollmentID string) (*enrollment.Result, error)
	Cancel(ctx context.Context, enrollmentID, reason string) (*enrollment.Result, error)
}

// EventReader looks up stored webhook deliveries.
type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
}

// SubscriptionReader looks up draft and active subscriptions.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
}

// CreateEnrollment serves POST /api/enrollments.
func CreateEnrollment(svc EnrollmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enrollment.PrepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Printf("CreateEnrollment: invalid JSON payload: %v", err)
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		prepared, err := svc.Prepare(r.Context(), req)
		if err != nil {
			writeServiceError(w, "CreateEnrollment", err)
			return
		}
		writeJSON(w, http.StatusCreated, prepared)
	}
}

type reissueLinkRequest struct {
	EnrollmentID string `json:"enrollment_id"`
}

// ReissueCheckoutLink serves POST /api/checkout-links.
func ReissueCheckoutLink(svc EnrollmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reissueLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.EnrollmentID == "" {
			writeError(w, http.StatusBadRequest, "enrollment_id is required")
			return
		}

		link, err := svc.ReissueLink(r.Context(), req.EnrollmentID)
		if err != nil {
			writeServiceError(w, "ReissueCheckoutLink", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"enrollment_id": req.EnrollmentID,
			"checkout_url":  link.URL,
			"expires_at":    link.ExpiresAt,
		})
	}
}

// GetEnrollment serves GET /api/enrollments/{id}.
func GetEnrollment(svc EnrollmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, "GetEnrollment", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// RedriveEnrollment serves POST /api/enrollments/{id}/redrive.
func RedriveEnrollment(svc EnrollmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Redrive(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, "RedriveEnrollment", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res.Map()})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelEnrollment serves POST /api/enrollments/{id}/cancel. The body is optional.
func CancelEnrollment(svc EnrollmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON payload")
				return
			}
		}

		res, err := svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeServiceError(w, "CancelEnrollment", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res.Map()})
	}
}

// GetWebhookEvent serves GET /api/webhooks/events/{id}.
func GetWebhookEvent(events EventReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := events.GetEvent(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "event not found")
				return
			}
			log.Printf("GetWebhookEvent: failed to load event: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load event")
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// GetSubscription serves GET /api/subscriptions/{id}.
func GetSubscription(subs SubscriptionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := subs.GetSubscription(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found")
				return
			}
			log.Printf("GetSubscription: failed to load subscription: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load subscription")
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, enrollment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, enrollment.ErrNotFound):
		writeError(w, http.StatusNotFound, "enrollment not found")
	default:
		log.Printf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// EnrollmentHandler holds dependencies for the operator and checkout routes.
type EnrollmentHandler struct {
	Service       EnrollmentService
	Events        EventReader
	Links         LinkRedeemer
	Subscriptions SubscriptionReader
}

// RegisterRoutes registers enrollment handlers with the router.
func (h *EnrollmentHandler) RegisterRoutes(router chi.Router) {
	router.Get("/subscription-checkout/{token}", SubscriptionCheckout(h.Links))
	router.Post("/api/enrollments", CreateEnrollment(h.Service))
	router.Get("/api/enrollments/{id}", GetEnrollment(h.Service))
	router.Post("/api/enrollments/{id}/redrive", RedriveEnrollment(h.Service))
	router.Post("/api/enrollments/{id}/cancel", CancelEnrollment(h.Service))
	router.Post("/api/checkout-links", ReissueCheckoutLink(h.Service))
	router.Get("/api/webhooks/events/{id}", GetWebhookEvent(h.Events))
	if h.Subscriptions != nil {
		router.Get("/api/subscriptions/{id}", GetSubscription(h.Subscriptions))
	}
}
