package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/heartbeat"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/webhook"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/worker"
)

type mockRedeemer struct {
	view *models.SubscriptionView
	err  error
}

func (m *mockRedeemer) Redeem(ctx context.Context, token string) (*models.SubscriptionView, error) {
	return m.view, m.err
}

type mockIngester struct {
	calls []webhook.Delivery
	out   *webhook.Outcome
	err   error
}

func (m *mockIngester) Ingest(ctx context.Context, del webhook.Delivery) (*webhook.Outcome, error) {
	m.calls = append(m.calls, del)
	return m.out, m.err
}

type mockService struct {
	prepared   *enrollment.Prepared
	link       *checkout.Link
	enrollment *models.PendingEnrollment
	result     *enrollment.Result
	err        error

	lastPrepare enrollment.PrepareRequest
	lastReason  string
}

func (m *mockService) Prepare(ctx context.Context, req enrollment.PrepareRequest) (*enrollment.Prepared, error) {
	m.lastPrepare = req
	return m.prepared, m.err
}

func (m *mockService) ReissueLink(ctx context.Context, id string) (*checkout.Link, error) {
	return m.link, m.err
}

func (m *mockService) Get(ctx context.Context, id string) (*models.PendingEnrollment, error) {
	return m.enrollment, m.err
}

func (m *mockService) Redrive(ctx context.Context, id string) (*enrollment.Result, error) {
	return m.result, m.err
}

func (m *mockService) Cancel(ctx context.Context, id, reason string) (*enrollment.Result, error) {
	m.lastReason = reason
	return m.result, m.err
}

type mockEvents struct {
	ev  *models.WebhookEvent
	err error
}

func (m *mockEvents) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return m.ev, m.err
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rr.Body.String())
	}
	return out
}

func TestSubscriptionCheckoutStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"valid", nil, http.StatusOK},
		{"unknown", checkout.ErrNotFound, http.StatusNotFound},
		{"expired", checkout.ErrExpired, http.StatusGone},
		{"used", checkout.ErrAlreadyUsed, http.StatusGone},
		{"broken", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := &mockRedeemer{view: &models.SubscriptionView{SubscriptionID: "sub-1", PlanRef: "plan-gold"}, err: tt.err}
			h := &EnrollmentHandler{Service: &mockService{}, Events: &mockEvents{}, Links: links}
			r := chi.NewRouter()
			h.RegisterRoutes(r)

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/subscription-checkout/tok123", nil))

			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
			body := decodeBody(t, rr)
			if tt.err != nil && body["error"] != checkout.UserMessage(tt.err) {
				t.Fatalf("unexpected message: %v", body["error"])
			}
		})
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	ing := &mockIngester{}
	body := []byte(`{"id":"evt_1","type":"charge.paid","data":{"subscription_id":"gw_1"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(body, "other-secret"))
	rr := httptest.NewRecorder()
	PaymentWebhook(ing, "secret").ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	if len(ing.calls) != 0 {
		t.Fatal("invalid signature must not reach the dispatcher")
	}
}

func TestPaymentWebhookAcceptsValidSignature(t *testing.T) {
	ing := &mockIngester{out: &webhook.Outcome{
		Success:   true,
		EventID:   "evt_1",
		EventType: "charge.paid",
		Result:    models.JSONB{"action": "payment_confirmed"},
	}}
	body := []byte(`{"id":"evt_1","type":"charge.paid","data":{"subscription_id":"gw_1"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(body, "secret"))
	rr := httptest.NewRecorder()
	PaymentWebhook(ing, "secret").ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if len(ing.calls) != 1 || !ing.calls[0].SignatureValid || !bytes.Equal(ing.calls[0].RawBody, body) {
		t.Fatalf("unexpected delivery: %+v", ing.calls)
	}
	resp := decodeBody(t, rr)
	if resp["success"] != true || resp["eventId"] != "evt_1" || resp["eventType"] != "charge.paid" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if result, _ := resp["result"].(map[string]any); result["action"] != "payment_confirmed" {
		t.Fatalf("unexpected result: %v", resp["result"])
	}
}

func TestPaymentWebhookWithoutSecretIsUnverified(t *testing.T) {
	ing := &mockIngester{out: &webhook.Outcome{Success: true, EventID: "evt_2"}}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"id":"evt_2","type":"x"}`))
	rr := httptest.NewRecorder()
	PaymentWebhook(ing, "").ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if ing.calls[0].SignatureValid {
		t.Fatal("unverified delivery must be recorded as not signature-valid")
	}
}

func TestPaymentWebhookErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed", fmt.Errorf("%w: missing id", webhook.ErrMalformed), http.StatusBadRequest},
		{"handler", fmt.Errorf("%w: registry down", webhook.ErrHandlerFailed), http.StatusInternalServerError},
		{"store", errors.New("connection refused"), http.StatusInternalServerError},
		{"in flight", webhook.ErrInFlight, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &mockIngester{out: &webhook.Outcome{EventID: "evt_3", EventType: "charge.paid"}, err: tt.err}
			rr := httptest.NewRecorder()
			PaymentWebhook(ing, "").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{}`)))

			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
			resp := decodeBody(t, rr)
			if resp["success"] != false || resp["eventId"] != "evt_3" {
				t.Fatalf("unexpected response: %v", resp)
			}
			if _, ok := resp["result"].(map[string]any); !ok {
				t.Fatalf("expected result object, got %v", resp)
			}
		})
	}
}

func TestPaymentWebhookErrorResultShape(t *testing.T) {
	ing := &mockIngester{err: fmt.Errorf("%w: missing id", webhook.ErrMalformed)}
	rr := httptest.NewRecorder()
	PaymentWebhook(ing, "").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	result, ok := resp["result"].(map[string]any)
	if !ok || result["action"] != webhook.ActionRejected {
		t.Fatalf("expected rejected result, got %v", resp)
	}

	ing = &mockIngester{
		out: &webhook.Outcome{EventID: "evt_4", EventType: "charge.paid", Result: models.JSONB{"action": webhook.ActionInProgress}},
		err: webhook.ErrInFlight,
	}
	rr = httptest.NewRecorder()
	PaymentWebhook(ing, "").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After, got %d %v", rr.Code, rr.Header())
	}
	resp = decodeBody(t, rr)
	if result, _ := resp["result"].(map[string]any); result["action"] != webhook.ActionInProgress {
		t.Fatalf("expected in_progress result, got %v", resp)
	}
}

func TestPaymentWebhookBodyLimit(t *testing.T) {
	ing := &mockIngester{}
	big := bytes.Repeat([]byte("a"), maxWebhookBody+1)

	rr := httptest.NewRecorder()
	PaymentWebhook(ing, "").ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(big)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", rr.Code)
	}
	if len(ing.calls) != 0 {
		t.Fatal("oversized body must not be dispatched")
	}
}

func TestCreateEnrollment(t *testing.T) {
	svc := &mockService{prepared: &enrollment.Prepared{
		EnrollmentID: "enr-1",
		CheckoutURL:  "http://localhost/subscription-checkout/abc",
		ExpiresAt:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
	h := &EnrollmentHandler{Service: svc, Events: &mockEvents{}, Links: &mockRedeemer{}}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	body := `{"plan_ref":"plan-gold","unit_ref":"unit-7","beneficiary":{"name":"Maria Silva"}}`
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/enrollments", strings.NewReader(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
	if svc.lastPrepare.PlanRef != "plan-gold" || svc.lastPrepare.Beneficiary.Name != "Maria Silva" {
		t.Fatalf("request not passed through: %+v", svc.lastPrepare)
	}
	if resp := decodeBody(t, rr); resp["checkout_url"] != "http://localhost/subscription-checkout/abc" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestEnrollmentServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: plan_ref is required", enrollment.ErrInvalidRequest), http.StatusBadRequest},
		{"missing", enrollment.ErrNotFound, http.StatusNotFound},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &EnrollmentHandler{Service: &mockService{err: tt.err}, Events: &mockEvents{}, Links: &mockRedeemer{}}
			r := chi.NewRouter()
			h.RegisterRoutes(r)

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/enrollments/enr-1", nil))
			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRedriveAndCancelEnrollment(t *testing.T) {
	svc := &mockService{result: &enrollment.Result{
		Action:       enrollment.ActionRegistryConfirmed,
		EnrollmentID: "enr-1",
		Status:       models.EnrollmentRegistryConfirmed,
	}}
	h := &EnrollmentHandler{Service: svc, Events: &mockEvents{}, Links: &mockRedeemer{}}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/enrollments/enr-1/redrive", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("redrive: expected 200 got %d", rr.Code)
	}
	if result, _ := decodeBody(t, rr)["result"].(map[string]any); result["action"] != enrollment.ActionRegistryConfirmed {
		t.Fatalf("unexpected redrive result: %v", result)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/enrollments/enr-1/cancel", strings.NewReader(`{"reason":"duplicate signup"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200 got %d", rr.Code)
	}
	if svc.lastReason != "duplicate signup" {
		t.Fatalf("expected reason to be forwarded, got %q", svc.lastReason)
	}
}

func TestReissueCheckoutLinkRequiresID(t *testing.T) {
	rr := httptest.NewRecorder()
	ReissueCheckoutLink(&mockService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/checkout-links", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestGetWebhookEvent(t *testing.T) {
	h := &EnrollmentHandler{
		Service: &mockService{},
		Events:  &mockEvents{ev: &models.WebhookEvent{EventID: "evt_1", Processed: true}},
		Links:   &mockRedeemer{},
	}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/webhooks/events/evt_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	h.Events = &mockEvents{err: store.ErrNotFound}
	r = chi.NewRouter()
	h.RegisterRoutes(r)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/webhooks/events/evt_x", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

type mockSubscriptions struct{}

func (mockSubscriptions) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	if id != "sub-1" {
		return nil, store.ErrNotFound
	}
	return &models.Subscription{ID: id, Status: models.SubscriptionStatusActive}, nil
}

func TestGetSubscription(t *testing.T) {
	h := &EnrollmentHandler{Service: &mockService{}, Events: &mockEvents{}, Links: &mockRedeemer{}, Subscriptions: mockSubscriptions{}}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/subscriptions/sub-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "active" {
		t.Fatalf("unexpected body: %v", body)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/subscriptions/sub-2", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

type mockWorkers struct{ list []heartbeat.Status }

func (m mockWorkers) Workers(ctx context.Context) ([]heartbeat.Status, error) { return m.list, nil }

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(mockPinger{}, mockWorkers{list: []heartbeat.Status{{WorkerID: "worker-1"}}}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if workers, _ := decodeBody(t, rr)["workers"].([]any); len(workers) != 1 {
		t.Fatalf("expected one worker in health payload, got %v", workers)
	}

	rr = httptest.NewRecorder()
	Health(mockPinger{err: errors.New("down")}, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}

type mockJobStore struct {
	job        *models.Job
	jobs       []*models.Job
	lastStatus models.JobStatus
	cancelErr  error
}

func (m *mockJobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	if m.job == nil || m.job.ID != id {
		return nil, store.ErrJobNotFound
	}
	return m.job, nil
}

func (m *mockJobStore) CancelJob(ctx context.Context, id int64) error { return m.cancelErr }

func (m *mockJobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 2, Total: 2}, nil
}

func (m *mockJobStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	m.lastStatus = status
	return m.jobs, nil
}

type mockWorkerStats struct{}

func (mockWorkerStats) GetStats() worker.Stats { return worker.Stats{JobsProcessed: 9} }

func TestJobRoutes(t *testing.T) {
	js := &mockJobStore{
		job:  &models.Job{ID: 7, JobType: models.JobTypeRegistryRegister},
		jobs: []*models.Job{{ID: 7}},
	}
	h := &JobHandler{Store: js, Worker: mockWorkerStats{}}
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/7", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get job: expected 200 got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs?id=8", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get missing job: expected 404 got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs?status=failed", nil))
	if rr.Code != http.StatusOK || js.lastStatus != models.JobStatusFailed {
		t.Fatalf("list jobs: got %d status=%s", rr.Code, js.lastStatus)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs?status=bogus", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: expected 400 got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200 got %d", rr.Code)
	}
	if _, ok := decodeBody(t, rr)["worker"]; !ok {
		t.Fatal("expected worker counters in stats payload")
	}

	js.cancelErr = errors.New("job cannot be cancelled")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/jobs/7/cancel", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("cancel: expected 400 got %d", rr.Code)
	}
}
