package enrollment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/registry"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

// memStore mimics the conditional updates of the Postgres store.
type memStore struct {
	mu            sync.Mutex
	subs          map[string]*models.Subscription
	enrollments   map[string]*models.PendingEnrollment
	beneficiaries map[string]*models.Beneficiary
}

func newMemStore() *memStore {
	return &memStore{
		subs:          map[string]*models.Subscription{},
		enrollments:   map[string]*models.PendingEnrollment{},
		beneficiaries: map[string]*models.Beneficiary{},
	}
}

func in(st models.EnrollmentStatus, from []models.EnrollmentStatus) bool {
	for _, f := range from {
		if f == st {
			return true
		}
	}
	return false
}

func (m *memStore) CreateEnrollmentDraft(_ context.Context, sub *models.Subscription, e *models.PendingEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.SubscriptionID = sub.ID
	s, en := *sub, *e
	m.subs[sub.ID] = &s
	m.enrollments[e.ID] = &en
	return nil
}

func (m *memStore) GetPendingEnrollment(_ context.Context, id string) (*models.PendingEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) byRef(ref string) *models.PendingEnrollment {
	for _, e := range m.enrollments {
		if e.GatewaySubscriptionRef == ref {
			return e
		}
	}
	return nil
}

func (m *memStore) GetPendingEnrollmentByGatewayRef(_ context.Context, ref string) (*models.PendingEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.byRef(ref)
	if e == nil {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) TransitionEnrollment(_ context.Context, id string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || !in(e.Status, from) {
		return false, nil
	}
	e.Status = to
	e.RegistryLeaseUntil = nil
	if reason != nil {
		e.FailureReason = reason
	}
	return true, nil
}

func (m *memStore) TransitionEnrollmentByGatewayRef(_ context.Context, ref string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.byRef(ref)
	if e == nil || !in(e.Status, from) {
		return "", false, nil
	}
	e.Status = to
	if reason != nil {
		e.FailureReason = reason
	}
	return e.ID, true, nil
}

func (m *memStore) ClaimRegistryLease(_ context.Context, id string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentPaymentConfirmed {
		return false, nil
	}
	if e.RegistryLeaseUntil != nil && !e.RegistryLeaseUntil.Before(now) {
		return false, nil
	}
	e.RegistryLeaseUntil = &until
	return true, nil
}

func (m *memStore) RecordRegistryFailure(_ context.Context, id string, f models.RegistryFailure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentPaymentConfirmed {
		return false, nil
	}
	e.Status = models.EnrollmentRegistryFailed
	msg, kind, at := f.Message, f.Kind, f.At
	e.LastRegistryError = &msg
	e.LastRegistryErrorKind = &kind
	e.LastRegistryAttemptAt = &at
	e.RegistryAttemptCount += f.Attempts
	e.RegistryLeaseUntil = nil
	return true, nil
}

func (m *memStore) ListRedriveCandidates(_ context.Context, kinds []string, cutoff, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.enrollments {
		if e.Status == models.EnrollmentRegistryFailed && e.LastRegistryErrorKind != nil &&
			e.LastRegistryAttemptAt != nil && e.LastRegistryAttemptAt.Before(cutoff) {
			for _, k := range kinds {
				if *e.LastRegistryErrorKind == k {
					ids = append(ids, id)
				}
			}
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) MaterializeBeneficiary(_ context.Context, mat store.Materialization) (*models.Beneficiary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[mat.EnrollmentID]
	if !ok || e.Status != models.EnrollmentPaymentConfirmed {
		return nil, false, store.ErrStaleTransition
	}
	e.Status = models.EnrollmentRegistryConfirmed
	e.RegistryAttemptCount += mat.Attempts
	e.RegistryLeaseUntil = nil

	if b, exists := m.beneficiaries[e.GatewaySubscriptionRef]; exists {
		cp := *b
		return &cp, false, nil
	}
	b := &models.Beneficiary{
		ID:                     uuid.NewString(),
		EnrollmentID:           e.ID,
		GatewaySubscriptionRef: e.GatewaySubscriptionRef,
		RegistryRef:            mat.RegistryRef,
		PlanRef:                e.PlanRef,
		UnitRef:                e.UnitRef,
		Data:                   e.Beneficiary,
		Status:                 models.BeneficiaryStatusActive,
		PaymentStatus:          models.PaymentStatusPaid,
		EnrolledAt:             mat.At,
	}
	m.beneficiaries[e.GatewaySubscriptionRef] = b
	if sub, ok := m.subs[e.SubscriptionID]; ok && sub.Status == models.SubscriptionStatusPending {
		sub.Status = models.SubscriptionStatusActive
	}
	cp := *b
	return &cp, true, nil
}

func (m *memStore) GetBeneficiaryByGatewayRef(_ context.Context, ref string) (*models.Beneficiary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beneficiaries[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) CancelBeneficiary(_ context.Context, ref string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beneficiaries[ref]
	if !ok || b.Status != models.BeneficiaryStatusActive {
		return false, nil
	}
	b.Status = models.BeneficiaryStatusCanceled
	b.CanceledAt = &at
	return true, nil
}

func (m *memStore) SetSubscriptionStatus(_ context.Context, ref string, status models.SubscriptionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.GatewaySubscriptionRef == ref && s.Status != status && s.Status != models.SubscriptionStatusCanceled {
			s.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) RecordInvoice(_ context.Context, ref, invoiceRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.GatewaySubscriptionRef == ref {
			if s.LastInvoiceAt != nil && s.LastInvoiceAt.After(at) {
				return false, nil
			}
			s.LastInvoiceRef, s.LastInvoiceAt = &invoiceRef, &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) subscription(ref string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.GatewaySubscriptionRef == ref {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (m *memStore) beneficiaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beneficiaries)
}

// fakeRegistry answers with a scripted outcome and counts calls.
type fakeRegistry struct {
	mu      sync.Mutex
	calls   int
	cancels int
	delay   time.Duration
	err     error
	ref     string
}

func (f *fakeRegistry) RegisterBeneficiary(_ context.Context, _ registry.Payload) (*registry.Result, error) {
	f.mu.Lock()
	f.calls++
	delay, err, ref := f.delay, f.err, f.ref
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &registry.Result{RegistryRef: ref, Attempts: 1}, nil
}

func (f *fakeRegistry) CancelBeneficiary(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.err
}

func (f *fakeRegistry) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLinks struct {
	mu          sync.Mutex
	issued      int
	consumed    map[string]int
	failConsume error
}

func (f *fakeLinks) Issue(_ context.Context, subscriptionID string) (*checkout.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return &checkout.Link{Token: "tok", URL: "https://pay.example.com/subscription-checkout/tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeLinks) Consume(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failConsume; err != nil {
		f.failConsume = nil
		return err
	}
	if f.consumed == nil {
		f.consumed = map[string]int{}
	}
	f.consumed[subscriptionID]++
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*models.Job
	keys map[string]bool
}

func (q *fakeQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keys == nil {
		q.keys = map[string]bool{}
	}
	if job.DedupeKey != nil {
		if q.keys[*job.DedupeKey] {
			return store.ErrJobAlreadyQueued
		}
		q.keys[*job.DedupeKey] = true
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	canceled []string
}

func (g *fakeGateway) CreateCustomer(_ context.Context, cust gateway.Customer) (string, error) {
	return "cus_" + cust.Document, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, customerID, planRef string) (string, error) {
	return "gw_" + customerID + "_" + planRef, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, id)
	return nil
}
