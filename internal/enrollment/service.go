package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/registry"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

var (
	ErrNotFound       = errors.New("enrollment: not found")
	ErrInvalidRequest = errors.New("enrollment: invalid request")
)

// Store is the persistence the state machine drives.
type Store interface {
	CreateEnrollmentDraft(ctx context.Context, sub *models.Subscription, e *models.PendingEnrollment) error
	GetPendingEnrollment(ctx context.Context, id string) (*models.PendingEnrollment, error)
	GetPendingEnrollmentByGatewayRef(ctx context.Context, ref string) (*models.PendingEnrollment, error)
	TransitionEnrollment(ctx context.Context, id string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (bool, error)
	TransitionEnrollmentByGatewayRef(ctx context.Context, ref string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (string, bool, error)
	ClaimRegistryLease(ctx context.Context, id string, now, until time.Time) (bool, error)
	RecordRegistryFailure(ctx context.Context, id string, f models.RegistryFailure) (bool, error)
	ListRedriveCandidates(ctx context.Context, kinds []string, cutoff, now time.Time, limit int) ([]string, error)
	MaterializeBeneficiary(ctx context.Context, m store.Materialization) (*models.Beneficiary, bool, error)
	GetBeneficiaryByGatewayRef(ctx context.Context, ref string) (*models.Beneficiary, error)
	CancelBeneficiary(ctx context.Context, ref string, at time.Time) (bool, error)
	SetSubscriptionStatus(ctx context.Context, gatewayRef string, status models.SubscriptionStatus) (bool, error)
	RecordInvoice(ctx context.Context, gatewayRef, invoiceRef string, issuedAt time.Time) (bool, error)
}

// Registry enrolls and removes beneficiaries.
type Registry interface {
	RegisterBeneficiary(ctx context.Context, p registry.Payload) (*registry.Result, error)
	CancelBeneficiary(ctx context.Context, document string) error
}

// Links issues and consumes checkout links.
type Links interface {
	Issue(ctx context.Context, subscriptionID string) (*checkout.Link, error)
	Consume(ctx context.Context, subscriptionID string) error
}

// Gateway opens the customer and subscription on the payment gateway.
type Gateway interface {
	CreateCustomer(ctx context.Context, cust gateway.Customer) (string, error)
	CreateSubscription(ctx context.Context, customerID, planRef string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Queue accepts deferred registry jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Config tunes the state machine.
type Config struct {
	// Async defers the registry call to the job worker.
	Async bool
	// LeaseTTL bounds how long one caller holds the registry step. It must
	// outlast a full retry cycle.
	LeaseTTL time.Duration
	// RedriveAfter is the minimum age of a failure before the sweeper retries it.
	RedriveAfter time.Duration
	// JobMaxAttempts is the queue-level retry budget for deferred registry jobs.
	JobMaxAttempts int
}

// Service is the pending-enrollment state machine.
type Service struct {
	store    Store
	registry Registry
	links    Links
	gateway  Gateway
	queue    Queue
	cfg      Config
	now      func() time.Time
}

// NewService wires the state machine. gateway and queue may be nil.
func NewService(st Store, reg Registry, links Links, cfg Config) (*Service, error) {
	if st == nil || reg == nil || links == nil {
		return nil, errors.New("enrollment: store, registry and links are required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.RedriveAfter <= 0 {
		cfg.RedriveAfter = 5 * time.Minute
	}
	if cfg.JobMaxAttempts < 1 {
		cfg.JobMaxAttempts = 5
	}
	return &Service{store: st, registry: reg, links: links, cfg: cfg, now: time.Now}, nil
}

// WithGateway opens customers and subscriptions at the gateway during Prepare.
func (s *Service) WithGateway(gw Gateway) *Service {
	s.gateway = gw
	return s
}

// WithQueue sets the job queue used when Async is enabled.
func (s *Service) WithQueue(q Queue) *Service {
	s.queue = q
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PrepareRequest is the checkout form as submitted by the payer.
type PrepareRequest struct {
	PlanRef     string                 `json:"plan_ref"`
	UnitRef     string                 `json:"unit_ref"`
	Beneficiary models.BeneficiaryData `json:"beneficiary"`
}

// Prepared is a draft enrollment waiting for payment.
type Prepared struct {
	EnrollmentID           string    `json:"enrollment_id"`
	SubscriptionID         string    `json:"subscription_id"`
	GatewaySubscriptionRef string    `json:"gateway_subscription_ref"`
	CheckoutURL            string    `json:"checkout_url"`
	ExpiresAt              time.Time `json:"expires_at"`
}

// Prepare creates the draft subscription and pending enrollment and issues
// the checkout link the payer will use.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	req.PlanRef = strings.TrimSpace(req.PlanRef)
	req.UnitRef = strings.TrimSpace(req.UnitRef)
	if req.PlanRef == "" {
		return nil, fmt.Errorf("%w: plan_ref is required", ErrInvalidRequest)
	}
	if req.UnitRef == "" {
		return nil, fmt.Errorf("%w: unit_ref is required", ErrInvalidRequest)
	}
	// Reject here anything the registry would refuse after payment.
	payload := registry.Payload{PlanRef: req.PlanRef, UnitRef: req.UnitRef, Beneficiary: req.Beneficiary}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	customerRef := ""
	subscriptionRef := "sub_" + uuid.NewString()
	if s.gateway != nil {
		var err error
		customerRef, err = s.gateway.CreateCustomer(ctx, gateway.Customer{
			Name:     req.Beneficiary.Name,
			Email:    req.Beneficiary.Email,
			Document: req.Beneficiary.Document,
			Phone:    req.Beneficiary.Phone,
		})
		if err != nil {
			return nil, err
		}
		subscriptionRef, err = s.gateway.CreateSubscription(ctx, customerRef, req.PlanRef)
		if err != nil {
			return nil, err
		}
	}

	sub := &models.Subscription{
		ID:                     uuid.NewString(),
		GatewaySubscriptionRef: subscriptionRef,
		GatewayCustomerRef:     customerRef,
		PlanRef:                req.PlanRef,
		Status:                 models.SubscriptionStatusPending,
	}
	e := &models.PendingEnrollment{
		ID:                     uuid.NewString(),
		PlanRef:                req.PlanRef,
		UnitRef:                req.UnitRef,
		Beneficiary:            req.Beneficiary,
		GatewayCustomerRef:     customerRef,
		GatewaySubscriptionRef: subscriptionRef,
		Status:                 models.EnrollmentAwaitingPayment,
	}
	if err := s.store.CreateEnrollmentDraft(ctx, sub, e); err != nil {
		return nil, err
	}

	link, err := s.links.Issue(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[enrollment] prepared enrollment %s for gateway subscription %s", e.ID, subscriptionRef)
	return &Prepared{
		EnrollmentID:           e.ID,
		SubscriptionID:         sub.ID,
		GatewaySubscriptionRef: subscriptionRef,
		CheckoutURL:            link.URL,
		ExpiresAt:              link.ExpiresAt,
	}, nil
}

// ReissueLink issues a fresh checkout link for an enrollment still awaiting payment.
func (s *Service) ReissueLink(ctx context.Context, enrollmentID string) (*checkout.Link, error) {
	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentAwaitingPayment {
		return nil, fmt.Errorf("%w: enrollment is %s", ErrInvalidRequest, e.Status)
	}
	return s.links.Issue(ctx, e.SubscriptionID)
}

// Get returns one enrollment.
func (s *Service) Get(ctx context.Context, id string) (*models.PendingEnrollment, error) {
	e, err := s.store.GetPendingEnrollment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// ConfirmPayment handles a captured charge. An enrollment awaiting payment
// moves to payment_confirmed. A record already in payment_confirmed has its
// follow-up steps run again, so a redelivery after a partial failure
// completes them. Any other state makes this a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, gatewayRef string) (*Result, error) {
	id, moved, err := s.store.TransitionEnrollmentByGatewayRef(ctx, gatewayRef,
		[]models.EnrollmentStatus{models.EnrollmentAwaitingPayment}, models.EnrollmentPaymentConfirmed, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		e, err := s.store.GetPendingEnrollmentByGatewayRef(ctx, gatewayRef)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if e == nil || e.Status != models.EnrollmentPaymentConfirmed {
			return s.unchanged(ctx, gatewayRef)
		}
		log.Printf("[enrollment] resuming confirmation of enrollment %s", e.ID)
		return s.settleConfirmed(ctx, e)
	}

	e, err := s.store.GetPendingEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("[enrollment] payment confirmed for enrollment %s", id)
	return s.settleConfirmed(ctx, e)
}

// settleConfirmed consumes the checkout links, activates the subscription and
// starts the registry step. Every step tolerates being repeated.
func (s *Service) settleConfirmed(ctx context.Context, e *models.PendingEnrollment) (*Result, error) {
	if err := s.links.Consume(ctx, e.SubscriptionID); err != nil {
		return nil, err
	}
	if _, err := s.store.SetSubscriptionStatus(ctx, e.GatewaySubscriptionRef, models.SubscriptionStatusActive); err != nil {
		return nil, err
	}

	if s.cfg.Async && s.queue != nil {
		if err := s.EnqueueRegistration(ctx, e.ID); err != nil {
			return nil, err
		}
		return &Result{Action: ActionRegistryQueued, EnrollmentID: e.ID, Status: models.EnrollmentPaymentConfirmed}, nil
	}
	return s.RegisterWithRegistry(ctx, e.ID)
}

// EnqueueRegistration schedules the registry step on the job worker.
func (s *Service) EnqueueRegistration(ctx context.Context, enrollmentID string) error {
	if s.queue == nil {
		return errors.New("enrollment: no job queue configured")
	}
	key := "registry:" + enrollmentID
	err := s.queue.Enqueue(ctx, &models.Job{
		JobType:     models.JobTypeRegistryRegister,
		Payload:     models.JSONB{"enrollment_id": enrollmentID},
		Priority:    models.JobPriorityHigh,
		MaxAttempts: s.cfg.JobMaxAttempts,
		DedupeKey:   &key,
	})
	if errors.Is(err, store.ErrJobAlreadyQueued) {
		return nil
	}
	return err
}

// FailPayment records a refused charge.
func (s *Service) FailPayment(ctx context.Context, gatewayRef, reason string) (*Result, error) {
	if reason == "" {
		reason = "payment failed"
	}
	id, moved, err := s.store.TransitionEnrollmentByGatewayRef(ctx, gatewayRef,
		[]models.EnrollmentStatus{models.EnrollmentAwaitingPayment, models.EnrollmentPaymentConfirmed},
		models.EnrollmentPaymentFailed, &reason)
	if err != nil {
		return nil, err
	}
	if !moved {
		return s.unchanged(ctx, gatewayRef)
	}
	log.Printf("[enrollment] payment failed for enrollment %s: %s", id, reason)
	return &Result{Action: ActionPaymentFailed, EnrollmentID: id, Status: models.EnrollmentPaymentFailed, Reason: reason}, nil
}

// CancelSubscription handles a gateway-side cancellation. Enrollments that
// never reached the registry are closed; a materialized beneficiary is
// removed from the registry and deactivated.
func (s *Service) CancelSubscription(ctx context.Context, gatewayRef, reason string) (*Result, error) {
	reason = "subscription canceled" + suffix(reason)
	if _, err := s.store.SetSubscriptionStatus(ctx, gatewayRef, models.SubscriptionStatusCanceled); err != nil {
		return nil, err
	}

	id, moved, err := s.store.TransitionEnrollmentByGatewayRef(ctx, gatewayRef,
		[]models.EnrollmentStatus{models.EnrollmentAwaitingPayment, models.EnrollmentPaymentConfirmed, models.EnrollmentRegistryFailed},
		models.EnrollmentPaymentFailed, &reason)
	if err != nil {
		return nil, err
	}
	if moved {
		log.Printf("[enrollment] enrollment %s closed by subscription cancellation", id)
		return &Result{Action: ActionCanceled, EnrollmentID: id, Status: models.EnrollmentPaymentFailed, Reason: reason}, nil
	}

	ben, err := s.store.GetBeneficiaryByGatewayRef(ctx, gatewayRef)
	if errors.Is(err, store.ErrNotFound) {
		return s.unchanged(ctx, gatewayRef)
	}
	if err != nil {
		return nil, err
	}
	if ben.Status != models.BeneficiaryStatusActive {
		return &Result{Action: ActionNoop, EnrollmentID: ben.EnrollmentID, BeneficiaryID: ben.ID, Status: models.EnrollmentRegistryConfirmed}, nil
	}

	res := &Result{Action: ActionCanceled, EnrollmentID: ben.EnrollmentID, BeneficiaryID: ben.ID, Status: models.EnrollmentRegistryConfirmed, Reason: reason}
	if err := s.registry.CancelBeneficiary(ctx, ben.Data.Document); err != nil {
		var rerr *registry.Error
		if errors.As(err, &rerr) && rerr.Retryable() {
			return nil, err
		}
		res.RegistryError = err.Error()
		res.RegistryErrorKind = string(registry.KindOf(err))
		log.Printf("[enrollment] registry cancel for beneficiary %s failed: %v", ben.ID, err)
	}
	if _, err := s.store.CancelBeneficiary(ctx, gatewayRef, s.now()); err != nil {
		return nil, err
	}
	log.Printf("[enrollment] beneficiary %s canceled", ben.ID)
	return res, nil
}

// RecordInvoice stores the latest invoice issued for a subscription.
func (s *Service) RecordInvoice(ctx context.Context, gatewayRef, invoiceRef string, issuedAt time.Time) (*Result, error) {
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	changed, err := s.store.RecordInvoice(ctx, gatewayRef, invoiceRef, issuedAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{Action: ActionNoop, Reason: "subscription unknown or invoice older than recorded"}, nil
	}
	return &Result{Action: ActionInvoiceRecorded, Reason: invoiceRef}, nil
}

// RegisterWithRegistry runs the registry step for a payment_confirmed
// enrollment. Only the caller holding the registry lease calls out; a
// concurrent caller returns registry_skipped.
func (s *Service) RegisterWithRegistry(ctx context.Context, enrollmentID string) (*Result, error) {
	now := s.now()
	claimed, err := s.store.ClaimRegistryLease(ctx, enrollmentID, now, now.Add(s.cfg.LeaseTTL))
	if err != nil {
		return nil, err
	}
	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &Result{Action: ActionRegistrySkipped, EnrollmentID: e.ID, Status: e.Status}, nil
	}

	res, err := s.registry.RegisterBeneficiary(ctx, registry.Payload{
		PlanRef:     e.PlanRef,
		UnitRef:     e.UnitRef,
		Beneficiary: e.Beneficiary,
	})
	if err != nil {
		return s.recordFailure(ctx, e, err)
	}

	ben, created, err := s.store.MaterializeBeneficiary(ctx, store.Materialization{
		EnrollmentID: e.ID,
		RegistryRef:  res.RegistryRef,
		Attempts:     res.Attempts,
		At:           s.now(),
	})
	if errors.Is(err, store.ErrStaleTransition) {
		current, gerr := s.Get(ctx, e.ID)
		if gerr != nil {
			return nil, gerr
		}
		return &Result{Action: ActionNoop, EnrollmentID: e.ID, Status: current.Status}, nil
	}
	if err != nil {
		return nil, err
	}

	if created {
		log.Printf("[enrollment] beneficiary %s materialized for enrollment %s", ben.ID, e.ID)
	}
	return &Result{
		Action:        ActionRegistryConfirmed,
		EnrollmentID:  e.ID,
		Status:        models.EnrollmentRegistryConfirmed,
		BeneficiaryID: ben.ID,
		RegistryRef:   res.RegistryRef,
		Attempts:      res.Attempts,
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, e *models.PendingEnrollment, cause error) (*Result, error) {
	kind := registry.KindTransient
	attempts := 0
	msg := cause.Error()
	var rerr *registry.Error
	if errors.As(cause, &rerr) {
		kind = rerr.Kind
		attempts = rerr.Attempts
		msg = rerr.Message
	}

	moved, err := s.store.RecordRegistryFailure(ctx, e.ID, models.RegistryFailure{
		Message:  msg,
		Kind:     string(kind),
		Attempts: attempts,
		At:       s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		current, gerr := s.Get(ctx, e.ID)
		if gerr != nil {
			return nil, gerr
		}
		return &Result{Action: ActionNoop, EnrollmentID: e.ID, Status: current.Status}, nil
	}

	log.Printf("[enrollment] registry failed for enrollment %s (%s after %d attempt(s)): %s", e.ID, kind, attempts, msg)
	return &Result{
		Action:            ActionRegistryFailed,
		EnrollmentID:      e.ID,
		Status:            models.EnrollmentRegistryFailed,
		RegistryError:     msg,
		RegistryErrorKind: string(kind),
		Attempts:          attempts,
	}, nil
}

// Redrive pushes a registry_failed enrollment through the registry again.
// A payment_confirmed record with a lapsed lease is retried as well.
func (s *Service) Redrive(ctx context.Context, enrollmentID string) (*Result, error) {
	moved, err := s.store.TransitionEnrollment(ctx, enrollmentID,
		[]models.EnrollmentStatus{models.EnrollmentRegistryFailed}, models.EnrollmentPaymentConfirmed, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		e, err := s.Get(ctx, enrollmentID)
		if err != nil {
			return nil, err
		}
		if e.Status != models.EnrollmentPaymentConfirmed {
			return &Result{Action: ActionNoop, EnrollmentID: e.ID, Status: e.Status}, nil
		}
	}

	log.Printf("[enrollment] re-driving enrollment %s", enrollmentID)
	if s.cfg.Async && s.queue != nil {
		if err := s.EnqueueRegistration(ctx, enrollmentID); err != nil {
			return nil, err
		}
		return &Result{Action: ActionRegistryQueued, EnrollmentID: enrollmentID, Status: models.EnrollmentPaymentConfirmed}, nil
	}
	return s.RegisterWithRegistry(ctx, enrollmentID)
}

// Cancel closes an enrollment that is still awaiting payment or stuck in
// registry_failed.
func (s *Service) Cancel(ctx context.Context, enrollmentID, reason string) (*Result, error) {
	reason = "canceled by operator" + suffix(reason)
	moved, err := s.store.TransitionEnrollment(ctx, enrollmentID,
		[]models.EnrollmentStatus{models.EnrollmentAwaitingPayment, models.EnrollmentRegistryFailed},
		models.EnrollmentPaymentFailed, &reason)
	if err != nil {
		return nil, err
	}
	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !moved {
		return &Result{Action: ActionNoop, EnrollmentID: e.ID, Status: e.Status}, nil
	}
	log.Printf("[enrollment] enrollment %s canceled by operator", enrollmentID)

	if _, err := s.store.SetSubscriptionStatus(ctx, e.GatewaySubscriptionRef, models.SubscriptionStatusCanceled); err != nil {
		return nil, err
	}
	if s.gateway != nil && e.GatewayCustomerRef != "" {
		if err := s.gateway.CancelSubscription(ctx, e.GatewaySubscriptionRef); err != nil {
			log.Printf("[enrollment] gateway cancel of %s failed: %v", e.GatewaySubscriptionRef, err)
		}
	}
	return &Result{Action: ActionCanceled, EnrollmentID: e.ID, Status: e.Status, Reason: reason}, nil
}

// SweepRedrive re-drives transient registry failures older than RedriveAfter
// and payment_confirmed records whose lease lapsed. It returns how many
// enrollments were attempted.
func (s *Service) SweepRedrive(ctx context.Context, limit int) (int, error) {
	now := s.now()
	ids, err := s.store.ListRedriveCandidates(ctx, []string{string(registry.KindTransient)}, now.Add(-s.cfg.RedriveAfter), now, limit)
	if err != nil {
		return 0, err
	}

	var errs *multierror.Error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if _, err := s.Redrive(ctx, id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("redrive %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		log.Printf("[enrollment] redrive sweep attempted %d enrollment(s)", len(ids))
	}
	return len(ids), errs.ErrorOrNil()
}

func (s *Service) unchanged(ctx context.Context, gatewayRef string) (*Result, error) {
	e, err := s.store.GetPendingEnrollmentByGatewayRef(ctx, gatewayRef)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Action: ActionIgnored, Reason: "unknown subscription " + gatewayRef}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionNoop, EnrollmentID: e.ID, Status: e.Status}, nil
}

func suffix(reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return ": " + reason
	}
	return ""
}
