package models

import (
	"time"
)

// EnrollmentStatus is the lifecycle state of a pending enrollment.
type EnrollmentStatus string

const (
	EnrollmentAwaitingPayment   EnrollmentStatus = "awaiting_payment"
	EnrollmentPaymentConfirmed  EnrollmentStatus = "payment_confirmed"
	EnrollmentRegistryConfirmed EnrollmentStatus = "registry_confirmed"
	EnrollmentRegistryFailed    EnrollmentStatus = "registry_failed"
	EnrollmentPaymentFailed     EnrollmentStatus = "payment_failed"
)

// Terminal reports whether no further transition can leave this status.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentRegistryConfirmed || s == EnrollmentPaymentFailed
}

// Address is the beneficiary's postal address.
type Address struct {
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state" validate:"required,len=2"`
	PostalCode string `json:"postal_code" validate:"required,numeric,len=8"`
}

// BeneficiaryData is the personal payload carried from checkout to the registry.
type BeneficiaryData struct {
	Name     string  `json:"name" validate:"required,min=3"`
	Document string  `json:"document" validate:"required,numeric,len=11"`
	Email    string  `json:"email" validate:"required,email"`
	Phone    string  `json:"phone" validate:"required,min=10,max=13"`
	Address  Address `json:"address" validate:"required"`
}

type PendingEnrollment struct {
	ID                     string           `json:"id"`
	SubscriptionID         string           `json:"subscription_id"`
	PlanRef                string           `json:"plan_ref"`
	UnitRef                string           `json:"unit_ref"`
	Beneficiary            BeneficiaryData  `json:"beneficiary"`
	GatewayCustomerRef     string           `json:"gateway_customer_ref"`
	GatewaySubscriptionRef string           `json:"gateway_subscription_ref"`
	Status                 EnrollmentStatus `json:"status"`
	LastRegistryError      *string          `json:"last_registry_error,omitempty"`
	LastRegistryErrorKind  *string          `json:"last_registry_error_kind,omitempty"`
	RegistryAttemptCount   int              `json:"registry_attempt_count"`
	LastRegistryAttemptAt  *time.Time       `json:"last_registry_attempt_at,omitempty"`
	RegistryLeaseUntil     *time.Time       `json:"-"`
	FailureReason          *string          `json:"failure_reason,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// RegistryFailure is what gets recorded when a registry call does not succeed.
type RegistryFailure struct {
	Message  string
	Kind     string
	Attempts int
	At       time.Time
}
