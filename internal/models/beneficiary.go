package models

import "time"

const (
	BeneficiaryStatusActive   = "active"
	BeneficiaryStatusCanceled = "canceled"
	PaymentStatusPaid         = "paid"
)

// Beneficiary is the permanent record created once per confirmed gateway subscription.
type Beneficiary struct {
	ID                     string          `json:"id"`
	EnrollmentID           string          `json:"enrollment_id"`
	GatewaySubscriptionRef string          `json:"gateway_subscription_ref"`
	RegistryRef            string          `json:"registry_ref"`
	PlanRef                string          `json:"plan_ref"`
	UnitRef                string          `json:"unit_ref"`
	Data                   BeneficiaryData `json:"data"`
	Status                 string          `json:"status"`
	PaymentStatus          string          `json:"payment_status"`
	EnrolledAt             time.Time       `json:"enrolled_at"`
	CanceledAt             *time.Time      `json:"canceled_at,omitempty"`
}
