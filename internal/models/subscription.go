package models

import "time"

// SubscriptionStatus mirrors the billing relationship state at the gateway.
type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

type Subscription struct {
	ID                     string             `json:"id"`
	GatewaySubscriptionRef string             `json:"gateway_subscription_ref"`
	GatewayCustomerRef     string             `json:"gateway_customer_ref"`
	PlanRef                string             `json:"plan_ref"`
	Status                 SubscriptionStatus `json:"status"`
	LastInvoiceRef         *string            `json:"last_invoice_ref,omitempty"`
	LastInvoiceAt          *time.Time         `json:"last_invoice_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SubscriptionView is what the payer sees when opening a checkout link.
type SubscriptionView struct {
	SubscriptionID  string             `json:"subscription_id"`
	PlanRef         string             `json:"plan_ref"`
	Status          SubscriptionStatus `json:"status"`
	BeneficiaryName string             `json:"beneficiary_name"`
	ExpiresAt       time.Time          `json:"expires_at"`
}
