package models

import "time"

// CheckoutLink is a single-use, expiring token gating the payment page of one
// draft subscription.
type CheckoutLink struct {
	Token          string     `json:"token"`
	SubscriptionID string     `json:"subscription_id"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Used           bool       `json:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the link can no longer be redeemed at now.
func (l *CheckoutLink) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
