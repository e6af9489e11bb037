package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

const subscriptionColumns = `id, gateway_subscription_ref, gateway_customer_ref, plan_ref, status,
       last_invoice_ref, last_invoice_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := row.Scan(
		&sub.ID,
		&sub.GatewaySubscriptionRef,
		&sub.GatewayCustomerRef,
		&sub.PlanRef,
		&sub.Status,
		&sub.LastInvoiceRef,
		&sub.LastInvoiceAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetSubscription returns a subscription by its internal id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get subscription %s: %w", id, err)
	}
	return sub, err
}

// SetSubscriptionStatus moves a subscription to status unless it is already
// canceled. It reports whether a row changed.
func (s *Store) SetSubscriptionStatus(ctx context.Context, gatewayRef string, status models.SubscriptionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = $2, updated_at = now()
		 WHERE gateway_subscription_ref = $1 AND status <> $2 AND status <> 'canceled'`,
		gatewayRef, status)
	if err != nil {
		return false, fmt.Errorf("store: set subscription status: %w", err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// RecordInvoice stores the latest invoice issued for a subscription.
func (s *Store) RecordInvoice(ctx context.Context, gatewayRef, invoiceRef string, issuedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET last_invoice_ref = $2, last_invoice_at = $3, updated_at = now()
		 WHERE gateway_subscription_ref = $1
		   AND (last_invoice_at IS NULL OR last_invoice_at <= $3)`,
		gatewayRef, invoiceRef, issuedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("store: record invoice: %w", err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}
