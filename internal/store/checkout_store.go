package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

// CreateCheckoutLink persists a freshly minted, unused link.
func (s *Store) CreateCheckoutLink(ctx context.Context, link *models.CheckoutLink) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO checkout_links (token, subscription_id, expires_at, used)
		 VALUES ($1, $2, $3, false)
		 RETURNING created_at`,
		link.Token, link.SubscriptionID, link.ExpiresAt.UTC(),
	).Scan(&link.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create checkout link: %w", err)
	}
	return nil
}

// GetCheckoutLink returns the link for token.
func (s *Store) GetCheckoutLink(ctx context.Context, token string) (*models.CheckoutLink, error) {
	link := &models.CheckoutLink{}
	err := s.db.QueryRowContext(ctx,
		`SELECT token, subscription_id, expires_at, used, used_at, created_at
		 FROM checkout_links WHERE token = $1`,
		token,
	).Scan(&link.Token, &link.SubscriptionID, &link.ExpiresAt, &link.Used, &link.UsedAt, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get checkout link: %w", err)
	}
	return link, nil
}

// GetSubscriptionView builds the payer-facing view of a draft subscription.
func (s *Store) GetSubscriptionView(ctx context.Context, subscriptionID string) (*models.SubscriptionView, error) {
	view := &models.SubscriptionView{}
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.plan_ref, s.status, COALESCE(e.beneficiary_name, '')
		 FROM subscriptions s
		 LEFT JOIN pending_enrollments e ON e.subscription_id = s.id
		 WHERE s.id = $1
		 LIMIT 1`,
		subscriptionID,
	).Scan(&view.SubscriptionID, &view.PlanRef, &view.Status, &view.BeneficiaryName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription view: %w", err)
	}
	return view, nil
}

// ConsumeCheckoutLinks marks every unused link of a subscription as used.
// Links that were already consumed are left untouched.
func (s *Store) ConsumeCheckoutLinks(ctx context.Context, subscriptionID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkout_links SET used = true, used_at = $2
		 WHERE subscription_id = $1 AND used = false`,
		subscriptionID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: consume checkout links: %w", err)
	}
	return rowsAffected(res)
}

// PurgeCheckoutLinks deletes used links and links that expired before cutoff.
func (s *Store) PurgeCheckoutLinks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkout_links
		 WHERE (used AND used_at < $1) OR expires_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: purge checkout links: %w", err)
	}
	return rowsAffected(res)
}
