package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

const enrollmentColumns = `id, subscription_id, plan_ref, unit_ref,
       beneficiary_name, document, email, phone, street, city, state, postal_code,
       gateway_customer_ref, gateway_subscription_ref, status,
       last_registry_error, last_registry_error_kind, registry_attempt_count,
       last_registry_attempt_at, registry_lease_until, failure_reason, created_at, updated_at`

func scanEnrollment(row rowScanner) (*models.PendingEnrollment, error) {
	e := &models.PendingEnrollment{}
	err := row.Scan(
		&e.ID,
		&e.SubscriptionID,
		&e.PlanRef,
		&e.UnitRef,
		&e.Beneficiary.Name,
		&e.Beneficiary.Document,
		&e.Beneficiary.Email,
		&e.Beneficiary.Phone,
		&e.Beneficiary.Address.Street,
		&e.Beneficiary.Address.City,
		&e.Beneficiary.Address.State,
		&e.Beneficiary.Address.PostalCode,
		&e.GatewayCustomerRef,
		&e.GatewaySubscriptionRef,
		&e.Status,
		&e.LastRegistryError,
		&e.LastRegistryErrorKind,
		&e.RegistryAttemptCount,
		&e.LastRegistryAttemptAt,
		&e.RegistryLeaseUntil,
		&e.FailureReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// CreateEnrollmentDraft inserts the draft subscription and its pending
// enrollment in one transaction.
func (s *Store) CreateEnrollmentDraft(ctx context.Context, sub *models.Subscription, e *models.PendingEnrollment) error {
	return s.inTx(ctx, "create enrollment draft", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO subscriptions (id, gateway_subscription_ref, gateway_customer_ref, plan_ref, status)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at, updated_at`,
			sub.ID, sub.GatewaySubscriptionRef, sub.GatewayCustomerRef, sub.PlanRef, sub.Status,
		).Scan(&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert subscription: %w", err)
		}

		b := e.Beneficiary
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO pending_enrollments (
			   id, subscription_id, plan_ref, unit_ref,
			   beneficiary_name, document, email, phone, street, city, state, postal_code,
			   gateway_customer_ref, gateway_subscription_ref, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 RETURNING created_at, updated_at`,
			e.ID, sub.ID, e.PlanRef, e.UnitRef,
			b.Name, b.Document, b.Email, b.Phone,
			b.Address.Street, b.Address.City, b.Address.State, b.Address.PostalCode,
			e.GatewayCustomerRef, e.GatewaySubscriptionRef, e.Status,
		).Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert pending enrollment: %w", err)
		}
		e.SubscriptionID = sub.ID
		return nil
	})
}

// GetPendingEnrollment returns an enrollment by id.
func (s *Store) GetPendingEnrollment(ctx context.Context, id string) (*models.PendingEnrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM pending_enrollments WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get pending enrollment %s: %w", id, err)
	}
	return e, err
}

// GetPendingEnrollmentByGatewayRef returns the enrollment bound to a gateway subscription.
func (s *Store) GetPendingEnrollmentByGatewayRef(ctx context.Context, ref string) (*models.PendingEnrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM pending_enrollments WHERE gateway_subscription_ref = $1`, ref))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get pending enrollment by gateway ref %s: %w", ref, err)
	}
	return e, err
}

// TransitionEnrollment moves an enrollment to `to` only when its current
// status is one of `from`. A false return means another writer got there
// first or the record is in an unrelated state.
func (s *Store) TransitionEnrollment(ctx context.Context, id string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_enrollments
		 SET status = $3,
		     failure_reason = COALESCE($4, failure_reason),
		     registry_lease_until = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($2)`,
		id, pq.Array(statusStrings(from)), to, reason)
	if err != nil {
		return false, fmt.Errorf("store: transition enrollment %s to %s: %w", id, to, err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// TransitionEnrollmentByGatewayRef is TransitionEnrollment keyed by the
// gateway subscription reference. It returns the enrollment id that moved.
func (s *Store) TransitionEnrollmentByGatewayRef(ctx context.Context, ref string, from []models.EnrollmentStatus, to models.EnrollmentStatus, reason *string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_enrollments
		 SET status = $3,
		     failure_reason = COALESCE($4, failure_reason),
		     updated_at = now()
		 WHERE gateway_subscription_ref = $1 AND status = ANY($2)
		 RETURNING id`,
		ref, pq.Array(statusStrings(from)), to, reason,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: transition enrollment by gateway ref %s to %s: %w", ref, to, err)
	}
	return id, true, nil
}

// ClaimRegistryLease grants the caller exclusive use of the registry call for
// an enrollment in payment_confirmed until `until`. Concurrent callers (a late
// duplicate webhook, a manual re-drive, the sweeper) lose the claim.
func (s *Store) ClaimRegistryLease(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_enrollments
		 SET registry_lease_until = $3, updated_at = now()
		 WHERE id = $1
		   AND status = 'payment_confirmed'
		   AND (registry_lease_until IS NULL OR registry_lease_until < $2)`,
		id, now.UTC(), until.UTC())
	if err != nil {
		return false, fmt.Errorf("store: claim registry lease %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// RecordRegistryFailure moves a payment_confirmed enrollment to registry_failed.
func (s *Store) RecordRegistryFailure(ctx context.Context, id string, f models.RegistryFailure) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_enrollments
		 SET status = 'registry_failed',
		     last_registry_error = $2,
		     last_registry_error_kind = $3,
		     registry_attempt_count = registry_attempt_count + $4,
		     last_registry_attempt_at = $5,
		     registry_lease_until = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = 'payment_confirmed'`,
		id, f.Message, f.Kind, f.Attempts, f.At.UTC())
	if err != nil {
		return false, fmt.Errorf("store: record registry failure %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// ListRedriveCandidates returns enrollments the sweeper should push through
// the registry again: failures of the given kinds whose last attempt is older
// than cutoff, and confirmed records whose registry lease lapsed.
func (s *Store) ListRedriveCandidates(ctx context.Context, kinds []string, cutoff, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pending_enrollments
		 WHERE (status = 'registry_failed'
		        AND last_registry_error_kind = ANY($1)
		        AND last_registry_attempt_at < $2)
		    OR (status = 'payment_confirmed'
		        AND updated_at < $2
		        AND (registry_lease_until IS NULL OR registry_lease_until < $3))
		 ORDER BY updated_at ASC
		 LIMIT $4`,
		pq.Array(kinds), cutoff.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list redrive candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan redrive candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate redrive candidates: %w", err)
	}
	return ids, nil
}

func statusStrings(statuses []models.EnrollmentStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
