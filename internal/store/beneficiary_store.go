package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

// Materialization describes a successful registry confirmation.
type Materialization struct {
	EnrollmentID string
	RegistryRef  string
	Attempts     int
	At           time.Time
}

// MaterializeBeneficiary promotes a payment_confirmed enrollment into a
// permanent beneficiary. The insert, the enrollment status change and the
// subscription activation commit together. The unique constraint on
// beneficiaries.gateway_subscription_ref keeps a concurrent duplicate from
// creating a second row; created reports whether this call inserted it.
func (s *Store) MaterializeBeneficiary(ctx context.Context, m Materialization) (ben *models.Beneficiary, created bool, err error) {
	err = s.inTx(ctx, "materialize beneficiary", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_enrollments
			 SET status = 'registry_confirmed',
			     registry_attempt_count = registry_attempt_count + $2,
			     last_registry_attempt_at = $3,
			     last_registry_error = NULL,
			     last_registry_error_kind = NULL,
			     registry_lease_until = NULL,
			     updated_at = now()
			 WHERE id = $1 AND status = 'payment_confirmed'`,
			m.EnrollmentID, m.Attempts, m.At.UTC())
		if err != nil {
			return fmt.Errorf("store: confirm enrollment %s: %w", m.EnrollmentID, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleTransition
		}

		var insertedID string
		err = tx.QueryRowContext(ctx,
			`INSERT INTO beneficiaries (
			   id, enrollment_id, gateway_subscription_ref, registry_ref, plan_ref, unit_ref,
			   beneficiary_name, document, email, phone, street, city, state, postal_code,
			   status, payment_status, enrolled_at)
			 SELECT $2, e.id, e.gateway_subscription_ref, $3, e.plan_ref, e.unit_ref,
			        e.beneficiary_name, e.document, e.email, e.phone, e.street, e.city, e.state, e.postal_code,
			        'active', 'paid', $4
			 FROM pending_enrollments e
			 WHERE e.id = $1
			 ON CONFLICT (gateway_subscription_ref) DO NOTHING
			 RETURNING id`,
			m.EnrollmentID, uuid.NewString(), m.RegistryRef, m.At.UTC(),
		).Scan(&insertedID)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			created = false
		default:
			return fmt.Errorf("store: insert beneficiary: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions s
			 SET status = 'active', updated_at = now()
			 FROM pending_enrollments e
			 WHERE e.id = $1 AND s.id = e.subscription_id AND s.status = 'pending'`,
			m.EnrollmentID); err != nil {
			return fmt.Errorf("store: activate subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	ben, err = s.getBeneficiaryByEnrollment(ctx, m.EnrollmentID)
	if err != nil {
		return nil, created, err
	}
	return ben, created, nil
}

const beneficiaryColumns = `id, enrollment_id, gateway_subscription_ref, registry_ref, plan_ref, unit_ref,
       beneficiary_name, document, email, phone, street, city, state, postal_code,
       status, payment_status, enrolled_at, canceled_at`

func scanBeneficiary(row rowScanner) (*models.Beneficiary, error) {
	b := &models.Beneficiary{}
	err := row.Scan(
		&b.ID,
		&b.EnrollmentID,
		&b.GatewaySubscriptionRef,
		&b.RegistryRef,
		&b.PlanRef,
		&b.UnitRef,
		&b.Data.Name,
		&b.Data.Document,
		&b.Data.Email,
		&b.Data.Phone,
		&b.Data.Address.Street,
		&b.Data.Address.City,
		&b.Data.Address.State,
		&b.Data.Address.PostalCode,
		&b.Status,
		&b.PaymentStatus,
		&b.EnrolledAt,
		&b.CanceledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) getBeneficiaryByEnrollment(ctx context.Context, enrollmentID string) (*models.Beneficiary, error) {
	b, err := scanBeneficiary(s.db.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries
		 WHERE gateway_subscription_ref = (SELECT gateway_subscription_ref FROM pending_enrollments WHERE id = $1)`,
		enrollmentID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get beneficiary for enrollment %s: %w", enrollmentID, err)
	}
	return b, err
}

// GetBeneficiaryByGatewayRef returns the beneficiary materialized for a gateway subscription.
func (s *Store) GetBeneficiaryByGatewayRef(ctx context.Context, ref string) (*models.Beneficiary, error) {
	b, err := scanBeneficiary(s.db.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE gateway_subscription_ref = $1`, ref))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get beneficiary by gateway ref %s: %w", ref, err)
	}
	return b, err
}

// CancelBeneficiary deactivates an active beneficiary.
func (s *Store) CancelBeneficiary(ctx context.Context, ref string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE beneficiaries SET status = 'canceled', canceled_at = $2
		 WHERE gateway_subscription_ref = $1 AND status = 'active'`,
		ref, at.UTC())
	if err != nil {
		return false, fmt.Errorf("store: cancel beneficiary %s: %w", ref, err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}
