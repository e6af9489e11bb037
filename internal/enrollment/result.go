package enrollment

import (
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

// Actions reported in a Result.
const (
	ActionPaymentConfirmed  = "payment_confirmed"
	ActionPaymentFailed     = "payment_failed"
	ActionRegistryConfirmed = "registry_confirmed"
	ActionRegistryFailed    = "registry_failed"
	ActionRegistryQueued    = "registry_queued"
	ActionRegistrySkipped   = "registry_skipped"
	ActionCanceled          = "canceled"
	ActionInvoiceRecorded   = "invoice_recorded"
	ActionNoop              = "noop"
	ActionIgnored           = "ignored"
)

// Result describes what one state-machine operation did.
type Result struct {
	Action            string
	EnrollmentID      string
	Status            models.EnrollmentStatus
	BeneficiaryID     string
	RegistryRef       string
	RegistryError     string
	RegistryErrorKind string
	Attempts          int
	Reason            string
}

// Map renders the result as the JSON object stored with a webhook event.
func (r *Result) Map() models.JSONB {
	out := models.JSONB{"action": r.Action}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("enrollment_id", r.EnrollmentID)
	set("status", string(r.Status))
	set("beneficiary_id", r.BeneficiaryID)
	set("registry_ref", r.RegistryRef)
	set("registry_error", r.RegistryError)
	set("registry_error_kind", r.RegistryErrorKind)
	set("reason", r.Reason)
	if r.Attempts > 0 {
		out["registry_attempts"] = r.Attempts
	}
	return out
}
