package registry

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies why a registry call did not succeed.
type Kind string

const (
	// KindCredential is a 401/403; retrying with the same key cannot help.
	KindCredential Kind = "credential"
	// KindTransient covers network errors, timeouts, 429 and 5xx.
	KindTransient Kind = "transient"
	// KindBusiness is a registry rejection, including 2xx bodies that report failure.
	KindBusiness Kind = "business"
	// KindValidation means the payload was rejected locally before any call.
	KindValidation Kind = "validation"
)

// Error is returned by every failed registry operation.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Attempts   int

	causes *multierror.Error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("registry %s error (status %d, %d attempt(s)): %s", e.Kind, e.StatusCode, e.Attempts, e.Message)
	}
	return fmt.Sprintf("registry %s error (%d attempt(s)): %s", e.Kind, e.Attempts, e.Message)
}

// Unwrap exposes the per-attempt errors.
func (e *Error) Unwrap() error {
	return e.causes.ErrorOrNil()
}

// Retryable reports whether a later re-drive could succeed without operator action.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// KindOf returns the classification of err, or "" when err is not a registry error.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// attemptError is the outcome of a single HTTP exchange.
type attemptError struct {
	kind   Kind
	status int
	msg    string
}

func (e *attemptError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("status %d: %s", e.status, e.msg)
	}
	return e.msg
}

func (e *attemptError) retryable() bool {
	return e.kind == KindTransient
}
