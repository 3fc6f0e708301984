package portal

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfman30/clinic-portal/internal/eligibility"
)

// NetworkError is a transport failure, a 5xx or a 429. The last known good
// state is kept and the operation is retried on the next tick.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("portal: %s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("portal: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a request the authority refused on its merits: bad
// input, a booking gate denial or a missing precondition. Never retried.
type ValidationError struct {
	Op      string
	Status  int
	Message string
	Reason  string
	Detail  *eligibility.Detail
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("portal: %s: %s (%s)", e.Op, e.Message, e.Reason)
	}
	return fmt.Sprintf("portal: %s: %s", e.Op, e.Message)
}

// Denied reports whether the error is a booking gate denial.
func (e *ValidationError) Denied() bool {
	return e.Status == http.StatusUnprocessableEntity && e.Detail != nil
}

// ConflictError means the record changed under the caller; re-fetch before retrying.
type ConflictError struct {
	Op      string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("portal: %s: conflict: %s", e.Op, e.Message)
}

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
