package authority

import (
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-portal/internal/eligibility"
)

var (
	// ErrForbidden is returned when the caller's identity does not own the record or role.
	ErrForbidden = errors.New("authority: forbidden")

	// ErrUnauthenticated is returned when no usable identity is present.
	ErrUnauthenticated = errors.New("authority: unauthenticated")

	// ErrClinicNotFound is returned when a booking names an unknown clinic.
	ErrClinicNotFound = errors.New("authority: clinic not found")
)

// DeniedError carries a booking gate denial back to the caller.
type DeniedError struct {
	Decision eligibility.Decision
}

func (e *DeniedError) Error() string {
	msg := ""
	if e.Decision.Detail != nil {
		msg = e.Decision.Detail.Message
	}
	return fmt.Sprintf("booking denied: %s: %s", e.Decision.Reason, msg)
}
