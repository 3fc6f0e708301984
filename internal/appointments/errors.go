package appointments

import "errors"

var (
	// ErrNotFound is returned when an appointment does not exist or is outside the caller's scope.
	ErrNotFound = errors.New("appointment not found")

	// ErrConflict is returned when the record changed concurrently; callers must re-fetch.
	ErrConflict = errors.New("appointment changed concurrently")

	// ErrInvalidTransition is returned when the workflow has no edge for the requested move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConsultationLinkRequired is returned when approving a link-policy booking without a link.
	ErrConsultationLinkRequired = errors.New("consultation link required to accept this booking type")

	// ErrUnknownAction is returned for respond actions other than approve/reject.
	ErrUnknownAction = errors.New("action must be approve or reject")

	ErrPatientRequired     = errors.New("patientId is required")
	ErrDoctorRequired      = errors.New("doctorId is required")
	ErrClinicRequired      = errors.New("clinicId is required")
	ErrScheduledAtRequired = errors.New("scheduledAt is required")
	ErrInvalidBookingType  = errors.New("bookingType must be walk-in, online or in-person")
)
