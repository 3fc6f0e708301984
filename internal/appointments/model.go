// Package appointments holds the appointment record and the approval workflow
// that governs its status from booking request to a terminal state.
package appointments

import (
	"strings"
	"time"
)

// Status is an appointment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusCompleted
}

// Active reports whether s counts against the one-open-appointment-per-doctor rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusScheduled
}

// ActiveStatuses lists the statuses that hold a (patient, doctor) slot.
var ActiveStatuses = []Status{StatusPending, StatusAccepted, StatusScheduled}

// BookingType describes how the consultation takes place.
type BookingType string

const (
	BookingWalkIn   BookingType = "walk-in"
	BookingOnline   BookingType = "online"
	BookingInPerson BookingType = "in-person"
)

// Valid reports whether b is a known booking type.
func (b BookingType) Valid() bool {
	switch b {
	case BookingWalkIn, BookingOnline, BookingInPerson:
		return true
	}
	return false
}

// Appointment is the authority-owned record; clients hold read replicas.
type Appointment struct {
	ID                 string      `json:"id"`
	PatientID          string      `json:"patientId"`
	DoctorID           string      `json:"doctorId"`
	ClinicID           string      `json:"clinicId"`
	ScheduledAt        time.Time   `json:"scheduledAt"`
	Status             Status      `json:"status"`
	BookingType        BookingType `json:"bookingType"`
	ConsultationLink   string      `json:"consultationLink,omitempty"`
	IsReschedule       bool        `json:"isReschedule"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	Version            int         `json:"version"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// BookingRequest is the payload a patient session submits to create an appointment.
type BookingRequest struct {
	PatientID    string      `json:"patientId"`
	DoctorID     string      `json:"doctorId"`
	ClinicID     string      `json:"clinicId"`
	ScheduledAt  time.Time   `json:"scheduledAt"`
	BookingType  BookingType `json:"bookingType"`
	IsReschedule bool        `json:"isReschedule,omitempty"`
}

// Validate checks the request shape; eligibility is the gate's job.
func (r *BookingRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return ErrPatientRequired
	}
	if strings.TrimSpace(r.DoctorID) == "" {
		return ErrDoctorRequired
	}
	if strings.TrimSpace(r.ClinicID) == "" {
		return ErrClinicRequired
	}
	if r.ScheduledAt.IsZero() {
		return ErrScheduledAtRequired
	}
	if !r.BookingType.Valid() {
		return ErrInvalidBookingType
	}
	return nil
}

// Scope restricts which appointments an identity can see.
type Scope struct {
	PatientID string
	ClinicID  string
}

// Matches reports whether a falls inside the scope.
func (s Scope) Matches(a *Appointment) bool {
	if s.PatientID != "" && a.PatientID != s.PatientID {
		return false
	}
	if s.ClinicID != "" && a.ClinicID != s.ClinicID {
		return false
	}
	return s.PatientID != "" || s.ClinicID != ""
}
