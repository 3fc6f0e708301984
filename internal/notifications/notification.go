// Package notifications defines the in-app notification record and the
// messages emitted for appointment transitions.
package notifications

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-portal/internal/appointments"
)

// RecipientType says whether the recipient id is a patient or a clinic.
type RecipientType string

const (
	RecipientClient RecipientType = "Client"
	RecipientClinic RecipientType = "Clinic"
)

// ParseRecipientType accepts the canonical values case-insensitively; "patient" is an alias for Client.
func ParseRecipientType(raw string) (RecipientType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "client", "patient":
		return RecipientClient, nil
	case "clinic":
		return RecipientClinic, nil
	}
	return "", ErrInvalidRecipientType
}

// Type classifies what produced a notification.
type Type string

const (
	TypeAppointmentRequested Type = "appointment_requested"
	TypeAppointmentAccepted  Type = "appointment_accepted"
	TypeAppointmentRejected  Type = "appointment_rejected"
	TypeAppointmentScheduled Type = "appointment_scheduled"
	TypeAppointmentCancelled Type = "appointment_cancelled"
	TypeAppointmentCompleted Type = "appointment_completed"
	TypeInvoiceIssued        Type = "invoice_issued"
)

var (
	ErrNotFound             = errors.New("notification not found")
	ErrInvalidRecipientType = errors.New("recipientType must be Client or Clinic")
	ErrRecipientRequired    = errors.New("recipientId is required")
)

// Notification is an authority-owned alert addressed to one recipient.
type Notification struct {
	ID            string        `json:"id"`
	RecipientID   string        `json:"recipientId"`
	RecipientType RecipientType `json:"recipientType"`
	Message       string        `json:"message"`
	Type          Type          `json:"type"`
	IsRead        bool          `json:"isRead"`
	AppointmentID string        `json:"appointmentId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Recipient addresses a notification collection.
type Recipient struct {
	ID   string
	Type RecipientType
}

func (r Recipient) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// New builds an unread notification with a time-ordered id.
func New(to Recipient, typ Type, message, appointmentID string, now time.Time) (Notification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Notification{}, fmt.Errorf("notifications: new id: %w", err)
	}
	return Notification{
		ID:            id.String(),
		RecipientID:   to.ID,
		RecipientType: to.Type,
		Message:       message,
		Type:          typ,
		AppointmentID: appointmentID,
		CreatedAt:     now.UTC(),
	}, nil
}

// ForTransition returns the notification a transition into status emits, or
// false when the transition is silent. actor is the role that made the change;
// it decides who hears about a cancellation.
func ForTransition(appt appointments.Appointment, status appointments.Status, actor RecipientType, now time.Time) (Notification, bool, error) {
	when := appt.ScheduledAt.UTC().Format("Mon Jan 2 15:04 MST")
	patient := Recipient{ID: appt.PatientID, Type: RecipientClient}
	clinic := Recipient{ID: appt.ClinicID, Type: RecipientClinic}

	var (
		to  Recipient
		typ Type
		msg string
	)
	switch status {
	case appointments.StatusPending:
		to, typ = clinic, TypeAppointmentRequested
		msg = fmt.Sprintf("New %s appointment request for %s", appt.BookingType, when)
		if appt.IsReschedule {
			msg = fmt.Sprintf("Reschedule request: %s appointment for %s", appt.BookingType, when)
		}
	case appointments.StatusAccepted:
		to, typ = patient, TypeAppointmentAccepted
		msg = fmt.Sprintf("Your appointment on %s has been accepted", when)
		if appt.ConsultationLink != "" {
			msg += ". Consultation link: " + appt.ConsultationLink
		}
	case appointments.StatusRejected:
		to, typ = patient, TypeAppointmentRejected
		msg = fmt.Sprintf("Your appointment request for %s was rejected", when)
	case appointments.StatusCancelled:
		to, typ = patient, TypeAppointmentCancelled
		if actor == RecipientClient {
			to = clinic
		}
		msg = fmt.Sprintf("The appointment on %s was cancelled", when)
		if appt.CancellationReason != "" {
			msg += ": " + appt.CancellationReason
		}
	case appointments.StatusCompleted:
		to, typ = patient, TypeAppointmentCompleted
		msg = fmt.Sprintf("Your appointment on %s is complete", when)
	default:
		return Notification{}, false, nil
	}

	n, err := New(to, typ, msg, appt.ID, now)
	if err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}
