package authority

import (
	"context"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
)

// Clinic is the subset of clinic data the authority needs.
type Clinic struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Tier  eligibility.Tier `json:"tier"`
	Email string           `json:"email,omitempty"`
}

// Patient is the subset of patient data used for emails.
type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Store runs fn inside one transaction. Everything fn does commits together or
// not at all; returning an error rolls back.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a transaction. It doubles as
// the booking gate's fact source so rules read the state the commit will see.
type Tx interface {
	eligibility.Facts

	// LockBooking serializes bookings for the (patient, doctor) pair and the clinic.
	LockBooking(ctx context.Context, patientID, doctorID, clinicID string) error

	GetClinic(ctx context.Context, id string) (Clinic, error)
	GetPatient(ctx context.Context, id string) (Patient, error)

	InsertAppointment(ctx context.Context, appt appointments.Appointment) error
	// GetAppointmentForUpdate loads and locks an appointment until the transaction ends.
	GetAppointmentForUpdate(ctx context.Context, id string) (appointments.Appointment, error)
	// UpdateAppointment writes appt only if the stored version still equals prevVersion.
	UpdateAppointment(ctx context.Context, appt appointments.Appointment, prevVersion int) error
	ListAppointments(ctx context.Context, scope appointments.Scope) ([]appointments.Appointment, error)

	InsertNotification(ctx context.Context, n notifications.Notification) error
	ListNotifications(ctx context.Context, to notifications.Recipient) ([]notifications.Notification, error)
	GetNotification(ctx context.Context, id string) (notifications.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, to notifications.Recipient) (int64, error)
	DeleteNotification(ctx context.Context, id string) error
	DeleteNotifications(ctx context.Context, to notifications.Recipient) (int64, error)

	InsertInvoice(ctx context.Context, inv billing.Invoice) error
	ListInvoices(ctx context.Context, scope appointments.Scope) ([]billing.Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id string) (billing.Invoice, error)
	UpdateInvoice(ctx context.Context, inv billing.Invoice) error
}
