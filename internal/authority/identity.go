package authority

import (
	"context"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/signals"
)

// Role is the kind of principal behind a request.
type Role string

const (
	RolePatient Role = "patient"
	RoleClinic  Role = "clinic"
)

// Identity is the authenticated caller. For clinic staff ClinicID is the
// clinic they act for; for patients SubjectID is the patient id.
type Identity struct {
	SubjectID string `json:"sub"`
	Role      Role   `json:"role"`
	ClinicID  string `json:"clinicId,omitempty"`
}

// Valid reports whether the identity can be scoped.
func (id Identity) Valid() bool {
	switch id.Role {
	case RolePatient:
		return id.SubjectID != ""
	case RoleClinic:
		return id.ClinicID != ""
	}
	return false
}

// AppointmentScope is the visibility scope for appointment and invoice reads.
func (id Identity) AppointmentScope() appointments.Scope {
	if id.Role == RoleClinic {
		return appointments.Scope{ClinicID: id.ClinicID}
	}
	return appointments.Scope{PatientID: id.SubjectID}
}

// Recipient is the notification collection the identity owns.
func (id Identity) Recipient() notifications.Recipient {
	if id.Role == RoleClinic {
		return notifications.Recipient{ID: id.ClinicID, Type: notifications.RecipientClinic}
	}
	return notifications.Recipient{ID: id.SubjectID, Type: notifications.RecipientClient}
}

// Topic is the push topic a session for this identity subscribes to.
func (id Identity) Topic() string {
	if id.Role == RoleClinic {
		return signals.ClinicTopic(id.ClinicID)
	}
	return signals.PatientTopic(id.SubjectID)
}

// Owns reports whether the identity may read or mutate a.
func (id Identity) Owns(a *appointments.Appointment) bool {
	return id.AppointmentScope().Matches(a)
}

func (id Identity) actor() notifications.RecipientType {
	if id.Role == RoleClinic {
		return notifications.RecipientClinic
	}
	return notifications.RecipientClient
}

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity placed by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
