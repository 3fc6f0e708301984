package events

import "time"

// Task types routed through the outbox.
const (
	TypeAppointmentAccepted  = "appointment.accepted"
	TypeAppointmentRejected  = "appointment.rejected"
	TypeAppointmentCompleted = "appointment.completed"
)

// AppointmentTransitionedV1 is the payload of every appointment task. It is a
// snapshot taken at commit so handlers never read the live record.
type AppointmentTransitionedV1 struct {
	EventID          string    `json:"event_id"`
	AppointmentID    string    `json:"appointment_id"`
	PatientID        string    `json:"patient_id"`
	PatientName      string    `json:"patient_name,omitempty"`
	PatientEmail     string    `json:"patient_email,omitempty"`
	ClinicID         string    `json:"clinic_id"`
	ClinicName       string    `json:"clinic_name,omitempty"`
	DoctorID         string    `json:"doctor_id"`
	Status           string    `json:"status"`
	BookingType      string    `json:"booking_type"`
	ConsultationLink string    `json:"consultation_link,omitempty"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	OccurredAt       time.Time `json:"occurred_at"`
}
