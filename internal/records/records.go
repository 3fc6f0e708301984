// Package records hands completed appointments to the medical-record system.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// ErrIncompleteRecord is returned when a handoff lacks the ids a record needs.
var ErrIncompleteRecord = errors.New("records: appointment, patient and clinic ids are required")

// MedicalRecord is the document written for a completed appointment.
type MedicalRecord struct {
	Version       string    `json:"version"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	PatientName   string    `json:"patient_name,omitempty"`
	DoctorID      string    `json:"doctor_id"`
	ClinicID      string    `json:"clinic_id"`
	ClinicName    string    `json:"clinic_name,omitempty"`
	BookingType   string    `json:"booking_type"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// FromEvent builds the record for a completed appointment task.
func FromEvent(evt events.AppointmentTransitionedV1) (MedicalRecord, error) {
	if evt.AppointmentID == "" || evt.PatientID == "" || evt.ClinicID == "" {
		return MedicalRecord{}, ErrIncompleteRecord
	}
	return MedicalRecord{
		Version:       "1.0",
		AppointmentID: evt.AppointmentID,
		PatientID:     evt.PatientID,
		PatientName:   evt.PatientName,
		DoctorID:      evt.DoctorID,
		ClinicID:      evt.ClinicID,
		ClinicName:    evt.ClinicName,
		BookingType:   evt.BookingType,
		ScheduledAt:   evt.ScheduledAt,
		CompletedAt:   evt.OccurredAt,
	}, nil
}

// Creator persists a medical record.
type Creator interface {
	Create(ctx context.Context, rec MedicalRecord) error
}

// LoggingCreator only logs the handoff. Used when no bucket is configured.
type LoggingCreator struct {
	logger *logging.Logger
}

func NewLoggingCreator(logger *logging.Logger) *LoggingCreator {
	if logger == nil {
		logger = logging.Default()
	}
	return &LoggingCreator{logger: logger}
}

func (c *LoggingCreator) Create(_ context.Context, rec MedicalRecord) error {
	c.logger.Info("medical record handoff (stub)",
		"appointment_id", rec.AppointmentID,
		"patient_id", rec.PatientID,
		"clinic_id", rec.ClinicID,
	)
	return nil
}
