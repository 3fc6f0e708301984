package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

var appointmentCols = []string{"id", "patient_id", "doctor_id", "clinic_id", "scheduled_at", "status", "booking_type",
	"consultation_link", "is_reschedule", "cancellation_reason", "version", "created_at", "updated_at"}

func newMockService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	svc := NewService(newPostgresStoreWithDB(mock), Options{Logger: logging.Discard()})
	return svc, mock
}

func TestPostgresBookCommits(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("patient-1|doctor-1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM clinics").WithArgs("clinic-1").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("clinic-1"))
	mock.ExpectQuery("SELECT id FROM appointments").WithArgs("patient-1", "doctor-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM invoices").WithArgs("patient-1", "clinic-1").WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(0, int64(0)))
	mock.ExpectQuery("SELECT c.tier").WithArgs("clinic-1").WillReturnRows(pgxmock.NewRows([]string{"tier", "count"}).AddRow("free", 3))
	mock.ExpectExec("INSERT INTO appointments").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := svc.Book(context.Background(), patient, bookingRequest("doctor-1", appointments.BookingOnline))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Status != appointments.StatusPending || res.ID == "" {
		t.Fatalf("unexpected result %#v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBookDeniedRollsBack(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("patient-1|doctor-1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM clinics").WithArgs("clinic-1").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("clinic-1"))
	mock.ExpectQuery("SELECT id FROM appointments").WithArgs("patient-1", "doctor-1").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("appt-0"))
	mock.ExpectRollback()

	_, err := svc.Book(context.Background(), patient, bookingRequest("doctor-1", appointments.BookingOnline))
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Decision.Reason != eligibility.ReasonPendingExclusivity {
		t.Fatalf("expected PendingExclusivity denial, got %v", err)
	}
	if denied.Decision.Detail.ExistingAppointmentID != "appt-0" {
		t.Fatalf("expected existing id in detail, got %#v", denied.Decision.Detail)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRespondApproveCommits(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now().UTC()
	scheduled := now.Add(48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, patient_id").WithArgs("appt-1").WillReturnRows(pgxmock.NewRows(appointmentCols).
		AddRow("appt-1", "patient-1", "doctor-1", "clinic-1", scheduled, "pending", "in-person", "", false, "", 1, now, now))
	mock.ExpectExec("UPDATE appointments").
		WithArgs("appt-1", "scheduled", "", "", 2, pgxmock.AnyArg(), 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM patients").WithArgs("patient-1").WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email"}).AddRow("patient-1", "Ada", "ada@example.com"))
	mock.ExpectQuery("FROM clinics").WithArgs("clinic-1").WillReturnRows(pgxmock.NewRows([]string{"id", "name", "tier", "email"}).AddRow("clinic-1", "Northside", "pro", ""))
	mock.ExpectCommit()

	res, err := svc.Respond(context.Background(), clinic, "appt-1", appointments.ActionApprove, "", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Status != appointments.StatusScheduled || res.Version != 2 {
		t.Fatalf("unexpected result %#v", res.Appointment)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRespondVersionRaceIsConflict(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, patient_id").WithArgs("appt-1").WillReturnRows(pgxmock.NewRows(appointmentCols).
		AddRow("appt-1", "patient-1", "doctor-1", "clinic-1", now, "pending", "in-person", "", false, "", 1, now, now))
	mock.ExpectExec("UPDATE appointments").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := svc.Respond(context.Background(), clinic, "appt-1", appointments.ActionReject, "", nil)
	if !errors.Is(err, appointments.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRespondMissingAppointment(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, patient_id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Respond(context.Background(), clinic, "missing", appointments.ActionApprove, "https://x", nil)
	if !errors.Is(err, appointments.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresListNotifications(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM notifications").WithArgs("patient-1", "Client").WillReturnRows(
		pgxmock.NewRows([]string{"id", "recipient_id", "recipient_type", "message", "type", "is_read", "appointment_id", "created_at"}).
			AddRow("n-2", "patient-1", "Client", "accepted", "appointment_accepted", false, "appt-1", now).
			AddRow("n-1", "patient-1", "Client", "invoice", "invoice_issued", true, "", now.Add(-time.Hour)))
	mock.ExpectCommit()

	list, err := svc.ListNotifications(context.Background(), patient, notifications.Recipient{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n-2" || list[0].RecipientType != notifications.RecipientClient || !list[1].IsRead {
		t.Fatalf("unexpected list %#v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMapPgError(t *testing.T) {
	err := mapPgError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	if !errors.Is(err, appointments.ErrConflict) {
		t.Fatalf("unique violation should map to conflict, got %v", err)
	}
	plain := errors.New("boom")
	if mapPgError(plain) != plain {
		t.Fatal("other errors pass through")
	}
}
