package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
)

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the production Store. Appointment rows are locked with
// SELECT ... FOR UPDATE and written with a version compare-and-set; bookings
// take a transaction-scoped advisory lock on (patient, doctor) plus a row lock
// on the clinic so the gate's reads cannot go stale before commit. The partial
// unique index on open appointments backs the exclusivity rule.
type PostgresStore struct {
	db db
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("authority: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithDB(d db) *PostgresStore {
	if d == nil {
		panic("authority: db required")
	}
	return &PostgresStore{db: d}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("authority: begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("authority: commit: %w", mapPgError(err))
	}
	return nil
}

// mapPgError turns serialization and uniqueness failures into ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", appointments.ErrConflict, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBooking(ctx context.Context, patientID, doctorID, clinicID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, patientID+"|"+doctorID); err != nil {
		return fmt.Errorf("authority: advisory lock: %w", err)
	}
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM clinics WHERE id = $1 FOR UPDATE`, clinicID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClinicNotFound
	}
	if err != nil {
		return fmt.Errorf("authority: lock clinic: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveAppointment(ctx context.Context, patientID, doctorID string) (string, bool, error) {
	query := `
		SELECT id FROM appointments
		WHERE patient_id = $1 AND doctor_id = $2 AND status IN ('pending', 'accepted', 'scheduled')
		ORDER BY created_at
		LIMIT 1
	`
	var id string
	err := t.tx.QueryRow(ctx, query, patientID, doctorID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("authority: active appointment: %w", err)
	}
	return id, true, nil
}

func (t *pgTx) OutstandingBalance(ctx context.Context, patientID, clinicID string) (eligibility.Balance, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM invoices
		WHERE patient_id = $1 AND clinic_id = $2 AND status = 'unpaid'
	`
	var bal eligibility.Balance
	if err := t.tx.QueryRow(ctx, query, patientID, clinicID).Scan(&bal.UnpaidInvoices, &bal.TotalCents); err != nil {
		return eligibility.Balance{}, fmt.Errorf("authority: outstanding balance: %w", err)
	}
	return bal, nil
}

func (t *pgTx) ClinicUsage(ctx context.Context, clinicID string) (eligibility.Usage, error) {
	query := `
		SELECT c.tier, (SELECT COUNT(*) FROM appointments a WHERE a.clinic_id = c.id)
		FROM clinics c
		WHERE c.id = $1
	`
	var tier string
	var count int
	err := t.tx.QueryRow(ctx, query, clinicID).Scan(&tier, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return eligibility.Usage{}, ErrClinicNotFound
	}
	if err != nil {
		return eligibility.Usage{}, fmt.Errorf("authority: clinic usage: %w", err)
	}
	return eligibility.Usage{Tier: eligibility.ParseTier(tier), Count: count}, nil
}

func (t *pgTx) GetClinic(ctx context.Context, id string) (Clinic, error) {
	var c Clinic
	var tier string
	err := t.tx.QueryRow(ctx, `SELECT id, name, tier, COALESCE(email, '') FROM clinics WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &tier, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Clinic{}, ErrClinicNotFound
	}
	if err != nil {
		return Clinic{}, fmt.Errorf("authority: get clinic: %w", err)
	}
	c.Tier = eligibility.ParseTier(tier)
	return c, nil
}

func (t *pgTx) GetPatient(ctx context.Context, id string) (Patient, error) {
	var p Patient
	err := t.tx.QueryRow(ctx, `SELECT id, name, COALESCE(email, '') FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{ID: id}, nil
	}
	if err != nil {
		return Patient{}, fmt.Errorf("authority: get patient: %w", err)
	}
	return p, nil
}

const appointmentColumns = `id, patient_id, doctor_id, clinic_id, scheduled_at, status, booking_type,
	COALESCE(consultation_link, ''), is_reschedule, COALESCE(cancellation_reason, ''), version, created_at, updated_at`

func scanAppointment(row pgx.Row) (appointments.Appointment, error) {
	var a appointments.Appointment
	var status, bookingType string
	if err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ClinicID, &a.ScheduledAt, &status, &bookingType,
		&a.ConsultationLink, &a.IsReschedule, &a.CancellationReason, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return appointments.Appointment{}, err
	}
	a.Status = appointments.Status(status)
	a.BookingType = appointments.BookingType(bookingType)
	return a, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a appointments.Appointment) error {
	query := `
		INSERT INTO appointments (id, patient_id, doctor_id, clinic_id, scheduled_at, status, booking_type,
			consultation_link, is_reschedule, cancellation_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13)
	`
	_, err := t.tx.Exec(ctx, query, a.ID, a.PatientID, a.DoctorID, a.ClinicID, a.ScheduledAt, string(a.Status),
		string(a.BookingType), a.ConsultationLink, a.IsReschedule, a.CancellationReason, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("authority: insert appointment: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id string) (appointments.Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return appointments.Appointment{}, appointments.ErrNotFound
	}
	if err != nil {
		return appointments.Appointment{}, fmt.Errorf("authority: get appointment: %w", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a appointments.Appointment, prevVersion int) error {
	query := `
		UPDATE appointments
		SET status = $2, consultation_link = NULLIF($3, ''), cancellation_reason = NULLIF($4, ''),
		    version = $5, updated_at = $6
		WHERE id = $1 AND version = $7
	`
	ct, err := t.tx.Exec(ctx, query, a.ID, string(a.Status), a.ConsultationLink, a.CancellationReason, a.Version, a.UpdatedAt, prevVersion)
	if err != nil {
		return fmt.Errorf("authority: update appointment: %w", mapPgError(err))
	}
	if ct.RowsAffected() == 0 {
		return appointments.ErrConflict
	}
	return nil
}

func (t *pgTx) ListAppointments(ctx context.Context, scope appointments.Scope) ([]appointments.Appointment, error) {
	out := make([]appointments.Appointment, 0)
	if scope.PatientID == "" && scope.ClinicID == "" {
		return out, nil
	}
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE ($1 = '' OR patient_id = $1) AND ($2 = '' OR clinic_id = $2)
		ORDER BY scheduled_at, id`
	rows, err := t.tx.Query(ctx, query, scope.PatientID, scope.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("authority: list appointments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("authority: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const notificationColumns = `id, recipient_id, recipient_type, message, type, is_read, COALESCE(appointment_id, ''), created_at`

func scanNotification(row pgx.Row) (notifications.Notification, error) {
	var n notifications.Notification
	var recipientType, typ string
	if err := row.Scan(&n.ID, &n.RecipientID, &recipientType, &n.Message, &typ, &n.IsRead, &n.AppointmentID, &n.CreatedAt); err != nil {
		return notifications.Notification{}, err
	}
	n.RecipientType = notifications.RecipientType(recipientType)
	n.Type = notifications.Type(typ)
	return n, nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n notifications.Notification) error {
	query := `
		INSERT INTO notifications (id, recipient_id, recipient_type, message, type, is_read, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`
	if _, err := t.tx.Exec(ctx, query, n.ID, n.RecipientID, string(n.RecipientType), n.Message, string(n.Type), n.IsRead, n.AppointmentID, n.CreatedAt); err != nil {
		return fmt.Errorf("authority: insert notification: %w", err)
	}
	return nil
}

func (t *pgTx) ListNotifications(ctx context.Context, to notifications.Recipient) ([]notifications.Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND recipient_type = $2
		ORDER BY created_at DESC, id DESC`
	rows, err := t.tx.Query(ctx, query, to.ID, string(to.Type))
	if err != nil {
		return nil, fmt.Errorf("authority: list notifications: %w", err)
	}
	defer rows.Close()
	out := make([]notifications.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("authority: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) GetNotification(ctx context.Context, id string) (notifications.Notification, error) {
	n, err := scanNotification(t.tx.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return notifications.Notification{}, notifications.ErrNotFound
	}
	if err != nil {
		return notifications.Notification{}, fmt.Errorf("authority: get notification: %w", err)
	}
	return n, nil
}

func (t *pgTx) MarkNotificationRead(ctx context.Context, id string) error {
	ct, err := t.tx.Exec(ctx, `UPDATE notifications SET is_read = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("authority: mark notification read: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

func (t *pgTx) MarkAllNotificationsRead(ctx context.Context, to notifications.Recipient) (int64, error) {
	ct, err := t.tx.Exec(ctx, `UPDATE notifications SET is_read = true WHERE recipient_id = $1 AND recipient_type = $2 AND NOT is_read`, to.ID, string(to.Type))
	if err != nil {
		return 0, fmt.Errorf("authority: mark all read: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (t *pgTx) DeleteNotification(ctx context.Context, id string) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("authority: delete notification: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteNotifications(ctx context.Context, to notifications.Recipient) (int64, error) {
	ct, err := t.tx.Exec(ctx, `DELETE FROM notifications WHERE recipient_id = $1 AND recipient_type = $2`, to.ID, string(to.Type))
	if err != nil {
		return 0, fmt.Errorf("authority: delete notifications: %w", err)
	}
	return ct.RowsAffected(), nil
}

const invoiceColumns = `id, patient_id, clinic_id, amount, COALESCE(description, ''), status, created_at, paid_at`

func scanInvoice(row pgx.Row) (billing.Invoice, error) {
	var inv billing.Invoice
	var status string
	var paidAt *time.Time
	if err := row.Scan(&inv.ID, &inv.PatientID, &inv.ClinicID, &inv.Amount, &inv.Description, &status, &inv.CreatedAt, &paidAt); err != nil {
		return billing.Invoice{}, err
	}
	inv.Status = billing.Status(status)
	inv.PaidAt = paidAt
	return inv, nil
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv billing.Invoice) error {
	query := `
		INSERT INTO invoices (id, patient_id, clinic_id, amount, description, status, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`
	if _, err := t.tx.Exec(ctx, query, inv.ID, inv.PatientID, inv.ClinicID, inv.Amount, inv.Description, string(inv.Status), inv.CreatedAt); err != nil {
		return fmt.Errorf("authority: insert invoice: %w", err)
	}
	return nil
}

func (t *pgTx) ListInvoices(ctx context.Context, scope appointments.Scope) ([]billing.Invoice, error) {
	out := make([]billing.Invoice, 0)
	if scope.PatientID == "" && scope.ClinicID == "" {
		return out, nil
	}
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE ($1 = '' OR patient_id = $1) AND ($2 = '' OR clinic_id = $2)
		ORDER BY created_at DESC, id DESC`
	rows, err := t.tx.Query(ctx, query, scope.PatientID, scope.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("authority: list invoices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("authority: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, id string) (billing.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Invoice{}, billing.ErrNotFound
	}
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("authority: get invoice: %w", err)
	}
	return inv, nil
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	ct, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, paid_at = $3 WHERE id = $1`, inv.ID, string(inv.Status), inv.PaidAt)
	if err != nil {
		return fmt.Errorf("authority: update invoice: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}
