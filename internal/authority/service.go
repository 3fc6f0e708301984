// Package authority is the server-side system of record for appointments,
// notifications and invoices. Every mutation runs in one store transaction;
// side effects that may fail independently (push signals, emails, record
// handoff) happen after commit and never undo it.
package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

var authorityTracer = otel.Tracer("clinic.internal.authority")

// TaskQueue accepts best-effort tasks for later delivery.
type TaskQueue interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

// Options wires the service's collaborators. Zero values get defaults; a nil
// Signals or Tasks disables that channel.
type Options struct {
	Gate     *eligibility.Gate
	Workflow *appointments.Workflow
	Signals  signals.Publisher
	Tasks    TaskQueue
	Metrics  *metrics.AuthorityMetrics
	Logger   *logging.Logger
}

// Service implements the authority's operations.
type Service struct {
	store    Store
	gate     *eligibility.Gate
	workflow *appointments.Workflow
	signals  signals.Publisher
	tasks    TaskQueue
	metrics  *metrics.AuthorityMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store Store, opts Options) *Service {
	if store == nil {
		panic("authority: store required")
	}
	if opts.Gate == nil {
		opts.Gate = eligibility.NewGate(nil)
	}
	if opts.Workflow == nil {
		opts.Workflow = appointments.NewWorkflow(appointments.DefaultWorkflowConfig())
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Service{
		store:    store,
		gate:     opts.Gate,
		workflow: opts.Workflow,
		signals:  opts.Signals,
		tasks:    opts.Tasks,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AppointmentResult is a committed appointment plus any best-effort failures.
type AppointmentResult struct {
	appointments.Appointment
	Degraded bool     `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type task struct {
	eventType string
	payload   events.AppointmentTransitionedV1
}

// effects are collected inside a transaction and released after commit.
type effects struct {
	signals []signals.Signal
	tasks   []task
}

func (e *effects) signal(kind signals.Kind, topics ...string) {
	for _, topic := range topics {
		e.signals = append(e.signals, signals.New(kind, topic))
	}
}

func (e *effects) notified(n notifications.Notification) {
	topic := signals.PatientTopic(n.RecipientID)
	if n.RecipientType == notifications.RecipientClinic {
		topic = signals.ClinicTopic(n.RecipientID)
	}
	e.signal(signals.NotificationUpdated, topic)
}

// release publishes signals and queues tasks. Signal failures are only logged;
// task failures are returned as warnings so the caller can report a degraded success.
func (s *Service) release(ctx context.Context, fx *effects) []string {
	for _, sig := range fx.signals {
		if s.signals == nil {
			break
		}
		if err := s.signals.Publish(ctx, sig); err != nil {
			s.metrics.ObserveSideEffect("signal", "failed")
			s.logger.Warn("signal publish failed", "error", err, "topic", sig.Topic, "type", sig.Kind)
			continue
		}
		s.metrics.ObserveSideEffect("signal", "published")
	}

	var warnings []string
	for _, t := range fx.tasks {
		if s.tasks == nil {
			s.logger.Debug("task queue not configured; skipping", "type", t.eventType, "appointment_id", t.payload.AppointmentID)
			continue
		}
		if _, err := s.tasks.Insert(ctx, t.payload.AppointmentID, t.eventType, t.payload); err != nil {
			s.metrics.ObserveSideEffect(t.eventType, "failed")
			s.logger.Error("queue side effect failed", "error", err, "type", t.eventType, "appointment_id", t.payload.AppointmentID)
			warnings = append(warnings, fmt.Sprintf("%s could not be queued", describeTask(t.eventType)))
			continue
		}
		s.metrics.ObserveSideEffect(t.eventType, "queued")
	}
	return warnings
}

func describeTask(eventType string) string {
	switch eventType {
	case events.TypeAppointmentCompleted:
		return "medical record handoff"
	default:
		return "email notification"
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.ObserveCommitLatency(op, time.Since(start).Seconds())
	if errors.Is(err, appointments.ErrConflict) || errors.Is(err, appointments.ErrInvalidTransition) {
		s.metrics.ObserveConflict(op)
	}
}

func startSpan(ctx context.Context, name string, id Identity) (context.Context, trace.Span) {
	ctx, span := authorityTracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("clinic.role", string(id.Role)),
		attribute.String("clinic.subject_id", id.SubjectID),
		attribute.String("clinic.clinic_id", id.ClinicID),
	)
	return ctx, span
}

// ListAppointments returns the caller's full visible collection.
func (s *Service) ListAppointments(ctx context.Context, id Identity) ([]appointments.Appointment, error) {
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	ctx, span := startSpan(ctx, "authority.list_appointments", id)
	defer span.End()

	var out []appointments.Appointment
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListAppointments(ctx, id.AppointmentScope())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("authority: list appointments: %w", err)
	}
	return out, nil
}

// CheckEligibility evaluates the booking gate without creating anything.
// Patients are always evaluated as themselves.
func (s *Service) CheckEligibility(ctx context.Context, id Identity, req eligibility.Request) (eligibility.Decision, error) {
	if !id.Valid() {
		return eligibility.Decision{}, ErrUnauthenticated
	}
	if id.Role == RolePatient {
		req.PatientID = id.SubjectID
	}
	if id.Role == RoleClinic && req.ClinicID != id.ClinicID {
		return eligibility.Decision{}, ErrForbidden
	}
	if req.PatientID == "" {
		return eligibility.Decision{}, appointments.ErrPatientRequired
	}
	if req.DoctorID == "" {
		return eligibility.Decision{}, appointments.ErrDoctorRequired
	}
	if req.ClinicID == "" {
		return eligibility.Decision{}, appointments.ErrClinicRequired
	}
	ctx, span := startSpan(ctx, "authority.check_eligibility", id)
	defer span.End()

	var decision eligibility.Decision
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		decision, err = s.gate.Evaluate(ctx, tx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return eligibility.Decision{}, fmt.Errorf("authority: check eligibility: %w", err)
	}
	s.metrics.ObserveGateDecision(decision.Allowed, string(decision.Reason), "dry_run")
	return decision, nil
}

// Book creates a pending appointment after re-evaluating the booking gate
// inside the same transaction that inserts the record.
func (s *Service) Book(ctx context.Context, id Identity, req appointments.BookingRequest) (AppointmentResult, error) {
	if !id.Valid() {
		return AppointmentResult{}, ErrUnauthenticated
	}
	if err := req.Validate(); err != nil {
		return AppointmentResult{}, fmt.Errorf("authority: book: %w", err)
	}
	switch id.Role {
	case RolePatient:
		if req.PatientID != id.SubjectID {
			return AppointmentResult{}, ErrForbidden
		}
	case RoleClinic:
		if req.ClinicID != id.ClinicID {
			return AppointmentResult{}, ErrForbidden
		}
	}

	ctx, span := startSpan(ctx, "authority.book", id)
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.doctor_id", req.DoctorID),
		attribute.String("clinic.booking_type", string(req.BookingType)),
	)
	start := time.Now()

	var created appointments.Appointment
	fx := &effects{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockBooking(ctx, req.PatientID, req.DoctorID, req.ClinicID); err != nil {
			return err
		}
		decision, err := s.gate.Evaluate(ctx, tx, eligibility.Request{
			PatientID: req.PatientID,
			DoctorID:  req.DoctorID,
			ClinicID:  req.ClinicID,
		})
		if err != nil {
			return err
		}
		s.metrics.ObserveGateDecision(decision.Allowed, string(decision.Reason), "commit")
		if !decision.Allowed {
			return &DeniedError{Decision: decision}
		}

		apptID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new appointment id: %w", err)
		}
		now := s.now()
		created = appointments.Appointment{
			ID:           apptID.String(),
			PatientID:    req.PatientID,
			DoctorID:     req.DoctorID,
			ClinicID:     req.ClinicID,
			ScheduledAt:  req.ScheduledAt.UTC(),
			Status:       appointments.StatusPending,
			BookingType:  req.BookingType,
			IsReschedule: req.IsReschedule,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertAppointment(ctx, created); err != nil {
			return err
		}
		n, ok, err := notifications.ForTransition(created, appointments.StatusPending, id.actor(), now)
		if err != nil {
			return err
		}
		if ok {
			if err := tx.InsertNotification(ctx, n); err != nil {
				return err
			}
			fx.notified(n)
		}
		fx.signal(signals.AppointmentUpdated, signals.PatientTopic(created.PatientID), signals.ClinicTopic(created.ClinicID))
		return nil
	})
	s.observe("book", start, err)
	if err != nil {
		span.RecordError(err)
		var denied *DeniedError
		if errors.As(err, &denied) {
			s.logger.Info("booking denied", "patient_id", req.PatientID, "doctor_id", req.DoctorID, "clinic_id", req.ClinicID, "reason", denied.Decision.Reason)
			return AppointmentResult{}, denied
		}
		return AppointmentResult{}, fmt.Errorf("authority: book: %w", err)
	}

	warnings := s.release(ctx, fx)
	s.logger.Info("appointment requested", "appointment_id", created.ID, "patient_id", created.PatientID, "clinic_id", created.ClinicID, "booking_type", created.BookingType)
	return AppointmentResult{Appointment: created, Degraded: len(warnings) > 0, Warnings: warnings}, nil
}

// Respond approves or rejects a pending appointment. Of two concurrent
// responds exactly one commits; the other gets ErrConflict.
func (s *Service) Respond(ctx context.Context, id Identity, appointmentID string, action appointments.Action, consultationLink string, expectedVersion *int) (AppointmentResult, error) {
	if action != appointments.ActionApprove && action != appointments.ActionReject {
		return AppointmentResult{}, appointments.ErrUnknownAction
	}
	return s.transition(ctx, "respond", id, appointmentID, appointments.Command{Action: action, ConsultationLink: consultationLink}, expectedVersion)
}

// Schedule moves an accepted appointment to scheduled.
func (s *Service) Schedule(ctx context.Context, id Identity, appointmentID string, expectedVersion *int) (AppointmentResult, error) {
	return s.transition(ctx, "schedule", id, appointmentID, appointments.Command{Action: appointments.ActionSchedule}, expectedVersion)
}

// Complete marks a scheduled appointment completed and queues the record handoff.
func (s *Service) Complete(ctx context.Context, id Identity, appointmentID string, expectedVersion *int) (AppointmentResult, error) {
	return s.transition(ctx, "complete", id, appointmentID, appointments.Command{Action: appointments.ActionComplete}, expectedVersion)
}

// Cancel cancels a scheduled appointment. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, id Identity, appointmentID, reason string, expectedVersion *int) (AppointmentResult, error) {
	return s.transition(ctx, "cancel", id, appointmentID, appointments.Command{Action: appointments.ActionCancel, Reason: reason}, expectedVersion)
}

func (s *Service) transition(ctx context.Context, op string, id Identity, appointmentID string, cmd appointments.Command, expectedVersion *int) (AppointmentResult, error) {
	if !id.Valid() {
		return AppointmentResult{}, ErrUnauthenticated
	}
	if cmd.Action != appointments.ActionCancel && id.Role != RoleClinic {
		return AppointmentResult{}, ErrForbidden
	}

	ctx, span := startSpan(ctx, "authority."+op, id)
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.appointment_id", appointmentID),
		attribute.String("clinic.action", string(cmd.Action)),
	)
	start := time.Now()

	var outcome appointments.Outcome
	fx := &effects{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !id.Owns(&current) {
			return appointments.ErrNotFound
		}
		if expectedVersion != nil && *expectedVersion != current.Version {
			return fmt.Errorf("%w: expected version %d, have %d", appointments.ErrConflict, *expectedVersion, current.Version)
		}
		outcome, err = s.workflow.Apply(current, cmd)
		if err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, outcome.Appointment, current.Version); err != nil {
			return err
		}

		now := s.now()
		for _, tr := range outcome.Transitions {
			n, ok, err := notifications.ForTransition(outcome.Appointment, tr.To, id.actor(), now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := tx.InsertNotification(ctx, n); err != nil {
				return err
			}
			fx.notified(n)
		}
		fx.signal(signals.AppointmentUpdated, signals.PatientTopic(current.PatientID), signals.ClinicTopic(current.ClinicID))

		return s.collectTasks(ctx, tx, outcome, fx)
	})
	s.observe(op, start, err)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, appointments.ErrConflict) {
			s.logger.Warn("appointment changed concurrently", "appointment_id", appointmentID, "action", cmd.Action)
		}
		return AppointmentResult{}, fmt.Errorf("authority: %s: %w", op, err)
	}

	for _, tr := range outcome.Transitions {
		s.metrics.ObserveTransition(string(tr.From), string(tr.To))
	}
	warnings := s.release(ctx, fx)
	s.logger.Info("appointment transitioned", "appointment_id", appointmentID, "action", cmd.Action, "status", outcome.Final(), "version", outcome.Appointment.Version, "degraded", len(warnings) > 0)
	return AppointmentResult{Appointment: outcome.Appointment, Degraded: len(warnings) > 0, Warnings: warnings}, nil
}

// collectTasks snapshots the data email and record handlers need while the
// transaction still holds the row.
func (s *Service) collectTasks(ctx context.Context, tx Tx, outcome appointments.Outcome, fx *effects) error {
	var types []string
	if outcome.Entered(appointments.StatusAccepted) {
		types = append(types, events.TypeAppointmentAccepted)
	}
	if outcome.Entered(appointments.StatusRejected) {
		types = append(types, events.TypeAppointmentRejected)
	}
	if outcome.Entered(appointments.StatusCompleted) {
		types = append(types, events.TypeAppointmentCompleted)
	}
	if len(types) == 0 {
		return nil
	}
	appt := outcome.Appointment
	patient, err := tx.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return err
	}
	clinic, err := tx.GetClinic(ctx, appt.ClinicID)
	if err != nil && !errors.Is(err, ErrClinicNotFound) {
		return err
	}
	for _, t := range types {
		eventID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new event id: %w", err)
		}
		fx.tasks = append(fx.tasks, task{eventType: t, payload: events.AppointmentTransitionedV1{
			EventID:          eventID.String(),
			AppointmentID:    appt.ID,
			PatientID:        appt.PatientID,
			PatientName:      patient.Name,
			PatientEmail:     patient.Email,
			ClinicID:         appt.ClinicID,
			ClinicName:       clinic.Name,
			DoctorID:         appt.DoctorID,
			Status:           string(appt.Status),
			BookingType:      string(appt.BookingType),
			ConsultationLink: appt.ConsultationLink,
			ScheduledAt:      appt.ScheduledAt,
			OccurredAt:       appt.UpdatedAt,
		}})
	}
	return nil
}
