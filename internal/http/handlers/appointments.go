package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// AppointmentService is the subset of the authority used by AppointmentsHandler.
type AppointmentService interface {
	ListAppointments(ctx context.Context, id authority.Identity) ([]appointments.Appointment, error)
	CheckEligibility(ctx context.Context, id authority.Identity, req eligibility.Request) (eligibility.Decision, error)
	Book(ctx context.Context, id authority.Identity, req appointments.BookingRequest) (authority.AppointmentResult, error)
	Respond(ctx context.Context, id authority.Identity, appointmentID string, action appointments.Action, consultationLink string, expectedVersion *int) (authority.AppointmentResult, error)
	Schedule(ctx context.Context, id authority.Identity, appointmentID string, expectedVersion *int) (authority.AppointmentResult, error)
	Complete(ctx context.Context, id authority.Identity, appointmentID string, expectedVersion *int) (authority.AppointmentResult, error)
	Cancel(ctx context.Context, id authority.Identity, appointmentID, reason string, expectedVersion *int) (authority.AppointmentResult, error)
}

// AppointmentsHandler serves the appointment routes.
type AppointmentsHandler struct {
	svc    AppointmentService
	logger *logging.Logger
}

func NewAppointmentsHandler(svc AppointmentService, logger *logging.Logger) *AppointmentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{svc: svc, logger: logger}
}

// RespondRequest is the body of PATCH /appointments/{id}/respond.
type RespondRequest struct {
	Action           string `json:"action"`
	ConsultationLink string `json:"consultationLink,omitempty"`
}

// CancelRequest is the body of POST /appointments/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// List returns the caller's full collection.
// GET /appointments
func (h *AppointmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListAppointments(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "list_appointments", err)
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Eligibility is a dry run of the booking gate.
// GET /appointments/eligibility?doctorId&clinicId[&patientId]
func (h *AppointmentsHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	decision, err := h.svc.CheckEligibility(r.Context(), id, eligibility.Request{
		PatientID: q.Get("patientId"),
		DoctorID:  q.Get("doctorId"),
		ClinicID:  q.Get("clinicId"),
	})
	if err != nil {
		writeServiceError(w, h.logger, "check_eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Create books a new pending appointment.
// POST /appointments
func (h *AppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req appointments.BookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Book(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.logger, "book", err)
		return
	}
	setETag(w, res.Version)
	writeJSON(w, http.StatusCreated, res)
}

// Respond approves or rejects a pending appointment.
// PATCH /appointments/{id}/respond
func (h *AppointmentsHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	h.mutate(w, r, "respond", &req, func(ctx context.Context, id authority.Identity, apptID string, version *int) (authority.AppointmentResult, error) {
		action, err := appointments.ParseRespondAction(req.Action)
		if err != nil {
			return authority.AppointmentResult{}, err
		}
		return h.svc.Respond(ctx, id, apptID, action, req.ConsultationLink, version)
	})
}

// Schedule moves an accepted appointment to scheduled.
// POST /appointments/{id}/schedule
func (h *AppointmentsHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "schedule", nil, h.svc.Schedule)
}

// Complete marks a scheduled appointment completed.
// POST /appointments/{id}/complete
func (h *AppointmentsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "complete", nil, h.svc.Complete)
}

// Cancel cancels a scheduled appointment.
// POST /appointments/{id}/cancel
func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	h.mutate(w, r, "cancel", &req, func(ctx context.Context, id authority.Identity, apptID string, version *int) (authority.AppointmentResult, error) {
		return h.svc.Cancel(ctx, id, apptID, req.Reason, version)
	})
}

type mutation func(ctx context.Context, id authority.Identity, appointmentID string, expectedVersion *int) (authority.AppointmentResult, error)

// mutate runs the shared preamble of every appointment transition route.
// body is decoded when non-nil and the request has one.
func (h *AppointmentsHandler) mutate(w http.ResponseWriter, r *http.Request, op string, body any, fn mutation) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	apptID := chi.URLParam(r, "id")
	if apptID == "" {
		jsonError(w, "missing appointment id", http.StatusBadRequest)
		return
	}
	version, ok := expectedVersion(r)
	if !ok {
		jsonError(w, "If-Match must be an appointment version", http.StatusBadRequest)
		return
	}
	if body != nil && r.ContentLength != 0 {
		if !decodeJSON(w, r, body) {
			return
		}
	}
	res, err := fn(r.Context(), id, apptID, version)
	if err != nil {
		writeServiceError(w, h.logger, op, err)
		return
	}
	if res.Degraded {
		h.logger.Warn("appointment transition degraded", "op", op, "appointment_id", apptID, "warnings", res.Warnings)
	}
	setETag(w, res.Version)
	writeJSON(w, http.StatusOK, res)
}
