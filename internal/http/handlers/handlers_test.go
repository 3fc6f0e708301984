package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

var (
	patient = authority.Identity{SubjectID: "patient-1", Role: authority.RolePatient}
	clinic  = authority.Identity{SubjectID: "staff-1", Role: authority.RoleClinic, ClinicID: "clinic-1"}
)

type testServer struct {
	store   *authority.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T, tier eligibility.Tier) *testServer {
	t.Helper()
	store := authority.NewMemoryStore()
	store.SeedClinic(authority.Clinic{ID: "clinic-1", Name: "Northside", Tier: tier})
	store.SeedPatient(authority.Patient{ID: "patient-1", Name: "Ada", Email: "ada@example.com"})
	svc := authority.NewService(store, authority.Options{Logger: logging.Discard()})

	appts := NewAppointmentsHandler(svc, logging.Discard())
	notes := NewNotificationsHandler(svc, logging.Discard())
	invoices := NewInvoicesHandler(svc, logging.Discard())

	r := chi.NewRouter()
	r.Route("/appointments", func(r chi.Router) {
		r.Get("/", appts.List)
		r.Post("/", appts.Create)
		r.Get("/eligibility", appts.Eligibility)
		r.Patch("/{id}/respond", appts.Respond)
		r.Post("/{id}/schedule", appts.Schedule)
		r.Post("/{id}/complete", appts.Complete)
		r.Post("/{id}/cancel", appts.Cancel)
	})
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", notes.List)
		r.Delete("/", notes.DeleteAll)
		r.Patch("/read-all", notes.MarkAllRead)
		r.Patch("/{id}/read", notes.MarkRead)
		r.Delete("/{id}", notes.Delete)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", invoices.List)
		r.Post("/", invoices.Create)
		r.Patch("/{id}/pay", invoices.Pay)
	})
	return &testServer{store: store, handler: r}
}

func (s *testServer) do(t *testing.T, id *authority.Identity, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if id != nil {
		req = req.WithContext(authority.WithIdentity(req.Context(), *id))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) book(t *testing.T, doctor string, bt appointments.BookingType) appointments.Appointment {
	t.Helper()
	rec := s.do(t, &patient, http.MethodPost, "/appointments", map[string]any{
		"patientId":   "patient-1",
		"doctorId":    doctor,
		"clinicId":    "clinic-1",
		"scheduledAt": time.Date(2026, 11, 3, 10, 0, 0, 0, time.UTC),
		"bookingType": bt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	return decode[appointments.Appointment](t, rec)
}

func TestCreateAppointmentAndList(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	appt := s.book(t, "doctor-1", appointments.BookingOnline)
	assert.Equal(t, appointments.StatusPending, appt.Status)

	rec := s.do(t, &clinic, http.MethodGet, "/appointments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]appointments.Appointment](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, appt.ID, list[0].ID)
}

func TestCreateAppointmentDeniedFinancialClearance(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	s.store.SeedInvoice(billing.Invoice{ID: "inv-1", PatientID: "patient-1", ClinicID: "clinic-1", Amount: 500, Status: billing.StatusUnpaid})

	rec := s.do(t, &patient, http.MethodPost, "/appointments", map[string]any{
		"patientId": "patient-1", "doctorId": "doctor-1", "clinicId": "clinic-1",
		"scheduledAt": time.Now().Add(time.Hour), "bookingType": "online",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[deniedBody](t, rec)
	assert.Equal(t, eligibility.ReasonFinancialClearance, body.Reason)
	require.NotNil(t, body.Detail)
	assert.Equal(t, int64(500), *body.Detail.OutstandingTotal)
}

func TestCreateAppointmentValidation(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)

	rec := s.do(t, &patient, http.MethodPost, "/appointments", map[string]any{"patientId": "patient-1", "doctorId": "d"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{"))
	req = req.WithContext(authority.WithIdentity(req.Context(), patient))
	raw := httptest.NewRecorder()
	s.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestEligibilityDryRun(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	s.book(t, "doctor-1", appointments.BookingInPerson)

	rec := s.do(t, &patient, http.MethodGet, "/appointments/eligibility?doctorId=doctor-1&clinicId=clinic-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode[eligibility.Decision](t, rec)
	assert.False(t, decision.Allowed)
	assert.Equal(t, eligibility.ReasonPendingExclusivity, decision.Reason)

	rec = s.do(t, &patient, http.MethodGet, "/appointments/eligibility?doctorId=doctor-2&clinicId=clinic-1", nil)
	assert.True(t, decode[eligibility.Decision](t, rec).Allowed)
}

func TestRespondWithoutLinkStaysPending(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	appt := s.book(t, "doctor-1", appointments.BookingWalkIn)

	rec := s.do(t, &clinic, http.MethodPatch, "/appointments/"+appt.ID+"/respond", RespondRequest{Action: "approve"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	list := decode[[]appointments.Appointment](t, s.do(t, &clinic, http.MethodGet, "/appointments", nil))
	assert.Equal(t, appointments.StatusPending, list[0].Status)
}

func TestRespondApproveThenConflict(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	appt := s.book(t, "doctor-1", appointments.BookingOnline)
	path := "/appointments/" + appt.ID + "/respond"

	rec := s.do(t, &clinic, http.MethodPatch, path, RespondRequest{Action: "approve", ConsultationLink: "https://meet.example.com/x"}, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[authority.AppointmentResult](t, rec)
	assert.Equal(t, appointments.StatusScheduled, res.Status)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	rec = s.do(t, &clinic, http.MethodPatch, path, RespondRequest{Action: "reject"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransitionPreconditions(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	appt := s.book(t, "doctor-1", appointments.BookingInPerson)
	path := "/appointments/" + appt.ID + "/respond"

	tests := []struct {
		name    string
		id      *authority.Identity
		method  string
		path    string
		body    any
		headers []string
		want    int
	}{
		{"stale version", &clinic, http.MethodPatch, path, RespondRequest{Action: "approve"}, []string{"If-Match", "7"}, http.StatusConflict},
		{"malformed version", &clinic, http.MethodPatch, path, RespondRequest{Action: "approve"}, []string{"If-Match", "abc"}, http.StatusBadRequest},
		{"unknown action", &clinic, http.MethodPatch, path, RespondRequest{Action: "maybe"}, nil, http.StatusBadRequest},
		{"patient cannot respond", &patient, http.MethodPatch, path, RespondRequest{Action: "approve"}, nil, http.StatusForbidden},
		{"unknown appointment", &clinic, http.MethodPatch, "/appointments/nope/respond", RespondRequest{Action: "approve"}, nil, http.StatusNotFound},
		{"unauthenticated", nil, http.MethodPatch, path, RespondRequest{Action: "approve"}, nil, http.StatusUnauthorized},
		{"complete from pending", &clinic, http.MethodPost, "/appointments/" + appt.ID + "/complete", nil, nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.id, tt.method, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestScheduledLifecycle(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	first := s.book(t, "doctor-1", appointments.BookingInPerson)
	second := s.book(t, "doctor-2", appointments.BookingInPerson)
	for _, a := range []appointments.Appointment{first, second} {
		rec := s.do(t, &clinic, http.MethodPatch, "/appointments/"+a.ID+"/respond", RespondRequest{Action: "approve"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, &clinic, http.MethodPost, "/appointments/"+first.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appointments.StatusCompleted, decode[authority.AppointmentResult](t, rec).Status)

	rec = s.do(t, &patient, http.MethodPost, "/appointments/"+second.ID+"/cancel", CancelRequest{Reason: "travel"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[authority.AppointmentResult](t, rec)
	assert.Equal(t, appointments.StatusCancelled, res.Status)
	assert.Equal(t, "travel", res.CancellationReason)
}

func TestNotificationRoutes(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)
	s.book(t, "doctor-1", appointments.BookingInPerson)
	s.book(t, "doctor-2", appointments.BookingInPerson)

	rec := s.do(t, &clinic, http.MethodGet, "/notifications?recipientId=clinic-1&recipientType=Clinic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]notifications.Notification](t, rec)
	require.Len(t, list, 2)

	assert.Equal(t, http.StatusForbidden, s.do(t, &clinic, http.MethodGet, "/notifications?recipientId=clinic-2&recipientType=Clinic", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, &clinic, http.MethodGet, "/notifications?recipientId=clinic-1&recipientType=Robot", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, &clinic, http.MethodGet, "/notifications?recipientType=Clinic", nil).Code)

	rec = s.do(t, &clinic, http.MethodPatch, "/notifications/"+list[0].ID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[notifications.Notification](t, rec).IsRead)

	assert.Equal(t, http.StatusForbidden, s.do(t, &patient, http.MethodPatch, "/notifications/"+list[0].ID+"/read", nil).Code)

	rec = s.do(t, &clinic, http.MethodPatch, "/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["affected"])

	assert.Equal(t, http.StatusNoContent, s.do(t, &clinic, http.MethodDelete, "/notifications/"+list[0].ID, nil).Code)
	rec = s.do(t, &clinic, http.MethodDelete, "/notifications?recipientId=clinic-1&recipientType=clinic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["affected"])

	rec = s.do(t, &clinic, http.MethodGet, "/notifications", nil)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestInvoiceRoutes(t *testing.T) {
	s := newTestServer(t, eligibility.TierFree)

	rec := s.do(t, &clinic, http.MethodPost, "/invoices", billing.CreateRequest{PatientID: "patient-1", Amount: 1250})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode[billing.Invoice](t, rec)

	assert.Equal(t, http.StatusForbidden, s.do(t, &patient, http.MethodPost, "/invoices", billing.CreateRequest{PatientID: "patient-1", ClinicID: "clinic-1", Amount: 1}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, &clinic, http.MethodPost, "/invoices", billing.CreateRequest{PatientID: "patient-1", Amount: 0}).Code)

	list := decode[[]billing.Invoice](t, s.do(t, &patient, http.MethodGet, "/invoices", nil))
	require.Len(t, list, 1)

	rec = s.do(t, &patient, http.MethodPatch, "/invoices/"+inv.ID+"/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.StatusPaid, decode[billing.Invoice](t, rec).Status)
	assert.Equal(t, http.StatusConflict, s.do(t, &patient, http.MethodPatch, "/invoices/"+inv.ID+"/pay", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, &patient, http.MethodPatch, "/invoices/missing/pay", nil).Code)
}

func TestWriteServiceErrorFallsBackTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, logging.Discard(), "test", fmt.Errorf("authority: book: %w", errors.New("db down")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestExpectedVersion(t *testing.T) {
	tests := []struct {
		header string
		want   *int
		ok     bool
	}{
		{"", nil, true},
		{"*", nil, true},
		{`"3"`, intPtr(3), true},
		{`W/"4"`, intPtr(4), true},
		{"0", nil, false},
		{"x", nil, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("If-Match", tt.header)
		got, ok := expectedVersion(req)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func intPtr(v int) *int { return &v }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = httptest.NewRecorder()
	Health(HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
