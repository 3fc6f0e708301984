package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-portal/internal/http/middleware"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

const secret = "router-test-secret"

var (
	patient = authority.Identity{SubjectID: "patient-1", Role: authority.RolePatient}
	clinic  = authority.Identity{SubjectID: "staff-1", Role: authority.RoleClinic, ClinicID: "clinic-1"}
)

func newTestRouter(t *testing.T) (http.Handler, *signals.Hub) {
	t.Helper()
	logger := logging.Discard()
	store := authority.NewMemoryStore()
	store.SeedClinic(authority.Clinic{ID: "clinic-1", Name: "Northside", Tier: eligibility.TierBasic})
	store.SeedPatient(authority.Patient{ID: "patient-1", Name: "Ada"})

	reg := prometheus.NewRegistry()
	hub := signals.NewHub(nil, logger)
	svc := authority.NewService(store, authority.Options{
		Signals: hub,
		Metrics: metrics.NewAuthorityMetrics(reg),
		Logger:  logger,
	})

	return New(&Config{
		Logger:         logger,
		Appointments:   handlers.NewAppointmentsHandler(svc, logger),
		Notifications:  handlers.NewNotificationsHandler(svc, logger),
		Invoices:       handlers.NewInvoicesHandler(svc, logger),
		Signals:        handlers.NewSignalsHandler(hub, logger),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		JWTSecret:      secret,
	}), hub
}

func token(t *testing.T, id authority.Identity) string {
	t.Helper()
	tok, err := httpmiddleware.SignIdentityToken(secret, id, time.Hour)
	require.NoError(t, err)
	return tok
}

func request(t *testing.T, h http.Handler, id *authority.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *id))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := request(t, router, nil, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestRouterRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/appointments", "/notifications", "/invoices", "/ws"} {
		rr := request(t, router, nil, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}

func TestRouterBookingFlowAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := request(t, router, &patient, http.MethodPost, "/appointments", map[string]any{
		"patientId": "patient-1", "doctorId": "doctor-1", "clinicId": "clinic-1",
		"scheduledAt": "2026-11-03T10:00:00Z", "bookingType": "in-person",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	id := created["id"].(string)

	rr = request(t, router, &patient, http.MethodPost, "/appointments/"+id+"/complete", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code, "complete is staff only")

	rr = request(t, router, &clinic, http.MethodPatch, "/appointments/"+id+"/respond", map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = request(t, router, &clinic, http.MethodPost, "/appointments/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = request(t, router, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clinic_appointments_transitions_total")
}

func TestRouterInvoiceCreateIsStaffOnly(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := request(t, router, &patient, http.MethodPost, "/invoices", map[string]any{"patientId": "patient-1", "amount": 100})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = request(t, router, &clinic, http.MethodPost, "/invoices", map[string]any{"patientId": "patient-1", "amount": 100})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestRouterRejectsNonJSONBodies(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader("doctorId=d"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token(t, patient))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestRouterWebsocketReceivesSignals(t *testing.T) {
	router, hub := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, clinic)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.TopicCount("clinic:clinic-1") == 1 }, time.Second, 10*time.Millisecond)

	rr := request(t, router, &patient, http.MethodPost, "/appointments", map[string]any{
		"patientId": "patient-1", "doctorId": "doctor-9", "clinicId": "clinic-1",
		"scheduledAt": "2026-11-04T10:00:00Z", "bookingType": "in-person",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	seen := map[signals.Kind]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(seen) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		s, err := signals.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "clinic:clinic-1", s.Topic)
		seen[s.Kind] = true
	}
	assert.True(t, seen[signals.AppointmentUpdated])
	assert.True(t, seen[signals.NotificationUpdated])
}
