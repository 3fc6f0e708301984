package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotIfMatch, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIfMatch = r.Header.Get("If-Match")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/notifications":
			_ = json.NewEncoder(w).Encode([]notifications.Notification{{ID: "n1"}})
		default:
			_ = json.NewEncoder(w).Encode(AppointmentResult{
				Appointment: appointments.Appointment{ID: "a1", Status: appointments.StatusScheduled, Version: 3},
			})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", nil)
	version := 2
	res, err := c.Respond(context.Background(), "a1", appointments.ActionApprove, "https://meet", &version)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, `"2"`, gotIfMatch)
	assert.Equal(t, "/appointments/a1/respond", gotPath)
	assert.Equal(t, 3, res.Version)

	list, err := c.ListNotifications(context.Background(), notifications.Recipient{ID: "clinic-1", Type: notifications.RecipientClinic})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "recipientId=clinic-1&recipientType=Clinic", gotQuery)
}

func TestClientErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		check     func(t *testing.T, err error)
		retryable bool
	}{
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var ne *NetworkError
				require.ErrorAs(t, err, &ne)
				assert.Equal(t, http.StatusServiceUnavailable, ne.Status)
			},
			retryable: true,
		},
		{
			name:   "throttled",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var ne *NetworkError
				require.ErrorAs(t, err, &ne)
			},
			retryable: true,
		},
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   `{"error":"appointment changed concurrently"}`,
			check: func(t *testing.T, err error) {
				var ce *ConflictError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "appointment changed concurrently", ce.Message)
			},
		},
		{
			name:   "gate denial",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":"booking not allowed","reason":"FinancialClearance","detail":{"message":"1 unpaid invoice(s) must be settled before booking","outstandingTotal":500,"unpaidInvoices":1}}`,
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.True(t, ve.Denied())
				assert.Equal(t, string(eligibility.ReasonFinancialClearance), ve.Reason)
				require.NotNil(t, ve.Detail.OutstandingTotal)
				assert.Equal(t, int64(500), *ve.Detail.OutstandingTotal)
			},
		},
		{
			name:   "bad input",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.False(t, ve.Denied())
				assert.Equal(t, "Bad Request", ve.Message)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "tok", nil).Book(context.Background(), appointments.BookingRequest{})
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestClientTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", nil).ListAppointments(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestSignalURL(t *testing.T) {
	u, err := SignalURL("https://portal.example.com/api/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.example.com/api/ws?token=abc", u)

	u, err = SignalURL("http://localhost:8080", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", u)

	_, err = SignalURL("ftp://x", "")
	assert.Error(t, err)
}
