package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
)

// AppointmentResult mirrors the authority's transition response.
type AppointmentResult struct {
	appointments.Appointment
	Degraded bool     `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Client talks to the authority's REST API with one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// BaseURL returns the authority base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token the client sends.
func (c *Client) Token() string { return c.token }

func (c *Client) ListAppointments(ctx context.Context) ([]appointments.Appointment, error) {
	var out []appointments.Appointment
	err := c.do(ctx, "list appointments", http.MethodGet, "/appointments", nil, nil, &out)
	return out, err
}

// CheckEligibility runs the booking gate without booking.
func (c *Client) CheckEligibility(ctx context.Context, doctorID, clinicID string) (eligibility.Decision, error) {
	q := url.Values{"doctorId": {doctorID}, "clinicId": {clinicID}}
	var out eligibility.Decision
	err := c.do(ctx, "check eligibility", http.MethodGet, "/appointments/eligibility?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *Client) Book(ctx context.Context, req appointments.BookingRequest) (AppointmentResult, error) {
	var out AppointmentResult
	err := c.do(ctx, "book", http.MethodPost, "/appointments", req, nil, &out)
	return out, err
}

func (c *Client) Respond(ctx context.Context, appointmentID string, action appointments.Action, consultationLink string, expectedVersion *int) (AppointmentResult, error) {
	body := map[string]string{"action": string(action)}
	if consultationLink != "" {
		body["consultationLink"] = consultationLink
	}
	var out AppointmentResult
	err := c.do(ctx, "respond", http.MethodPatch, "/appointments/"+url.PathEscape(appointmentID)+"/respond", body, expectedVersion, &out)
	return out, err
}

func (c *Client) Schedule(ctx context.Context, appointmentID string, expectedVersion *int) (AppointmentResult, error) {
	var out AppointmentResult
	err := c.do(ctx, "schedule", http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/schedule", nil, expectedVersion, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, appointmentID string, expectedVersion *int) (AppointmentResult, error) {
	var out AppointmentResult
	err := c.do(ctx, "complete", http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/complete", nil, expectedVersion, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, appointmentID, reason string, expectedVersion *int) (AppointmentResult, error) {
	var out AppointmentResult
	err := c.do(ctx, "cancel", http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/cancel", map[string]string{"reason": reason}, expectedVersion, &out)
	return out, err
}

func recipientQuery(to notifications.Recipient) string {
	if to.ID == "" {
		return ""
	}
	return "?" + url.Values{"recipientId": {to.ID}, "recipientType": {string(to.Type)}}.Encode()
}

func (c *Client) ListNotifications(ctx context.Context, to notifications.Recipient) ([]notifications.Notification, error) {
	var out []notifications.Notification
	err := c.do(ctx, "list notifications", http.MethodGet, "/notifications"+recipientQuery(to), nil, nil, &out)
	return out, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (notifications.Notification, error) {
	var out notifications.Notification
	err := c.do(ctx, "mark notification read", http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, &out)
	return out, err
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context, to notifications.Recipient) (int64, error) {
	var out struct {
		Affected int64 `json:"affected"`
	}
	err := c.do(ctx, "mark all read", http.MethodPatch, "/notifications/read-all"+recipientQuery(to), nil, nil, &out)
	return out.Affected, err
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, "delete notification", http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) DeleteNotifications(ctx context.Context, to notifications.Recipient) (int64, error) {
	var out struct {
		Affected int64 `json:"affected"`
	}
	err := c.do(ctx, "delete notifications", http.MethodDelete, "/notifications"+recipientQuery(to), nil, nil, &out)
	return out.Affected, err
}

func (c *Client) ListInvoices(ctx context.Context) ([]billing.Invoice, error) {
	var out []billing.Invoice
	err := c.do(ctx, "list invoices", http.MethodGet, "/invoices", nil, nil, &out)
	return out, err
}

func (c *Client) PayInvoice(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	var out billing.Invoice
	err := c.do(ctx, "pay invoice", http.MethodPatch, "/invoices/"+url.PathEscape(invoiceID)+"/pay", nil, nil, &out)
	return out, err
}

type errorBody struct {
	Error  string              `json:"error"`
	Reason string              `json:"reason"`
	Detail *eligibility.Detail `json:"detail"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, expectedVersion *int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("portal: %s: encode: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("portal: %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if expectedVersion != nil {
		req.Header.Set("If-Match", strconv.Quote(strconv.Itoa(*expectedVersion)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &NetworkError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusConflict:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return &ConflictError{Op: op, Message: eb.Error}
	case resp.StatusCode >= 400:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &ValidationError{Op: op, Status: resp.StatusCode, Message: eb.Error, Reason: eb.Reason, Detail: eb.Detail}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("portal: %s: decode: %w", op, err)
	}
	return nil
}
