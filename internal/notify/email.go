package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// ErrSenderNotConfigured is returned by a sender built without credentials.
var ErrSenderNotConfigured = errors.New("notify: email sender not configured")

// EmailSender delivers one email. Errors wrapped with events.Permanent will
// fail the same way on every retry.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a rendered email plus provider metadata.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string // plain text
	HTML    string // optional; derived from Body when empty

	// Tags are attached as SendGrid custom args or SES message tags.
	Tags map[string]string
}

const (
	sendGridDefaultHost = "https://api.sendgrid.com"
	sendGridMailSend    = "/v3/mail/send"
)

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Host      string // regional or test endpoint; defaults to api.sendgrid.com
}

// SendGridSender posts appointment emails to the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey    string
	host      string
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "Clinic Portal"
	}
	if cfg.Host == "" {
		cfg.Host = sendGridDefaultHost
	}
	return &SendGridSender{
		apiKey:    cfg.APIKey,
		host:      strings.TrimRight(cfg.Host, "/"),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

// Send posts msg. A 4xx other than 429 is returned as a permanent failure.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.apiKey == "" {
		return events.Permanent(ErrSenderNotConfigured)
	}

	// A request per send: sendgrid.Client keeps the body on a shared struct.
	req := sendgrid.GetRequest(s.apiKey, sendGridMailSend, s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(s.build(msg))

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		s.logger.Error("sendgrid request failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if err := sendGridStatusError(resp.StatusCode); err != nil {
		s.logger.Error("sendgrid rejected email", "status", resp.StatusCode, "body", resp.Body, "to", msg.To,
			"event_id", msg.Tags["event_id"])
		return err
	}

	s.logger.Info("email sent via sendgrid", "to", msg.To, "status", resp.StatusCode,
		"appointment_id", msg.Tags["appointment_id"])
	return nil
}

func (s *SendGridSender) build(msg EmailMessage) *mail.SGMailV3 {
	body := msg.HTML
	if body == "" {
		body = plainToHTML(msg.Body)
	}
	m := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Body,
		body,
	)
	for k, v := range msg.Tags {
		m.SetCustomArg(k, v)
	}
	return m
}

// sendGridStatusError maps a response status to nil, a retryable error or a
// permanent one.
func sendGridStatusError(status int) error {
	if status < 400 {
		return nil
	}
	err := fmt.Errorf("notify: sendgrid returned status %d", status)
	if status < 500 && status != http.StatusTooManyRequests {
		return events.Permanent(err)
	}
	return err
}

func plainToHTML(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

// StubEmailSender logs instead of sending.
type StubEmailSender struct {
	logger *logging.Logger
}

// NewStubEmailSender creates a stub email sender that logs but doesn't send.
func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("stub email sender: would send email", "to", msg.To, "subject", msg.Subject,
		"appointment_id", msg.Tags["appointment_id"])
	return nil
}
