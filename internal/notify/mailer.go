package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// ErrNoRecipient is returned when a task carries no patient email address.
var ErrNoRecipient = errors.New("notify: patient has no email address")

const mailerConsumer = "appointment-mailer"

// AppointmentMailer turns accepted/rejected appointment tasks into patient emails.
type AppointmentMailer struct {
	sender EmailSender
	ledger events.Ledger
	logger *logging.Logger
}

// NewAppointmentMailer builds the outbox handler. ledger may be nil, in which
// case a redelivered task can send a duplicate email.
func NewAppointmentMailer(sender EmailSender, ledger events.Ledger, logger *logging.Logger) *AppointmentMailer {
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentMailer{sender: sender, ledger: ledger, logger: logger}
}

// Types lists the task types this handler accepts.
func (m *AppointmentMailer) Types() []string {
	return []string{events.TypeAppointmentAccepted, events.TypeAppointmentRejected}
}

// Handle implements events.DeliveryHandler.
func (m *AppointmentMailer) Handle(ctx context.Context, entry events.OutboxEntry) error {
	var evt events.AppointmentTransitionedV1
	if err := entry.Decode(&evt); err != nil {
		return events.Permanent(err)
	}
	if m.ledger != nil {
		done, err := m.ledger.AlreadyProcessed(ctx, mailerConsumer, evt.EventID)
		if err != nil {
			return err
		}
		if done {
			m.logger.Debug("appointment email already sent", "event_id", evt.EventID)
			return nil
		}
	}
	if strings.TrimSpace(evt.PatientEmail) == "" {
		return events.Permanent(fmt.Errorf("%w: appointment %s", ErrNoRecipient, evt.AppointmentID))
	}

	msg, err := BuildAppointmentEmail(entry.Type, evt)
	if err != nil {
		return events.Permanent(err)
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return err
	}
	if m.ledger != nil {
		if _, err := m.ledger.MarkProcessed(ctx, mailerConsumer, evt.EventID); err != nil {
			m.logger.Warn("failed to record sent email", "error", err, "event_id", evt.EventID)
		}
	}
	m.logger.Info("appointment email sent", "appointment_id", evt.AppointmentID, "type", entry.Type)
	return nil
}

// BuildAppointmentEmail renders the plain-text email for a task type.
func BuildAppointmentEmail(eventType string, evt events.AppointmentTransitionedV1) (EmailMessage, error) {
	clinic := evt.ClinicName
	if clinic == "" {
		clinic = "your clinic"
	}
	when := evt.ScheduledAt.UTC().Format("Monday, January 2 at 15:04 MST")
	greeting := "Hello"
	if evt.PatientName != "" {
		greeting = "Hello " + evt.PatientName
	}

	var subject, body string
	switch eventType {
	case events.TypeAppointmentAccepted:
		subject = fmt.Sprintf("Your appointment with %s is confirmed", clinic)
		body = fmt.Sprintf("%s,\n\n%s accepted your appointment on %s.", greeting, clinic, when)
		if evt.ConsultationLink != "" {
			body += "\n\nJoin your consultation here: " + evt.ConsultationLink
		}
	case events.TypeAppointmentRejected:
		subject = fmt.Sprintf("Your appointment request with %s", clinic)
		body = fmt.Sprintf("%s,\n\n%s could not accept your appointment request for %s. You can request another time from the portal.", greeting, clinic, when)
	default:
		return EmailMessage{}, fmt.Errorf("notify: no email for task type %s", eventType)
	}
	return EmailMessage{
		To:      evt.PatientEmail,
		ToName:  evt.PatientName,
		Subject: subject,
		Body:    body,
		Tags: map[string]string{
			"event_id":       evt.EventID,
			"appointment_id": evt.AppointmentID,
		},
	}, nil
}
