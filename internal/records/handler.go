package records

import (
	"context"

	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

const handoffConsumer = "medical-records"

// Handoff is the outbox handler for appointment.completed tasks.
type Handoff struct {
	creator Creator
	ledger  events.Ledger
	logger  *logging.Logger
}

func NewHandoff(creator Creator, ledger events.Ledger, logger *logging.Logger) *Handoff {
	if logger == nil {
		logger = logging.Default()
	}
	if creator == nil {
		creator = NewLoggingCreator(logger)
	}
	return &Handoff{creator: creator, ledger: ledger, logger: logger}
}

// Types lists the task types this handler accepts.
func (h *Handoff) Types() []string {
	return []string{events.TypeAppointmentCompleted}
}

// Handle implements events.DeliveryHandler.
func (h *Handoff) Handle(ctx context.Context, entry events.OutboxEntry) error {
	var evt events.AppointmentTransitionedV1
	if err := entry.Decode(&evt); err != nil {
		return events.Permanent(err)
	}
	rec, err := FromEvent(evt)
	if err != nil {
		return events.Permanent(err)
	}
	if h.ledger != nil {
		done, err := h.ledger.AlreadyProcessed(ctx, handoffConsumer, evt.EventID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := h.creator.Create(ctx, rec); err != nil {
		return err
	}
	if h.ledger != nil {
		if _, err := h.ledger.MarkProcessed(ctx, handoffConsumer, evt.EventID); err != nil {
			h.logger.Warn("failed to record medical record handoff", "error", err, "event_id", evt.EventID)
		}
	}
	return nil
}
