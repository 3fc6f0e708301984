package appointments

import (
	"fmt"
	"strings"
	"time"
)

// Action is a request to move an appointment through the workflow.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionSchedule Action = "schedule"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// Command carries an action plus the data that must be committed with it.
type Command struct {
	Action           Action
	ConsultationLink string
	Reason           string
}

// Transition records one edge taken by a command.
type Transition struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// Outcome is the result of applying a command: the updated record and every
// edge traversed, in order.
type Outcome struct {
	Appointment Appointment
	Transitions []Transition
}

// Final returns the status the appointment ended in.
func (o Outcome) Final() Status {
	return o.Appointment.Status
}

// Entered reports whether the outcome passed through status s.
func (o Outcome) Entered(s Status) bool {
	for _, t := range o.Transitions {
		if t.To == s {
			return true
		}
	}
	return false
}

var edges = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusRejected},
	StatusAccepted:  {StatusScheduled},
	StatusScheduled: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowConfig tunes the approval workflow.
type WorkflowConfig struct {
	// LinkRequired lists booking types that need a consultation link before leaving pending.
	LinkRequired []BookingType
	// AutoSchedule applies accepted -> scheduled in the same commit as the approval.
	AutoSchedule bool
}

// DefaultWorkflowConfig mirrors the portal's observed behaviour.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		LinkRequired: []BookingType{BookingWalkIn, BookingOnline},
		AutoSchedule: true,
	}
}

// Workflow is the appointment state machine. It is pure: it never touches storage.
type Workflow struct {
	linkRequired map[BookingType]bool
	autoSchedule bool
	now          func() time.Time
}

// NewWorkflow builds a workflow from cfg.
func NewWorkflow(cfg WorkflowConfig) *Workflow {
	w := &Workflow{
		linkRequired: make(map[BookingType]bool, len(cfg.LinkRequired)),
		autoSchedule: cfg.AutoSchedule,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, bt := range cfg.LinkRequired {
		w.linkRequired[bt] = true
	}
	return w
}

// RequiresLink reports whether bt must carry a consultation link before acceptance.
func (w *Workflow) RequiresLink(bt BookingType) bool {
	return w.linkRequired[bt]
}

// AutoSchedules reports whether approval also schedules.
func (w *Workflow) AutoSchedules() bool {
	return w.autoSchedule
}

// Apply validates cmd against the current record and returns the updated copy.
// The input is never modified, so a rejected command leaves the caller's record as it was.
func (w *Workflow) Apply(current Appointment, cmd Command) (Outcome, error) {
	// respond is only meaningful on a pending record; anything else means
	// another session got there first.
	if (cmd.Action == ActionApprove || cmd.Action == ActionReject) && current.Status != StatusPending {
		return Outcome{}, fmt.Errorf("%w: %w: status is %s", ErrConflict, ErrInvalidTransition, current.Status)
	}
	if current.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current.Status)
	}

	next := current
	var transitions []Transition
	move := func(to Status) error {
		if !CanTransition(next.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, next.Status, to)
		}
		transitions = append(transitions, Transition{From: next.Status, To: to})
		next.Status = to
		return nil
	}

	switch cmd.Action {
	case ActionApprove, ActionReject:
		if cmd.Action == ActionReject {
			if err := move(StatusRejected); err != nil {
				return Outcome{}, err
			}
			break
		}
		link := strings.TrimSpace(cmd.ConsultationLink)
		if link == "" && w.RequiresLink(current.BookingType) {
			return Outcome{}, ErrConsultationLinkRequired
		}
		if link != "" {
			next.ConsultationLink = link
		}
		if err := move(StatusAccepted); err != nil {
			return Outcome{}, err
		}
		if w.autoSchedule {
			if err := move(StatusScheduled); err != nil {
				return Outcome{}, err
			}
		}
	case ActionSchedule:
		if err := move(StatusScheduled); err != nil {
			return Outcome{}, err
		}
	case ActionComplete:
		if err := move(StatusCompleted); err != nil {
			return Outcome{}, err
		}
	case ActionCancel:
		if err := move(StatusCancelled); err != nil {
			return Outcome{}, err
		}
		next.CancellationReason = strings.TrimSpace(cmd.Reason)
	default:
		return Outcome{}, ErrUnknownAction
	}

	next.Version = current.Version + 1
	next.UpdatedAt = w.now()
	return Outcome{Appointment: next, Transitions: transitions}, nil
}

// ParseRespondAction maps the respond endpoint's action string.
func ParseRespondAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionApprove:
		return ActionApprove, nil
	case ActionReject:
		return ActionReject, nil
	}
	return "", ErrUnknownAction
}
