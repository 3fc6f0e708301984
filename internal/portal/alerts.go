package portal

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// LogToaster renders toasts as structured log lines.
type LogToaster struct {
	logger *logging.Logger
}

func NewLogToaster(logger *logging.Logger) *LogToaster {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogToaster{logger: logger}
}

func (t *LogToaster) Toast(_ context.Context, n notifications.Notification) error {
	t.logger.Info("notification",
		"notification_id", n.ID,
		"type", n.Type,
		"appointment_id", n.AppointmentID,
		"message", n.Message,
	)
	return nil
}

// TerminalBell rings the terminal bell on w.
type TerminalBell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTerminalBell(w io.Writer) *TerminalBell {
	return &TerminalBell{w: w}
}

func (b *TerminalBell) Play(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.WriteString(b.w, "\a"); err != nil {
		return fmt.Errorf("portal: ring bell: %w", err)
	}
	return nil
}
