package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// ErrNoHandler is returned by Router for task types nobody registered.
var ErrNoHandler = errors.New("events: no handler for task type")

// DeliveryHandler performs the side effect an outbox entry describes.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// HandlerFunc adapts a function to DeliveryHandler.
type HandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f HandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the Deliverer dead-letters the entry immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Router dispatches entries by type.
type Router struct {
	handlers map[string]DeliveryHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]DeliveryHandler)}
}

// Register binds h to one or more task types.
func (r *Router) Register(h DeliveryHandler, types ...string) *Router {
	for _, t := range types {
		r.handlers[t] = h
	}
	return r
}

func (r *Router) Handle(ctx context.Context, entry OutboxEntry) error {
	h, ok := r.handlers[entry.Type]
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoHandler, entry.Type))
	}
	return h.Handle(ctx, entry)
}

// Deliverer polls the outbox and invokes the handler.
type Deliverer struct {
	store       Outbox
	handler     DeliveryHandler
	logger      *logging.Logger
	metrics     *metrics.AuthorityMetrics
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

func NewDeliverer(store Outbox, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 6,
		baseDelay:   30 * time.Second,
		maxDelay:    6 * time.Hour,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) WithBaseDelay(delay time.Duration) *Deliverer {
	if delay > 0 {
		d.baseDelay = delay
	}
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.AuthorityMetrics) *Deliverer {
	d.metrics = m
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain processes one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.fail(ctx, entry, err)
			continue
		}
		d.metrics.ObserveOutboxDelivery(entry.Type, "delivered")
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}

func (d *Deliverer) fail(ctx context.Context, entry OutboxEntry, cause error) {
	attempts := entry.Attempts + 1
	var perm *PermanentError
	dead := errors.As(cause, &perm) || attempts >= d.maxAttempts
	next := d.now().Add(d.nextDelay(entry.Attempts))

	result := "retry"
	if dead {
		result = "dead"
		d.logger.Error("outbox entry dead-lettered", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempts", attempts)
	} else {
		d.logger.Warn("outbox delivery failed", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempts", attempts, "next_attempt_at", next)
	}
	d.metrics.ObserveOutboxDelivery(entry.Type, result)

	if err := d.store.MarkFailed(ctx, entry.ID, cause.Error(), next, dead); err != nil {
		d.logger.Error("failed to record outbox failure", "error", err, "event_id", entry.ID)
	}
}

func (d *Deliverer) nextDelay(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	delay := d.baseDelay * time.Duration(1<<attempts)
	if delay > d.maxDelay {
		delay = d.maxDelay
	}
	return delay
}
