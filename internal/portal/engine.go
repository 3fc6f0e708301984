package portal

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// NotificationSource lists one recipient's notifications, newest first.
type NotificationSource interface {
	ListNotifications(ctx context.Context, to notifications.Recipient) ([]notifications.Notification, error)
}

// Toaster shows a transient alert for one notification.
type Toaster interface {
	Toast(ctx context.Context, n notifications.Notification) error
}

// Sounder plays the notification chime.
type Sounder interface {
	Play(ctx context.Context) error
}

// Preferences controls which alert kinds fire.
type Preferences struct {
	Toast             bool
	Sound             bool
	SoundOncePerBatch bool
}

// EngineConfig tunes the delivery engine.
type EngineConfig struct {
	Interval time.Duration
	// Grace suppresses alerts after a (re)bind so the backlog is not replayed.
	Grace    time.Duration
	Capacity int
	Prefs    Preferences
}

const defaultCapacity = 1024

// DeliveryEngine polls a recipient's notifications and fires each alert at
// most once per notification id for the bound identity.
type DeliveryEngine struct {
	src     NotificationSource
	toaster Toaster
	sounder Sounder
	cfg     EngineConfig
	logger  *logging.Logger
	metrics *metrics.SessionMetrics
	now     func() time.Time
	kick    chan struct{}

	mu            sync.Mutex
	recipient     notifications.Recipient
	epoch         uint64
	delivered     *lru.Cache[string, struct{}]
	capacity      int
	suppressUntil time.Time
	ready         bool
	visible       []notifications.Notification
}

// NewDeliveryEngine builds an engine bound to recipient. toaster and sounder may be nil.
func NewDeliveryEngine(src NotificationSource, recipient notifications.Recipient, cfg EngineConfig, toaster Toaster, sounder Sounder, m *metrics.SessionMetrics, logger *logging.Logger) *DeliveryEngine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	delivered, _ := lru.New[string, struct{}](cfg.Capacity)
	e := &DeliveryEngine{
		src:       src,
		toaster:   toaster,
		sounder:   sounder,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		recipient: recipient,
		delivered: delivered,
		capacity:  cfg.Capacity,
	}
	e.suppressUntil = e.now().Add(cfg.Grace)
	return e
}

// Recipient returns the bound recipient.
func (e *DeliveryEngine) Recipient() notifications.Recipient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recipient
}

// Rebind switches the engine to another identity. The delivered set is
// cleared and any poll still in flight for the old identity is discarded.
func (e *DeliveryEngine) Rebind(recipient notifications.Recipient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recipient = recipient
	e.epoch++
	e.delivered.Purge()
	e.visible = nil
	e.ready = false
	e.suppressUntil = e.now().Add(e.cfg.Grace)
}

// MarkReady ends the startup grace window early.
func (e *DeliveryEngine) MarkReady() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

// Notifications returns the most recent poll result.
func (e *DeliveryEngine) Notifications() []notifications.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]notifications.Notification, len(e.visible))
	copy(out, e.visible)
	return out
}

// UnreadCount counts unread notifications in the last poll result.
func (e *DeliveryEngine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, item := range e.visible {
		if !item.IsRead {
			n++
		}
	}
	return n
}

// Kick asks Run to poll now. Kicks queued behind one another collapse.
func (e *DeliveryEngine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Poll fetches the collection and alerts on ids not yet delivered. It
// returns the number of fresh notifications alerted.
func (e *DeliveryEngine) Poll(ctx context.Context) (int, error) {
	e.mu.Lock()
	epoch, to := e.epoch, e.recipient
	e.mu.Unlock()
	if to.ID == "" {
		return 0, nil
	}

	list, err := e.src.ListNotifications(ctx, to)
	if err != nil {
		e.metrics.ObservePoll("error")
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		e.metrics.ObservePoll("stale")
		return 0, nil
	}
	if list == nil {
		list = []notifications.Notification{}
	}
	e.visible = list

	if len(list) > e.capacity {
		e.capacity = len(list) * 2
		e.delivered.Resize(e.capacity)
	}
	// Touch ids still present so eviction only ever drops ids the server no longer returns.
	for _, n := range list {
		e.delivered.Get(n.ID)
	}

	if !e.ready && e.now().Before(e.suppressUntil) {
		for _, n := range list {
			e.delivered.Add(n.ID, struct{}{})
		}
		e.metrics.ObservePoll("suppressed")
		return 0, nil
	}

	var fresh []notifications.Notification
	for _, n := range list {
		if !e.delivered.Contains(n.ID) {
			fresh = append(fresh, n)
		}
	}
	for _, n := range fresh {
		e.delivered.Add(n.ID, struct{}{})
	}
	e.metrics.ObservePoll("ok")
	if len(fresh) == 0 {
		return 0, nil
	}

	e.alert(ctx, fresh)
	return len(fresh), nil
}

// alert runs with e.mu held so a rebind cannot interleave with a batch.
func (e *DeliveryEngine) alert(ctx context.Context, fresh []notifications.Notification) {
	prefs := e.cfg.Prefs
	for _, n := range fresh {
		if prefs.Toast && e.toaster != nil {
			if err := e.toaster.Toast(ctx, n); err != nil {
				e.logger.Warn("toast failed", "notification_id", n.ID, "error", err)
				e.metrics.ObserveAlert("toast", "error")
			} else {
				e.metrics.ObserveAlert("toast", "ok")
			}
		}
		if prefs.Sound && !prefs.SoundOncePerBatch {
			e.play(ctx)
		}
	}
	if prefs.Sound && prefs.SoundOncePerBatch {
		e.play(ctx)
	}
}

func (e *DeliveryEngine) play(ctx context.Context) {
	if e.sounder == nil {
		return
	}
	if err := e.sounder.Play(ctx); err != nil {
		e.logger.Warn("sound failed", "error", err)
		e.metrics.ObserveAlert("sound", "error")
		return
	}
	e.metrics.ObserveAlert("sound", "ok")
}

// Run polls on every tick and every kick until ctx ends.
func (e *DeliveryEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("notification poll failed", "error", err, "retryable", IsRetryable(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
	}
}
