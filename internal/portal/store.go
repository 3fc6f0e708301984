package portal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// AppointmentSource lists the appointments visible to the session.
type AppointmentSource interface {
	ListAppointments(ctx context.Context) ([]appointments.Appointment, error)
}

// Snapshot is one complete, immutable view of the appointment collection.
type Snapshot struct {
	Items    []appointments.Appointment
	LoadedAt time.Time
}

// StoreConfig tunes the refresh loop.
type StoreConfig struct {
	Interval   time.Duration
	MaxBackoff time.Duration
}

// AppointmentStore holds the session's appointment collection. Each load
// replaces the snapshot wholesale; readers never see a partial collection.
type AppointmentStore struct {
	src     AppointmentSource
	cfg     StoreConfig
	logger  *logging.Logger
	metrics *metrics.SessionMetrics

	snap   atomic.Pointer[Snapshot]
	kick   chan struct{}
	loadMu sync.Mutex

	errMu   sync.Mutex
	lastErr error
}

// NewAppointmentStore builds a store. m may be nil.
func NewAppointmentStore(src AppointmentSource, cfg StoreConfig, m *metrics.SessionMetrics, logger *logging.Logger) *AppointmentStore {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	return &AppointmentStore{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		kick:    make(chan struct{}, 1),
	}
}

// Snapshot returns the current collection. The zero Snapshot means nothing has loaded yet.
func (s *AppointmentStore) Snapshot() Snapshot {
	snap := s.snap.Load()
	if snap == nil {
		return Snapshot{}
	}
	items := make([]appointments.Appointment, len(snap.Items))
	copy(items, snap.Items)
	return Snapshot{Items: items, LoadedAt: snap.LoadedAt}
}

// Find returns the appointment with id from the current snapshot.
func (s *AppointmentStore) Find(id string) (appointments.Appointment, bool) {
	snap := s.snap.Load()
	if snap == nil {
		return appointments.Appointment{}, false
	}
	for _, a := range snap.Items {
		if a.ID == id {
			return a, true
		}
	}
	return appointments.Appointment{}, false
}

// LastError returns the error from the most recent load, or nil after a success.
func (s *AppointmentStore) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Load fetches the collection and swaps it in. On failure the previous
// snapshot stays in place.
func (s *AppointmentStore) Load(ctx context.Context) error {
	return s.load(ctx, "manual")
}

func (s *AppointmentStore) load(ctx context.Context, trigger string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	items, err := s.src.ListAppointments(ctx)
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	if err != nil {
		s.metrics.ObserveLoad(trigger, "error")
		return err
	}
	if items == nil {
		items = []appointments.Appointment{}
	}
	s.snap.Store(&Snapshot{Items: items, LoadedAt: time.Now().UTC()})
	s.metrics.ObserveLoad(trigger, "ok")
	return nil
}

// OnSignal asks for a reload. Signals that arrive while a reload is already
// queued collapse into it.
func (s *AppointmentStore) OnSignal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run loads immediately, then on every tick and every signal until ctx ends.
// Consecutive failures stretch the wait up to MaxBackoff.
func (s *AppointmentStore) Run(ctx context.Context) {
	failures := 0
	trigger := "initial"
	for {
		if err := s.load(ctx, trigger); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("appointment load failed", "error", err, "failures", failures, "retryable", IsRetryable(err))
		} else {
			failures = 0
		}

		timer := time.NewTimer(backoff(s.cfg.Interval, s.cfg.MaxBackoff, failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
			trigger = "signal"
		case <-timer.C:
			trigger = "tick"
		}
	}
}

// backoff doubles base per consecutive failure, capped at ceiling.
func backoff(base, ceiling time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
