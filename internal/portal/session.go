package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/http/middleware"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// IdentityFromToken reads the identity claims from a session token without
// verifying it. The authority verifies on every request.
func IdentityFromToken(token string) (authority.Identity, error) {
	claims := &middleware.IdentityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return authority.Identity{}, fmt.Errorf("portal: parse token: %w", err)
	}
	id := claims.Identity()
	if !id.Valid() {
		return authority.Identity{}, fmt.Errorf("portal: token carries no usable identity")
	}
	return id, nil
}

// SessionConfig is shared by every session a Manager binds.
type SessionConfig struct {
	BaseURL            string
	PollInterval       time.Duration
	StartupGrace       time.Duration
	DedupCapacity      int
	Prefs              Preferences
	Signals            bool
	SignalReconnectMax time.Duration
	LoadBackoffMax     time.Duration // caps appointment refresh delay after failed loads
}

// SessionDeps carries the sinks and telemetry a session reports to.
type SessionDeps struct {
	Toaster Toaster
	Sounder Sounder
	Metrics *metrics.SessionMetrics
	Logger  *logging.Logger
}

// Session is everything running on behalf of one authenticated identity.
type Session struct {
	Identity     authority.Identity
	Client       *Client
	Appointments *AppointmentStore
	Engine       *DeliveryEngine

	subscriber *SignalSubscriber
	logger     *logging.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSession wires a session for token. Nothing runs until Start.
func NewSession(token string, cfg SessionConfig, deps SessionDeps) (*Session, error) {
	id, err := IdentityFromToken(token)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("role", id.Role, "topic", id.Topic())

	client := NewClient(cfg.BaseURL, token, nil)
	s := &Session{
		Identity: id,
		Client:   client,
		Appointments: NewAppointmentStore(client, StoreConfig{
			Interval:   cfg.PollInterval,
			MaxBackoff: cfg.LoadBackoffMax,
		}, deps.Metrics, logger),
		Engine: NewDeliveryEngine(client, id.Recipient(), EngineConfig{
			Interval: cfg.PollInterval,
			Grace:    cfg.StartupGrace,
			Capacity: cfg.DedupCapacity,
			Prefs:    cfg.Prefs,
		}, deps.Toaster, deps.Sounder, deps.Metrics, logger),
		logger: logger,
	}
	if cfg.Signals {
		wsURL, err := SignalURL(cfg.BaseURL, token)
		if err != nil {
			return nil, err
		}
		s.subscriber = NewSignalSubscriber(wsURL, signals.SinkFunc(s.Deliver), s.resync, cfg.SignalReconnectMax, logger)
	}
	return s, nil
}

// Deliver routes a pushed signal to the component that owns the collection.
func (s *Session) Deliver(sig signals.Signal) {
	if sig.Topic != s.Identity.Topic() {
		return
	}
	switch sig.Kind {
	case signals.AppointmentUpdated:
		s.Appointments.OnSignal()
	case signals.NotificationUpdated:
		s.Engine.Kick()
	case signals.InvoiceUpdated:
		// Invoice changes affect booking eligibility, which is checked on demand.
		s.logger.Debug("invoice signal received")
	}
}

func (s *Session) resync() {
	s.Appointments.OnSignal()
	s.Engine.Kick()
}

// Start launches the session's loops under ctx.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.run(func() { s.Appointments.Run(ctx) })
	s.run(func() { s.Engine.Run(ctx) })
	if s.subscriber != nil {
		s.run(func() { s.subscriber.Run(ctx) })
	}
	s.logger.Info("session started")
}

func (s *Session) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops every loop and waits for them. Polls still in flight for this
// identity are discarded.
func (s *Session) Close() {
	s.Engine.Rebind(notifications.Recipient{})
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("session closed")
}

// Manager holds at most one live session and swaps it on login and logout.
type Manager struct {
	cfg  SessionConfig
	deps SessionDeps

	mu      sync.Mutex
	current *Session
}

func NewManager(cfg SessionConfig, deps SessionDeps) *Manager {
	return &Manager{cfg: cfg, deps: deps}
}

// Bind closes the current session, if any, and starts one for token.
func (m *Manager) Bind(ctx context.Context, token string) (*Session, error) {
	next, err := NewSession(token, m.cfg, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
	}
	next.Start(ctx)
	m.current = next
	return next, nil
}

// Current returns the live session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Logout closes the live session.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
