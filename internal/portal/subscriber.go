package portal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// SignalURL derives the websocket endpoint from the authority base URL.
func SignalURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("portal: signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("portal: signal url: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// SignalSubscriber keeps a websocket to the authority open and hands every
// decoded signal to a sink. Signals are hints; a dropped connection only
// delays refreshes until the next poll.
type SignalSubscriber struct {
	url        string
	dialer     *websocket.Dialer
	sink       signals.Sink
	onConnect  func()
	maxBackoff time.Duration
	delay      func(failures int) time.Duration
	logger     *logging.Logger
}

// NewSignalSubscriber builds a subscriber. onConnect runs after every
// successful dial so callers can resync anything missed while disconnected.
func NewSignalSubscriber(wsURL string, sink signals.Sink, onConnect func(), maxBackoff time.Duration, logger *logging.Logger) *SignalSubscriber {
	if logger == nil {
		logger = logging.Default()
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	s := &SignalSubscriber{
		url:        wsURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sink:       sink,
		onConnect:  onConnect,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
	s.delay = func(failures int) time.Duration { return backoff(time.Second, s.maxBackoff, failures) }
	return s
}

// Run dials and reads until ctx ends, reconnecting with capped backoff. Only
// failed dials grow the backoff; a dropped connection retries at the base delay.
func (s *SignalSubscriber) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		} else {
			failures++
		}
		wait := s.delay(failures)
		s.logger.Warn("signal connection lost", "error", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection and reports whether the dial succeeded. err is
// nil when the server closed the connection cleanly.
func (s *SignalSubscriber) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("portal: dial signals: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	s.logger.Info("signal connection established")
	if s.onConnect != nil {
		s.onConnect()
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("portal: read signal: %w", err)
		}
		sig, err := signals.Decode(data)
		if err != nil {
			s.logger.Debug("dropping malformed signal", "error", err)
			continue
		}
		s.sink.Deliver(sig)
	}
}
