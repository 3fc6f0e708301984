package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// DefaultExchange is the fanout exchange every replica binds a private queue to.
const DefaultExchange = "clinic_portal_signals"

// ErrBusClosed is returned once Close has been called.
var ErrBusClosed = errors.New("signals: bus closed")

var errDeliveriesClosed = errors.New("signals: amqp deliveries closed")

// amqpChannel is the subset of *amqp.Channel used by AMQPBus.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func() (amqpChannel, error)

// AMQPBus fans signals across replicas through a RabbitMQ fanout exchange.
// A lost connection is re-dialed by Run, or by the next Publish.
type AMQPBus struct {
	dial       amqpDialer
	exchange   string
	logger     *logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	ch     amqpChannel
	closed bool
}

// connChannel owns the connection behind a channel so closing one closes both.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// DialAMQPBus connects to url and declares the exchange.
func DialAMQPBus(url, exchange string, logger *logging.Logger) (*AMQPBus, error) {
	return newAMQPBus(func() (amqpChannel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("signals: amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("signals: amqp channel: %w", err)
		}
		return &connChannel{Channel: ch, conn: conn}, nil
	}, exchange, logger)
}

func newAMQPBus(dial amqpDialer, exchange string, logger *logging.Logger) (*AMQPBus, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = logging.Default()
	}
	b := &AMQPBus{
		dial:       dial,
		exchange:   exchange,
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	if _, err := b.channel(); err != nil {
		return nil, err
	}
	return b, nil
}

// channel returns the live channel, dialing and declaring the exchange when
// there is none.
func (b *AMQPBus) channel() (amqpChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.ch != nil {
		return b.ch, nil
	}
	ch, err := b.dial()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		b.exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("signals: declare exchange: %w", err)
	}
	b.ch = ch
	return ch, nil
}

// drop forgets ch if it is still the live channel.
func (b *AMQPBus) drop(ch amqpChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == ch {
		b.ch = nil
		_ = ch.Close()
	}
}

func (b *AMQPBus) Publish(ctx context.Context, s Signal) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	ch, err := b.channel()
	if err != nil {
		return fmt.Errorf("signals: amqp publish: %w", err)
	}
	err = ch.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    s.At,
		Body:         data,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			b.drop(ch)
		}
		return fmt.Errorf("signals: amqp publish: %w", err)
	}
	return nil
}

// Run consumes through an exclusive auto-delete queue until ctx is done,
// re-dialing with capped backoff whenever the broker drops the connection.
func (b *AMQPBus) Run(ctx context.Context, sink Sink) error {
	failures := 0
	for {
		subscribed, err := b.consume(ctx, sink)
		if ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
			return nil
		}
		if subscribed {
			failures = 0
		} else {
			failures++
		}
		wait := reconnectDelay(b.minBackoff, b.maxBackoff, failures)
		b.logger.Warn("signal bus disconnected", "backend", "amqp", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume reports whether it got as far as receiving, and why it stopped.
func (b *AMQPBus) consume(ctx context.Context, sink Sink) (bool, error) {
	ch, err := b.channel()
	if err != nil {
		return false, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		b.drop(ch)
		return false, fmt.Errorf("signals: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		b.drop(ch)
		return false, fmt.Errorf("signals: bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		b.drop(ch)
		return false, fmt.Errorf("signals: consume: %w", err)
	}
	b.logger.Info("signal bus subscribed", "backend", "amqp", "exchange", b.exchange, "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				b.drop(ch)
				return true, errDeliveriesClosed
			}
			s, err := Decode(d.Body)
			if err != nil {
				b.logger.Warn("dropping malformed signal", "error", err)
				continue
			}
			sink.Deliver(s)
		}
	}
}

// Close releases the connection. Run returns once it notices.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.ch == nil {
		return nil
	}
	err := b.ch.Close()
	b.ch = nil
	return err
}

func reconnectDelay(base, ceiling time.Duration, failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	d := base << failures
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
