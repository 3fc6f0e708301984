package signals

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// Bus is a Publisher that also delivers everything published (by any replica)
// to a local Sink while Run is active.
type Bus interface {
	Publisher
	Run(ctx context.Context, sink Sink) error
}

// LocalBus delivers in process. Used for single-replica deployments and tests.
type LocalBus struct {
	mu    sync.RWMutex
	next  int
	sinks map[int]Sink
}

func NewLocalBus() *LocalBus {
	return &LocalBus{sinks: make(map[int]Sink)}
}

func (b *LocalBus) Publish(_ context.Context, s Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sink := range b.sinks {
		sink.Deliver(s)
	}
	return nil
}

// Run attaches sink until ctx is done.
func (b *LocalBus) Run(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.sinks[id] = sink
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.sinks, id)
	b.mu.Unlock()
	return nil
}

// DefaultRedisChannel is the pub/sub channel shared by all replicas.
const DefaultRedisChannel = "clinic-portal:signals"

// RedisBus fans signals across replicas with Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
	ready   chan struct{}
	once    sync.Once
}

func NewRedisBus(client *redis.Client, channel string, logger *logging.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger, ready: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, s Signal) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("signals: redis publish: %w", err)
	}
	return nil
}

// Ready is closed once Run has an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and delivers decoded signals to sink until ctx is done.
func (b *RedisBus) Run(ctx context.Context, sink Sink) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("signals: redis subscribe: %w", err)
	}
	b.once.Do(func() { close(b.ready) })
	b.logger.Info("signal bus subscribed", "backend", "redis", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed signal", "error", err)
				continue
			}
			sink.Deliver(s)
		}
	}
}
