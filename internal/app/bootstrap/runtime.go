package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/authority"
	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// AMQPExchange is the fanout exchange replicas share for push signals.
const AMQPExchange = "clinic_portal_signals"

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// ConnectPostgres opens and pings a pool, or returns nil when no URL is set.
func ConnectPostgres(ctx context.Context, databaseURL string, logger *logging.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return pool, nil
}

// BuildAuthorityStore picks PostgreSQL when a pool is available and falls
// back to the in-memory store for local development.
func BuildAuthorityStore(pool *pgxpool.Pool, logger *logging.Logger) authority.Store {
	if pool != nil {
		return authority.NewPostgresStore(pool)
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger.Warn("DATABASE_URL not set; using in-memory authority store")
	return authority.NewMemoryStore()
}

// BuildPolicy returns the booking gate and approval workflow configured by env.
func BuildPolicy(cfg *appconfig.Config) (*eligibility.Gate, *appointments.Workflow) {
	gate := eligibility.NewGate(eligibility.Ceilings{
		eligibility.TierFree:  cfg.QuotaFree,
		eligibility.TierBasic: cfg.QuotaBasic,
	})
	wfCfg := appointments.WorkflowConfig{AutoSchedule: cfg.AutoScheduleOnApprove}
	for _, raw := range cfg.LinkRequiredTypes {
		bt := appointments.BookingType(strings.ToLower(strings.TrimSpace(raw)))
		if bt.Valid() {
			wfCfg.LinkRequired = append(wfCfg.LinkRequired, bt)
		}
	}
	return gate, appointments.NewWorkflow(wfCfg)
}

// BuildSignalBus returns the fan-out bus named by SIGNAL_BUS. The returned
// closer releases any broker connection and is never nil.
func BuildSignalBus(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (signals.Bus, func(), error) {
	if logger == nil {
		logger = logging.Default()
	}
	noop := func() {}
	switch cfg.SignalBus {
	case "", "local":
		return signals.NewLocalBus(), noop, nil
	case "redis":
		client := BuildRedisClient(ctx, cfg, logger, true)
		if client == nil {
			return nil, noop, fmt.Errorf("bootstrap: signal bus redis: REDIS_ADDR unset or unreachable")
		}
		logger.Info("signal bus: redis", "addr", cfg.RedisAddr)
		return signals.NewRedisBus(client, signals.DefaultRedisChannel, logger), func() { _ = client.Close() }, nil
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return nil, noop, fmt.Errorf("bootstrap: signal bus amqp: AMQP_URL is required")
		}
		bus, err := signals.DialAMQPBus(cfg.AMQPURL, AMQPExchange, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: signal bus amqp: %w", err)
		}
		logger.Info("signal bus: amqp", "exchange", AMQPExchange)
		return bus, func() { _ = bus.Close() }, nil
	}
	return nil, noop, fmt.Errorf("bootstrap: unknown SIGNAL_BUS %q", cfg.SignalBus)
}
