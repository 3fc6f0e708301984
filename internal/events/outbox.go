package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxEntry represents a pending task.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	Type        string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

// Decode unmarshals the payload into v.
func (e OutboxEntry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DefaultLease is how long a fetched entry stays invisible to other fetchers.
const DefaultLease = 2 * time.Minute

// Outbox persists tasks until a handler accepts them.
type Outbox interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
	// FetchPending claims up to limit due entries. A claimed entry is not
	// returned again until its lease expires or MarkFailed reschedules it.
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkFailed records an attempt. dead parks the entry for good; otherwise it
	// becomes eligible again at next.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, next time.Time, dead bool) error
}

type outboxExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore is the PostgreSQL outbox. Replicas share it safely: rows are
// claimed with FOR UPDATE SKIP LOCKED and leased by pushing next_attempt_at.
type OutboxStore struct {
	pool  outboxExec
	lease time.Duration
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool, lease: DefaultLease}
}

func newOutboxStoreWithExec(exec outboxExec) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec, lease: DefaultLease}
}

// WithLease sets how long a claimed entry is hidden from other fetchers.
func (s *OutboxStore) WithLease(lease time.Duration) *OutboxStore {
	if lease > 0 {
		s.lease = lease
	}
	return s
}

func (s *OutboxStore) Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, aggregate_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, id, aggregateID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		WITH due AS (
			SELECT id FROM outbox
			WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET next_attempt_at = now() + make_interval(secs => $2)
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.aggregate_id, o.type, o.payload, o.attempts, o.created_at
	`
	rows, err := s.pool.Query(ctx, query, limit, s.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, next time.Time, dead bool) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    dead_at = CASE WHEN $4::boolean THEN now() ELSE NULL END
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, id, reason, next, dead); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// MemoryOutbox is an in-process outbox for development and tests. Entries do
// not survive a restart.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
	lease   time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	entry     OutboxEntry
	next      time.Time
	delivered bool
	dead      bool
	lastError string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries: make(map[uuid.UUID]*memoryEntry),
		lease:   DefaultLease,
		now:     time.Now,
	}
}

// WithLease sets how long a fetched entry is hidden from later fetches.
func (m *MemoryOutbox) WithLease(lease time.Duration) *MemoryOutbox {
	if lease > 0 {
		m.lease = lease
	}
	return m
}

func (m *MemoryOutbox) Insert(_ context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	now := m.now()
	m.mu.Lock()
	m.entries[id] = &memoryEntry{
		entry: OutboxEntry{ID: id, AggregateID: aggregateID, Type: eventType, Payload: data, CreatedAt: now},
		next:  now,
	}
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]OutboxEntry, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*memoryEntry
	for _, e := range m.entries {
		if e.delivered || e.dead || e.next.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].entry.CreatedAt.Before(due[j].entry.CreatedAt) })
	if limit > 0 && len(due) > int(limit) {
		due = due[:limit]
	}
	out := make([]OutboxEntry, 0, len(due))
	for _, e := range due {
		e.next = now.Add(m.lease)
		out = append(out, e.entry)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.delivered {
		return false, nil
	}
	e.delivered = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, reason string, next time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.delivered {
		return nil
	}
	e.entry.Attempts++
	e.lastError = reason
	e.next = next
	e.dead = dead
	return nil
}

// Stats reports pending, delivered and dead counts.
func (m *MemoryOutbox) Stats() (pending, delivered, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		switch {
		case e.delivered:
			delivered++
		case e.dead:
			dead++
		default:
			pending++
		}
	}
	return pending, delivered, dead
}
