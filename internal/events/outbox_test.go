package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "appt-1", TypeAppointmentAccepted, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if _, err := store.Insert(context.Background(), "appt-1", TypeAppointmentAccepted, map[string]string{"foo": "bar"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "attempts", "created_at"}).
		AddRow(id, "appt-1", TypeAppointmentAccepted, []byte("{\"foo\":\"bar\"}"), 2, now)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs(int32(10), float64(120)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Attempts != 2 {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id, "smtp down", pgxmock.AnyArg(), false).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkFailed(context.Background(), id, "smtp down", now.Add(time.Minute), false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOutboxStoreFetchClaimsWithLeaseInCreationOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock).WithLease(30 * time.Second)
	older := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	first, second := uuid.New(), uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "attempts", "created_at"}).
		AddRow(second, "appt-2", TypeAppointmentRejected, []byte("{}"), 0, older.Add(time.Second)).
		AddRow(first, "appt-1", TypeAppointmentAccepted, []byte("{}"), 0, older)
	mock.ExpectQuery(`UPDATE outbox o\s+SET next_attempt_at = now\(\) \+ make_interval`).
		WithArgs(int32(5), float64(30)).
		WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 5)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first || entries[1].ID != second {
		t.Fatalf("expected entries in creation order, got %#v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMemoryOutboxLeaseHidesClaimedEntries(t *testing.T) {
	outbox := NewMemoryOutbox().WithLease(time.Minute)
	clock := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	outbox.now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := outbox.Insert(ctx, "appt-1", TypeAppointmentAccepted, map[string]string{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, _ := outbox.FetchPending(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed entry, got %d", len(claimed))
	}
	if again, _ := outbox.FetchPending(ctx, 10); len(again) != 0 {
		t.Fatalf("claimed entry must stay hidden during its lease, got %d", len(again))
	}

	clock = clock.Add(time.Minute)
	if expired, _ := outbox.FetchPending(ctx, 10); len(expired) != 1 {
		t.Fatalf("entry should be reclaimable after the lease, got %d", len(expired))
	}
}

func TestDelivererRoutesAndMarksDelivered(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	var handled []string
	router := NewRouter().Register(HandlerFunc(func(_ context.Context, e OutboxEntry) error {
		var payload AppointmentTransitionedV1
		if err := e.Decode(&payload); err != nil {
			return err
		}
		handled = append(handled, payload.AppointmentID)
		return nil
	}), TypeAppointmentAccepted, TypeAppointmentRejected)

	if _, err := outbox.Insert(ctx, "appt-1", TypeAppointmentAccepted, AppointmentTransitionedV1{AppointmentID: "appt-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	d := NewDeliverer(outbox, router, logging.Discard())

	if n := d.Drain(ctx); n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	if len(handled) != 1 || handled[0] != "appt-1" {
		t.Fatalf("unexpected handled %v", handled)
	}
	if n := d.Drain(ctx); n != 0 {
		t.Fatalf("delivered entries must not be redelivered, got %d", n)
	}
}

func TestDelivererBacksOffThenDeadLetters(t *testing.T) {
	outbox := NewMemoryOutbox()
	clock := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	outbox.now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := outbox.Insert(ctx, "appt-2", TypeAppointmentRejected, map[string]string{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	calls := 0
	failing := HandlerFunc(func(context.Context, OutboxEntry) error {
		calls++
		return errors.New("provider unavailable")
	})
	m := metrics.NewAuthorityMetrics(prometheus.NewRegistry())
	d := NewDeliverer(outbox, failing, logging.Discard()).WithMaxAttempts(3).WithBaseDelay(time.Minute).WithMetrics(m)
	d.now = func() time.Time { return clock }

	d.Drain(ctx)
	if calls != 1 {
		t.Fatalf("expected first attempt, got %d", calls)
	}
	d.Drain(ctx)
	if calls != 1 {
		t.Fatal("entry must wait for its backoff before retrying")
	}

	clock = clock.Add(time.Minute)
	d.Drain(ctx)
	clock = clock.Add(2 * time.Minute)
	d.Drain(ctx)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	pending, delivered, dead := outbox.Stats()
	if pending != 0 || delivered != 0 || dead != 1 {
		t.Fatalf("expected dead-lettered entry, got pending=%d delivered=%d dead=%d", pending, delivered, dead)
	}
	clock = clock.Add(24 * time.Hour)
	d.Drain(ctx)
	if calls != 3 {
		t.Fatal("dead entries are never retried")
	}
}

func TestRouterUnknownTypeIsPermanent(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	if _, err := outbox.Insert(ctx, "x", "appointment.unknown", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	NewDeliverer(outbox, NewRouter(), logging.Discard()).Drain(ctx)

	if _, _, dead := outbox.Stats(); dead != 1 {
		t.Fatalf("expected unknown type to dead-letter, got %d dead", dead)
	}
	err := NewRouter().Handle(ctx, OutboxEntry{Type: "nope"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestNextDelayCaps(t *testing.T) {
	d := NewDeliverer(NewMemoryOutbox(), NewRouter(), nil).WithBaseDelay(time.Minute)
	if got := d.nextDelay(0); got != time.Minute {
		t.Fatalf("expected 1m, got %s", got)
	}
	if got := d.nextDelay(3); got != 8*time.Minute {
		t.Fatalf("expected 8m, got %s", got)
	}
	if got := d.nextDelay(40); got != 6*time.Hour {
		t.Fatalf("expected cap, got %s", got)
	}
}
