package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store/memory"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *memory.Store, *MemoryAttempts, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)}
	repo := memory.New()
	repo.SetClock(clock.Now)
	attempts := NewMemoryAttempts()
	d := New(repo, attempts, cfg)
	d.SetClock(clock.Now)
	return d, repo, attempts, clock
}

func enqueue(t *testing.T, repo *memory.Store, id string, eventType string) {
	t.Helper()
	if err := repo.EnqueueOutboxEvents(context.Background(), []domain.OutboxEvent{{
		ID:          id,
		EventType:   eventType,
		PayloadJSON: []byte(`{}`),
		DedupeKey:   "dedupe-" + id,
	}}); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestRunOnceMarksSucceeded(t *testing.T) {
	d, repo, attempts, _ := newTestDispatcher(t, Config{})
	handled := 0
	d.Register("cash.record", EventHandlerFunc(func(context.Context, domain.OutboxEvent) error {
		handled++
		return nil
	}))
	enqueue(t, repo, "evt-1", "cash.record")

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 || handled != 1 {
		t.Fatalf("processed=%d handled=%d, want 1/1", n, handled)
	}
	events, _ := repo.ListOutboxEvents(context.Background(), domain.OutboxStatusSucceeded, 10)
	if len(events) != 1 {
		t.Fatalf("expected one succeeded event, got %d", len(events))
	}
	journal, _ := attempts.ListAttempts(context.Background(), 10)
	if len(journal) != 1 || journal[0].Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected attempt journal %+v", journal)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	d, repo, _, clock := newTestDispatcher(t, Config{RetryBackoff: time.Second})
	calls := 0
	d.Register("accounting.post", EventHandlerFunc(func(context.Context, domain.OutboxEvent) error {
		calls++
		if calls == 1 {
			return errors.New("ledger offline")
		}
		return nil
	}))
	enqueue(t, repo, "evt-1", "accounting.post")

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected retry to wait for backoff, processed %d", n)
	}

	clock.now = clock.now.Add(2 * time.Second)
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	events, _ := repo.ListOutboxEvents(context.Background(), domain.OutboxStatusSucceeded, 10)
	if len(events) != 1 || events[0].AttemptCount != 1 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestDeadLetterAfterMaxAttemptsAndRequeue(t *testing.T) {
	d, repo, attempts, clock := newTestDispatcher(t, Config{MaxAttempts: 2, RetryBackoff: time.Second})
	d.Register("customer.spend", EventHandlerFunc(func(context.Context, domain.OutboxEvent) error {
		return errors.New("crm unavailable")
	}))
	enqueue(t, repo, "evt-1", "customer.spend")

	for i := 0; i < 2; i++ {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		clock.now = clock.now.Add(time.Minute)
	}

	dead, _ := repo.ListOutboxEvents(context.Background(), domain.OutboxStatusDead, 10)
	if len(dead) != 1 {
		t.Fatalf("expected one dead event, got %d", len(dead))
	}
	if dead[0].LastError != "crm unavailable" {
		t.Fatalf("last error = %q", dead[0].LastError)
	}
	journal, _ := attempts.ListAttempts(context.Background(), 10)
	if len(journal) != 2 || journal[0].Outcome != OutcomeDead || journal[1].Outcome != OutcomeRetry {
		t.Fatalf("unexpected journal %+v", journal)
	}

	if _, err := repo.RequeueOutboxEvent(context.Background(), "evt-1", clock.now); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	pending, _ := repo.ListOutboxEvents(context.Background(), domain.OutboxStatusPending, 10)
	if len(pending) != 1 || pending[0].AttemptCount != 0 {
		t.Fatalf("expected requeued event with reset attempts, got %+v", pending)
	}
}

func TestPermanentErrorAndMissingHandlerDeadLetterImmediately(t *testing.T) {
	d, repo, _, _ := newTestDispatcher(t, Config{MaxAttempts: 5})
	d.Register("stock.adjust", EventHandlerFunc(func(context.Context, domain.OutboxEvent) error {
		return Permanent(errors.New("malformed payload"))
	}))
	enqueue(t, repo, "evt-1", "stock.adjust")
	enqueue(t, repo, "evt-2", "unknown.type")

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	dead, _ := repo.ListOutboxEvents(context.Background(), domain.OutboxStatusDead, 10)
	if len(dead) != 2 {
		t.Fatalf("expected both events dead-lettered, got %d", len(dead))
	}
}

func TestNotifyDoesNotBlock(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, Config{})
	for i := 0; i < 5; i++ {
		d.Notify()
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRetryDelayCaps(t *testing.T) {
	if got := RetryDelay(1, time.Second, 5*time.Minute); got != time.Second {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := RetryDelay(4, time.Second, 5*time.Minute); got != 8*time.Second {
		t.Fatalf("attempt 4 = %v", got)
	}
	if got := RetryDelay(20, time.Second, 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("attempt 20 = %v", got)
	}
}
