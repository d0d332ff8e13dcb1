package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

const (
	defaultConsumer      = "settlement-dispatcher"
	defaultPollInterval  = time.Second
	defaultLeaseTTL      = 30 * time.Second
	defaultMaxAttempts   = 8
	defaultBatchSize     = 32
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeDead      = "dead"
)

// EventHandler consumes one outbox event. Returning an error schedules a
// retry unless the error is wrapped with Permanent.
type EventHandler interface {
	Handle(ctx context.Context, event domain.OutboxEvent) error
}

type EventHandlerFunc func(ctx context.Context, event domain.OutboxEvent) error

func (f EventHandlerFunc) Handle(ctx context.Context, event domain.OutboxEvent) error {
	return f(ctx, event)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the event is
// dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Config struct {
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	BatchSize     int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// RetryDelay doubles base per attempt and caps at max.
func RetryDelay(attempt int, base time.Duration, max time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// Dispatcher leases due outbox events and hands each to the handler
// registered for its type.
type Dispatcher struct {
	store    store.OutboxStore
	attempts store.AttemptStore
	cfg      Config
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]EventHandler

	wake chan struct{}
}

func New(outboxStore store.OutboxStore, attempts store.AttemptStore, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    outboxStore,
		attempts: attempts,
		cfg:      cfg.normalized(),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]EventHandler),
		wake:     make(chan struct{}, 1),
	}
}

// SetClock overrides the dispatcher clock in tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Notify wakes the run loop early. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[outbox] WARN: dispatch pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunOnce leases one batch and processes it. It returns how many events
// were handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.store.LeaseOutboxEvents(ctx, d.cfg.Consumer, d.cfg.BatchSize, d.now(), d.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox events: %w", err)
	}
	for _, event := range events {
		if err := d.process(ctx, event); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// Drain runs passes until nothing is due.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, event domain.OutboxEvent) error {
	d.mu.RLock()
	handler, ok := d.handlers[event.EventType]
	d.mu.RUnlock()

	var handleErr error
	if !ok {
		handleErr = Permanent(fmt.Errorf("no handler registered for %s", event.EventType))
	} else {
		handleErr = handler.Handle(ctx, event)
	}

	attemptCount := event.AttemptCount + 1
	now := d.now()
	outcome := OutcomeSucceeded
	var markErr error
	switch {
	case handleErr == nil:
		markErr = d.store.MarkOutboxSucceeded(ctx, event.ID, d.cfg.Consumer, now)
	case IsPermanent(handleErr) || attemptCount >= d.cfg.MaxAttempts:
		outcome = OutcomeDead
		log.Printf("[outbox] WARN: dead-lettering %s %s after %d attempts: %v", event.EventType, event.ID, attemptCount, handleErr)
		markErr = d.store.MarkOutboxDead(ctx, event.ID, d.cfg.Consumer, handleErr.Error(), now)
	default:
		outcome = OutcomeRetry
		next := now.Add(RetryDelay(attemptCount, d.cfg.RetryBackoff, d.cfg.RetryMaxDelay))
		markErr = d.store.MarkOutboxRetry(ctx, event.ID, d.cfg.Consumer, next, handleErr.Error())
	}
	if markErr != nil {
		return fmt.Errorf("ack outbox event %s: %w", event.ID, markErr)
	}

	if d.attempts != nil {
		attempt := domain.DeliveryAttempt{
			EventID:      event.ID,
			EventType:    event.EventType,
			Consumer:     d.cfg.Consumer,
			Outcome:      outcome,
			AttemptCount: attemptCount,
			CreatedAt:    now,
		}
		if handleErr != nil {
			attempt.LastError = handleErr.Error()
		}
		if err := d.attempts.RecordAttempt(ctx, attempt); err != nil {
			log.Printf("[outbox] WARN: record attempt for %s: %v", event.ID, err)
		}
	}
	return nil
}
