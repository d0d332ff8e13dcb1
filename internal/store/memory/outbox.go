package memory

import (
	"context"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

func (s *Store) EnqueueOutboxEvents(ctx context.Context, events []domain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(events)
	return nil
}

// enqueueLocked must be called with s.mu held.
func (s *Store) enqueueLocked(events []domain.OutboxEvent) {
	now := s.now()
	for _, event := range events {
		if event.DedupeKey != "" {
			if _, exists := s.outboxByDedupe[event.DedupeKey]; exists {
				continue
			}
		}
		if event.Status == "" {
			event.Status = domain.OutboxStatusPending
		}
		if event.NextAttemptAt.IsZero() {
			event.NextAttemptAt = now
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		event.UpdatedAt = now
		s.outboxByID[event.ID] = event
		if event.DedupeKey != "" {
			s.outboxByDedupe[event.DedupeKey] = event.ID
		}
		s.outboxOrder = append(s.outboxOrder, event.ID)
	}
}

func (s *Store) LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]domain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, apperror.Validation("consumer is required")
	}
	if limit <= 0 || leaseTTL <= 0 {
		return nil, apperror.Validation("limit and lease ttl must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires := now.Add(leaseTTL)
	leased := make([]domain.OutboxEvent, 0, limit)
	for _, id := range s.outboxOrder {
		if len(leased) >= limit {
			break
		}
		event := s.outboxByID[id]
		if !leaseable(event, now) {
			continue
		}
		event.Status = domain.OutboxStatusLeased
		event.LeaseOwner = consumer
		event.LeaseExpiresAt = &expires
		event.UpdatedAt = now
		s.outboxByID[id] = event
		leased = append(leased, event)
	}
	return leased, nil
}

func leaseable(event domain.OutboxEvent, now time.Time) bool {
	switch event.Status {
	case domain.OutboxStatusPending:
		return !event.NextAttemptAt.After(now)
	case domain.OutboxStatusLeased:
		return event.LeaseExpiresAt != nil && !event.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

func (s *Store) MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error {
	return s.finishLeased(id, consumer, func(event *domain.OutboxEvent) {
		event.Status = domain.OutboxStatusSucceeded
		event.LastError = ""
		at := processedAt
		event.ProcessedAt = &at
		event.UpdatedAt = processedAt
	})
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error {
	return s.finishLeased(id, consumer, func(event *domain.OutboxEvent) {
		event.Status = domain.OutboxStatusPending
		event.AttemptCount++
		event.NextAttemptAt = nextAttemptAt
		event.LastError = lastError
		event.UpdatedAt = s.now()
	})
}

func (s *Store) MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error {
	return s.finishLeased(id, consumer, func(event *domain.OutboxEvent) {
		event.Status = domain.OutboxStatusDead
		event.AttemptCount++
		event.LastError = lastError
		at := processedAt
		event.ProcessedAt = &at
		event.UpdatedAt = processedAt
	})
}

func (s *Store) finishLeased(id string, consumer string, update func(event *domain.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.outboxByID[id]
	if !ok || event.Status != domain.OutboxStatusLeased || event.LeaseOwner != consumer {
		return apperror.NotFound("leased outbox event %s not found for %s", id, consumer)
	}
	update(&event)
	event.LeaseOwner = ""
	event.LeaseExpiresAt = nil
	s.outboxByID[id] = event
	return nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OutboxEvent, 0)
	for i := len(s.outboxOrder) - 1; i >= 0; i-- {
		event := s.outboxByID[s.outboxOrder[i]]
		if status != "" && event.Status != status {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RequeueOutboxEvent(ctx context.Context, id string, at time.Time) (*domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.outboxByID[id]
	if !ok {
		return nil, apperror.NotFound("outbox event %s not found", id)
	}
	if event.Status != domain.OutboxStatusDead {
		return nil, apperror.InvalidState("outbox event %s is %s, only dead events can be requeued", id, event.Status)
	}
	event.Status = domain.OutboxStatusPending
	event.AttemptCount = 0
	event.NextAttemptAt = at
	event.ProcessedAt = nil
	event.UpdatedAt = at
	s.outboxByID[id] = event
	return &event, nil
}
