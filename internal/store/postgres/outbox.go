package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

const outboxColumns = `
	seq, id, event_type, payload_json, COALESCE(dedupe_key, ''), status, attempt_count, next_attempt_at,
	lease_owner, lease_expires_at, last_error, processed_at, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) EnqueueOutboxEvents(ctx context.Context, events []domain.OutboxEvent) error {
	return s.enqueue(ctx, s.db, events)
}

// enqueue skips events whose dedupe key is already stored.
func (s *Store) enqueue(ctx context.Context, q execer, events []domain.OutboxEvent) error {
	now := s.now()
	for _, event := range events {
		if event.Status == "" {
			event.Status = domain.OutboxStatusPending
		}
		if event.NextAttemptAt.IsZero() {
			event.NextAttemptAt = now
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO outbox_events (id, event_type, payload_json, dedupe_key, status, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
			ON CONFLICT (dedupe_key) DO NOTHING
		`,
			event.ID, event.EventType, event.PayloadJSON, nullIfEmpty(event.DedupeKey), string(event.Status),
			event.NextAttemptAt.UTC(), event.CreatedAt.UTC(), now,
		); err != nil {
			return err
		}
	}
	return nil
}

// LeaseOutboxEvents claims due events with SKIP LOCKED so concurrent
// dispatchers never lease the same row.
func (s *Store) LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]domain.OutboxEvent, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, apperror.Validation("consumer is required")
	}
	if limit <= 0 || leaseTTL <= 0 {
		return nil, apperror.Validation("limit and lease ttl must be greater than zero")
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'leased', lease_owner = $1, lease_expires_at = $2, updated_at = $3
		WHERE seq IN (
			SELECT seq FROM outbox_events
			WHERE (status = 'pending' AND next_attempt_at <= $3)
				OR (status = 'leased' AND lease_expires_at <= $3)
			ORDER BY seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		consumer, now.Add(leaseTTL).UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type leased struct {
		seq   int64
		event domain.OutboxEvent
	}
	batch := make([]leased, 0, limit)
	for rows.Next() {
		seq, event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, leased{seq: seq, event: event})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(batch, func(a, b leased) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]domain.OutboxEvent, 0, len(batch))
	for _, item := range batch {
		out = append(out, item.event)
	}
	return out, nil
}

func (s *Store) MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error {
	return s.finishLeased(ctx, id, consumer, `
		UPDATE outbox_events
		SET status = 'succeeded', last_error = '', processed_at = $3, updated_at = $3,
			lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`, processedAt.UTC())
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error {
	return s.finishLeased(ctx, id, consumer, `
		UPDATE outbox_events
		SET status = 'pending', attempt_count = attempt_count + 1, next_attempt_at = $3, last_error = $4,
			updated_at = $5, lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`, nextAttemptAt.UTC(), lastError, s.now())
}

func (s *Store) MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error {
	return s.finishLeased(ctx, id, consumer, `
		UPDATE outbox_events
		SET status = 'dead', attempt_count = attempt_count + 1, last_error = $3, processed_at = $4,
			updated_at = $4, lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`, lastError, processedAt.UTC())
}

func (s *Store) finishLeased(ctx context.Context, id string, consumer string, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, append([]any{id, consumer}, args...)...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperror.NotFound("leased outbox event %s not found for %s", id, consumer)
	}
	return nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY seq DESC
		LIMIT $2
	`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.OutboxEvent, 0)
	for rows.Next() {
		_, event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *Store) RequeueOutboxEvent(ctx context.Context, id string, at time.Time) (*domain.OutboxEvent, error) {
	_, event, err := scanOutboxEvent(s.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempt_count = 0, next_attempt_at = $2, processed_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'dead'
		RETURNING `+outboxColumns, id, at.UTC()))
	if err == nil {
		return &event, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("outbox event %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return nil, apperror.InvalidState("outbox event %s is %s, only dead events can be requeued", id, status)
}

func scanOutboxEvent(row rowScanner) (int64, domain.OutboxEvent, error) {
	var (
		seq                       int64
		event                     domain.OutboxEvent
		status                    string
		leaseExpires, processedAt sql.NullTime
	)
	if err := row.Scan(
		&seq, &event.ID, &event.EventType, &event.PayloadJSON, &event.DedupeKey, &status, &event.AttemptCount,
		&event.NextAttemptAt, &event.LeaseOwner, &leaseExpires, &event.LastError, &processedAt,
		&event.CreatedAt, &event.UpdatedAt,
	); err != nil {
		return 0, domain.OutboxEvent{}, err
	}
	event.Status = domain.OutboxStatus(status)
	event.NextAttemptAt = event.NextAttemptAt.UTC()
	event.LeaseExpiresAt = timePtr(leaseExpires)
	event.ProcessedAt = timePtr(processedAt)
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return seq, event, nil
}
