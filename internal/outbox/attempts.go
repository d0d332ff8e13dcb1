package outbox

import (
	"context"
	"sync"

	"kasirinaja/settlement/internal/domain"
)

// MemoryAttempts keeps the delivery journal in process. It is used when no
// journal path is configured.
type MemoryAttempts struct {
	mu       sync.Mutex
	nextID   int64
	attempts []domain.DeliveryAttempt
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{}
}

func (m *MemoryAttempts) RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	attempt.ID = m.nextID
	m.attempts = append(m.attempts, attempt)
	return nil
}

// ListAttempts returns the newest attempts first.
func (m *MemoryAttempts) ListAttempts(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeliveryAttempt, 0, len(m.attempts))
	for i := len(m.attempts) - 1; i >= 0; i-- {
		out = append(out, m.attempts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
