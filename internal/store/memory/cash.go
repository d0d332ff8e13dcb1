package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

func counterKey(storeID string, counterID string) string {
	return storeID + "|" + counterID
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.CounterID) == "" || session.BusinessDate == "" {
		return nil, apperror.Validation("store, counter and business date are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(session.StoreID, session.CounterID)
	if openID, exists := s.openSessionByKey[key]; exists {
		return nil, apperror.Conflict("counter %s already has open session %s", session.CounterID, openID)
	}
	dateKey := key + "|" + session.BusinessDate
	if existingID, exists := s.sessionByDay[dateKey]; exists {
		return nil, apperror.Conflict("counter %s already had session %s on %s", session.CounterID, existingID, session.BusinessDate)
	}

	session.Status = domain.CashSessionOpen
	session.ExpectedBalanceCents = session.OpeningBalanceCents
	session.ClosingBalanceCents = nil
	session.DifferenceCents = nil
	session.ClosedAt = nil

	s.sessionsByID[session.ID] = session
	s.openSessionByKey[key] = session.ID
	s.sessionByDay[dateKey] = session.ID

	out := cloneSession(session)
	return &out, nil
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, apperror.NotFound("cash session %s not found", id)
	}
	out := cloneSession(session)
	return &out, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, storeID string, counterID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByKey[counterKey(storeID, counterID)]
	if !ok {
		return nil, apperror.NotFound("no open cash session for %s/%s", storeID, counterID)
	}
	out := cloneSession(s.sessionsByID[id])
	return &out, nil
}

func (s *Store) ListCashSessions(ctx context.Context, storeID string, businessDate string) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashSession, 0)
	for _, session := range s.sessionsByID {
		if session.StoreID == storeID && session.BusinessDate == businessDate {
			out = append(out, cloneSession(session))
		}
	}
	slices.SortFunc(out, func(a, b domain.CashSession) int {
		return strings.Compare(a.CounterID, b.CounterID)
	})
	return out, nil
}

func (s *Store) AppendCashTransaction(ctx context.Context, tx domain.CashTransaction) (store.CashAppend, error) {
	if err := ctx.Err(); err != nil {
		return store.CashAppend{}, err
	}
	if !tx.Type.Valid() || tx.AmountCents < 0 {
		return store.CashAppend{}, apperror.Validation("invalid cash transaction %s %d", tx.Type, tx.AmountCents)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[tx.SessionID]
	if !ok || session.Status != domain.CashSessionOpen {
		return store.CashAppend{}, apperror.NotFound("open cash session %s not found", tx.SessionID)
	}

	if tx.Reference != "" {
		for _, existing := range s.cashTxBySession[session.ID] {
			if existing.Reference == tx.Reference {
				return store.CashAppend{Transaction: existing, Session: cloneSession(session), Duplicate: true}, nil
			}
		}
	}

	tx.StoreID = session.StoreID
	tx.CounterID = session.CounterID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	s.cashTxBySession[session.ID] = append(s.cashTxBySession[session.ID], tx)
	session.ExpectedBalanceCents += tx.Type.Sign() * tx.AmountCents
	s.sessionsByID[session.ID] = session

	return store.CashAppend{Transaction: tx, Session: cloneSession(session)}, nil
}

func (s *Store) ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, apperror.NotFound("cash session %s not found", sessionID)
	}
	return slices.Clone(s.cashTxBySession[sessionID]), nil
}

func (s *Store) ListCashTransactionsForOrders(ctx context.Context, orderIDs []string) ([]domain.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		if id != "" {
			wanted[id] = struct{}{}
		}
	}
	out := make([]domain.CashTransaction, 0)
	for _, txs := range s.cashTxBySession {
		for _, tx := range txs {
			if _, ok := wanted[tx.OrderID]; ok {
				out = append(out, tx)
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.CashTransaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) SumCashTransactions(ctx context.Context, storeID string, txType domain.CashTxType, from time.Time, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, txs := range s.cashTxBySession {
		for _, tx := range txs {
			if tx.StoreID == storeID && tx.Type == txType && inWindow(tx.CreatedAt, from, to) {
				total += tx.AmountCents
			}
		}
	}
	return total, nil
}

func (s *Store) CloseCashSession(ctx context.Context, id string, closingCents int64, closedBy string, note string, at time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, apperror.NotFound("cash session %s not found", id)
	}
	if session.Status != domain.CashSessionOpen {
		return nil, apperror.InvalidState("cash session %s is already closed", id)
	}

	difference := closingCents - session.ExpectedBalanceCents
	session.Status = domain.CashSessionClosed
	session.ClosingBalanceCents = &closingCents
	session.DifferenceCents = &difference
	session.ClosedBy = closedBy
	if note != "" {
		session.Note = note
	}
	closedAt := at
	session.ClosedAt = &closedAt

	s.sessionsByID[id] = session
	delete(s.openSessionByKey, counterKey(session.StoreID, session.CounterID))

	out := cloneSession(session)
	return &out, nil
}

func (s *Store) RebuildExpectedBalance(ctx context.Context, id string) (domain.RebuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return domain.RebuildResult{}, apperror.NotFound("cash session %s not found", id)
	}

	rebuilt := domain.ReplayExpected(session.OpeningBalanceCents, s.cashTxBySession[id])
	result := domain.RebuildResult{
		SessionID:     id,
		StoredCents:   session.ExpectedBalanceCents,
		RebuiltCents:  rebuilt,
		DriftCents:    session.ExpectedBalanceCents - rebuilt,
		SessionStatus: string(session.Status),
	}
	if result.DriftCents != 0 && session.Status == domain.CashSessionOpen {
		session.ExpectedBalanceCents = rebuilt
		s.sessionsByID[id] = session
		result.Repaired = true
	}
	return result, nil
}

func (s *Store) UpdateCashSessionNote(ctx context.Context, id string, note string) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, apperror.NotFound("cash session %s not found", id)
	}
	session.Note = note
	s.sessionsByID[id] = session
	out := cloneSession(session)
	return &out, nil
}

func cloneSession(src domain.CashSession) domain.CashSession {
	dst := src
	if src.ClosingBalanceCents != nil {
		v := *src.ClosingBalanceCents
		dst.ClosingBalanceCents = &v
	}
	if src.DifferenceCents != nil {
		v := *src.DifferenceCents
		dst.DifferenceCents = &v
	}
	dst.ClosedAt = cloneTime(src.ClosedAt)
	return dst
}
