package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

const sessionColumns = `
	id, store_id, counter_id, business_date::text, status,
	opening_balance_cents, expected_balance_cents, closing_balance_cents, difference_cents,
	opened_by, closed_by, note, opened_at, closed_at`

const cashTxColumns = `
	id, session_id, store_id, counter_id, type, amount_cents, reference, order_id, note, created_at`

// CreateCashSession relies on the partial unique index over open sessions and
// the (store, counter, date) key to reject a second session.
func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.CounterID) == "" || session.BusinessDate == "" {
		return nil, apperror.Validation("store, counter and business date are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, store_id, counter_id, business_date, status,
			opening_balance_cents, expected_balance_cents, opened_by, note, opened_at
		) VALUES ($1, $2, $3, $4, 'OPEN', $5, $5, $6, $7, $8)
	`,
		session.ID, session.StoreID, session.CounterID, session.BusinessDate,
		session.OpeningBalanceCents, session.OpenedBy, session.Note, session.OpenedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return nil, apperror.Conflict("counter %s already has a session open or on %s", session.CounterID, session.BusinessDate)
	}
	if err != nil {
		return nil, err
	}
	return s.GetCashSession(ctx, session.ID)
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("cash session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, storeID string, counterID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE store_id = $1 AND counter_id = $2 AND status = 'OPEN'
	`, storeID, counterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("no open cash session for %s/%s", storeID, counterID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListCashSessions(ctx context.Context, storeID string, businessDate string) ([]domain.CashSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE store_id = $1 AND business_date = $2
		ORDER BY counter_id
	`, storeID, businessDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// AppendCashTransaction holds the session row lock while it inserts the entry
// and moves the expected balance.
func (s *Store) AppendCashTransaction(ctx context.Context, cashTx domain.CashTransaction) (store.CashAppend, error) {
	if !cashTx.Type.Valid() || cashTx.AmountCents < 0 {
		return store.CashAppend{}, apperror.Validation("invalid cash transaction %s %d", cashTx.Type, cashTx.AmountCents)
	}

	var out store.CashAppend
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, cashTx.SessionID))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && session.Status != domain.CashSessionOpen) {
			return apperror.NotFound("open cash session %s not found", cashTx.SessionID)
		}
		if err != nil {
			return err
		}

		if cashTx.Reference != "" {
			existing, err := scanCashTx(tx.QueryRowContext(ctx, `
				SELECT `+cashTxColumns+`
				FROM cash_transactions
				WHERE session_id = $1 AND reference = $2
			`, session.ID, cashTx.Reference))
			if err == nil {
				out = store.CashAppend{Transaction: existing, Session: session, Duplicate: true}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		cashTx.StoreID = session.StoreID
		cashTx.CounterID = session.CounterID
		if cashTx.CreatedAt.IsZero() {
			cashTx.CreatedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cash_transactions (id, session_id, store_id, counter_id, type, amount_cents, reference, order_id, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			cashTx.ID, cashTx.SessionID, cashTx.StoreID, cashTx.CounterID, string(cashTx.Type),
			cashTx.AmountCents, cashTx.Reference, cashTx.OrderID, cashTx.Note, cashTx.CreatedAt.UTC(),
		); err != nil {
			return err
		}

		session.ExpectedBalanceCents += cashTx.Type.Sign() * cashTx.AmountCents
		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_sessions SET expected_balance_cents = $2 WHERE id = $1
		`, session.ID, session.ExpectedBalanceCents); err != nil {
			return err
		}

		out = store.CashAppend{Transaction: cashTx, Session: session}
		return nil
	})
	if err != nil {
		return store.CashAppend{}, err
	}
	return out, nil
}

func (s *Store) ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	if _, err := s.GetCashSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.queryCashTxs(ctx, s.db, `
		SELECT `+cashTxColumns+` FROM cash_transactions WHERE session_id = $1 ORDER BY seq
	`, sessionID)
}

func (s *Store) ListCashTransactionsForOrders(ctx context.Context, orderIDs []string) ([]domain.CashTransaction, error) {
	if len(orderIDs) == 0 {
		return []domain.CashTransaction{}, nil
	}
	return s.queryCashTxs(ctx, s.db, `
		SELECT `+cashTxColumns+`
		FROM cash_transactions
		WHERE order_id = ANY($1)
		ORDER BY created_at, seq
	`, orderIDs)
}

func (s *Store) SumCashTransactions(ctx context.Context, storeID string, txType domain.CashTxType, from time.Time, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM cash_transactions
		WHERE store_id = $1 AND type = $2 AND created_at >= $3 AND created_at < $4
	`, storeID, string(txType), from.UTC(), to.UTC()).Scan(&total)
	return total, err
}

func (s *Store) CloseCashSession(ctx context.Context, id string, closingCents int64, closedBy string, note string, at time.Time) (*domain.CashSession, error) {
	var out domain.CashSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("cash session %s not found", id)
		}
		if err != nil {
			return err
		}
		if session.Status != domain.CashSessionOpen {
			return apperror.InvalidState("cash session %s is already closed", id)
		}

		difference := closingCents - session.ExpectedBalanceCents
		closedAt := at.UTC()
		session.Status = domain.CashSessionClosed
		session.ClosingBalanceCents = &closingCents
		session.DifferenceCents = &difference
		session.ClosedBy = closedBy
		session.ClosedAt = &closedAt
		if note != "" {
			session.Note = note
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET status = 'CLOSED', closing_balance_cents = $2, difference_cents = $3,
				closed_by = $4, note = $5, closed_at = $6
			WHERE id = $1
		`, id, closingCents, difference, closedBy, session.Note, closedAt); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) RebuildExpectedBalance(ctx context.Context, id string) (domain.RebuildResult, error) {
	var result domain.RebuildResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("cash session %s not found", id)
		}
		if err != nil {
			return err
		}

		txs, err := s.queryCashTxs(ctx, tx, `
			SELECT `+cashTxColumns+` FROM cash_transactions WHERE session_id = $1 ORDER BY seq
		`, id)
		if err != nil {
			return err
		}

		rebuilt := domain.ReplayExpected(session.OpeningBalanceCents, txs)
		result = domain.RebuildResult{
			SessionID:     id,
			StoredCents:   session.ExpectedBalanceCents,
			RebuiltCents:  rebuilt,
			DriftCents:    session.ExpectedBalanceCents - rebuilt,
			SessionStatus: string(session.Status),
		}
		if result.DriftCents != 0 && session.Status == domain.CashSessionOpen {
			if _, err := tx.ExecContext(ctx, `
				UPDATE cash_sessions SET expected_balance_cents = $2 WHERE id = $1
			`, id, rebuilt); err != nil {
				return err
			}
			result.Repaired = true
		}
		return nil
	})
	if err != nil {
		return domain.RebuildResult{}, err
	}
	return result, nil
}

func (s *Store) UpdateCashSessionNote(ctx context.Context, id string, note string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions SET note = $2 WHERE id = $1
		RETURNING `+sessionColumns, id, note))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("cash session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryCashTxs(ctx context.Context, q querier, query string, args ...any) ([]domain.CashTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashTransaction, 0)
	for rows.Next() {
		cashTx, err := scanCashTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cashTx)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (domain.CashSession, error) {
	var (
		session             domain.CashSession
		status              string
		closing, difference sql.NullInt64
		closedAt            sql.NullTime
	)
	if err := row.Scan(
		&session.ID, &session.StoreID, &session.CounterID, &session.BusinessDate, &status,
		&session.OpeningBalanceCents, &session.ExpectedBalanceCents, &closing, &difference,
		&session.OpenedBy, &session.ClosedBy, &session.Note, &session.OpenedAt, &closedAt,
	); err != nil {
		return domain.CashSession{}, err
	}
	session.Status = domain.CashSessionStatus(status)
	session.ClosingBalanceCents = int64Ptr(closing)
	session.DifferenceCents = int64Ptr(difference)
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosedAt = timePtr(closedAt)
	return session, nil
}

func scanCashTx(row rowScanner) (domain.CashTransaction, error) {
	var cashTx domain.CashTransaction
	var txType string
	if err := row.Scan(
		&cashTx.ID, &cashTx.SessionID, &cashTx.StoreID, &cashTx.CounterID, &txType,
		&cashTx.AmountCents, &cashTx.Reference, &cashTx.OrderID, &cashTx.Note, &cashTx.CreatedAt,
	); err != nil {
		return domain.CashTransaction{}, err
	}
	cashTx.Type = domain.CashTxType(txType)
	cashTx.CreatedAt = cashTx.CreatedAt.UTC()
	return cashTx, nil
}
