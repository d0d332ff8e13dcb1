package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

// CashLedger runs cash drawer sessions: one open session per counter, an
// append-only transaction log and an expected balance kept in step with it.
type CashLedger struct {
	store  store.CashStore
	orders store.OrderStore
	svc    *Service
}

func (l *CashLedger) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (domain.CashSession, error) {
	req.StoreID = l.svc.storeOrDefault(req.StoreID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		return domain.CashSession{}, apperror.Validation("counter_id is required")
	}
	if req.OpeningBalanceCents < 0 {
		return domain.CashSession{}, apperror.Validation("opening balance cannot be negative")
	}

	now := l.svc.now()
	actor, _ := ActorFromContext(ctx)
	session, err := l.store.CreateCashSession(ctx, domain.CashSession{
		ID:                  xid.New("cs"),
		StoreID:             req.StoreID,
		CounterID:           req.CounterID,
		BusinessDate:        l.svc.zones.BusinessDate(req.StoreID, now),
		OpeningBalanceCents: req.OpeningBalanceCents,
		OpenedBy:            actor,
		Note:                strings.TrimSpace(req.Note),
		OpenedAt:            now,
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	l.svc.logAudit(ctx, session.StoreID, "cash_session_open", "cash_session", session.ID,
		fmt.Sprintf("counter=%s,opening=%d", session.CounterID, session.OpeningBalanceCents))
	return *session, nil
}

func (l *CashLedger) AddTransaction(ctx context.Context, sessionID string, req domain.AddCashTransactionRequest) (domain.CashTransaction, domain.CashSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.CashTransaction{}, domain.CashSession{}, apperror.Validation("session id is required")
	}
	if !req.Type.Valid() {
		return domain.CashTransaction{}, domain.CashSession{}, apperror.Validation("unknown cash transaction type %q", req.Type)
	}
	if req.AmountCents < 0 {
		return domain.CashTransaction{}, domain.CashSession{}, apperror.Validation("amount cannot be negative")
	}

	appended, err := l.store.AppendCashTransaction(ctx, domain.CashTransaction{
		ID:          xid.New("ctx"),
		SessionID:   sessionID,
		Type:        req.Type,
		AmountCents: req.AmountCents,
		Reference:   strings.TrimSpace(req.Reference),
		Note:        strings.TrimSpace(req.Note),
		CreatedAt:   l.svc.now(),
	})
	if err != nil {
		return domain.CashTransaction{}, domain.CashSession{}, err
	}
	if !appended.Duplicate {
		l.svc.logAudit(ctx, appended.Session.StoreID, "cash_transaction", "cash_session", sessionID,
			fmt.Sprintf("type=%s,amount=%d", appended.Transaction.Type, appended.Transaction.AmountCents))
	}
	return appended.Transaction, appended.Session, nil
}

// recordOrderCash appends the cash portion of a completed or refunded order.
// The reference makes redelivery a no-op. A session that closed before the
// event was handled leaves the order unreconciled rather than failing.
func (l *CashLedger) recordOrderCash(ctx context.Context, payload domain.CashRecordPayload) error {
	ctx, span := tracer.Start(ctx, "cash.record_order", trace.WithAttributes(
		attribute.String("cash.session_id", payload.SessionID),
		attribute.String("order.id", payload.OrderID),
	))
	defer span.End()

	appended, err := l.store.AppendCashTransaction(ctx, domain.CashTransaction{
		ID:          xid.New("ctx"),
		SessionID:   payload.SessionID,
		Type:        payload.Type,
		AmountCents: payload.AmountCents,
		Reference:   orderCashReference(payload.OrderID, payload.Type),
		OrderID:     payload.OrderID,
		CreatedAt:   l.svc.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[cash] WARN: session %s no longer open, %s of order %s left unreconciled", payload.SessionID, payload.Type, payload.OrderID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if appended.Duplicate {
		log.Printf("[cash] INFO: %s for order %s already recorded on session %s", payload.Type, payload.OrderID, payload.SessionID)
	}
	return nil
}

func orderCashReference(orderID string, txType domain.CashTxType) string {
	return "order:" + orderID + ":" + strings.ToLower(string(txType))
}

func (l *CashLedger) CloseSession(ctx context.Context, sessionID string, req domain.CloseSessionRequest) (domain.CashSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.CashSession{}, apperror.Validation("session id is required")
	}
	if req.ClosingBalanceCents < 0 {
		return domain.CashSession{}, apperror.Validation("closing balance cannot be negative")
	}

	actor, _ := ActorFromContext(ctx)
	session, err := l.store.CloseCashSession(ctx, sessionID, req.ClosingBalanceCents, actor, strings.TrimSpace(req.Note), l.svc.now())
	if err != nil {
		return domain.CashSession{}, err
	}
	if session.DifferenceCents != nil && *session.DifferenceCents != 0 {
		log.Printf("[cash] WARN: session %s closed with difference %d", session.ID, *session.DifferenceCents)
	}
	l.svc.logAudit(ctx, session.StoreID, "cash_session_close", "cash_session", session.ID,
		fmt.Sprintf("closing=%d,expected=%d", req.ClosingBalanceCents, session.ExpectedBalanceCents))
	return *session, nil
}

func (l *CashLedger) GetSession(ctx context.Context, sessionID string) (domain.CashSession, error) {
	session, err := l.store.GetCashSession(ctx, sessionID)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func (l *CashLedger) ActiveSession(ctx context.Context, storeID string, counterID string) (domain.CashSession, error) {
	storeID = l.svc.storeOrDefault(storeID)
	if strings.TrimSpace(counterID) == "" {
		return domain.CashSession{}, apperror.Validation("counter_id is required")
	}
	session, err := l.store.GetOpenCashSession(ctx, storeID, counterID)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

// openSessionFor looks up the counter's open session; nil means none.
func (l *CashLedger) openSessionFor(ctx context.Context, storeID string, counterID string) (*domain.CashSession, error) {
	session, err := l.store.GetOpenCashSession(ctx, storeID, counterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (l *CashLedger) ListTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	return l.store.ListCashTransactions(ctx, sessionID)
}

func (l *CashLedger) SessionSummary(ctx context.Context, sessionID string) (domain.CashSessionSummary, error) {
	session, err := l.store.GetCashSession(ctx, sessionID)
	if err != nil {
		return domain.CashSessionSummary{}, err
	}
	txs, err := l.store.ListCashTransactions(ctx, sessionID)
	if err != nil {
		return domain.CashSessionSummary{}, err
	}

	totals := map[domain.CashTxType]int64{
		domain.CashTxSale:    0,
		domain.CashTxRefund:  0,
		domain.CashTxCashIn:  0,
		domain.CashTxCashOut: 0,
	}
	for _, tx := range txs {
		totals[tx.Type] += tx.AmountCents
	}
	rebuilt := domain.ReplayExpected(session.OpeningBalanceCents, txs)
	return domain.CashSessionSummary{
		Session:              *session,
		TotalsByType:         totals,
		TransactionCount:     len(txs),
		RebuiltExpectedCents: rebuilt,
		DriftCents:           session.ExpectedBalanceCents - rebuilt,
	}, nil
}

// RebuildExpectedBalance re-derives the expected balance from the log. Open
// sessions are repaired; closed sessions only report drift.
func (l *CashLedger) RebuildExpectedBalance(ctx context.Context, sessionID string) (domain.RebuildResult, error) {
	result, err := l.store.RebuildExpectedBalance(ctx, sessionID)
	if err != nil {
		return domain.RebuildResult{}, err
	}
	if result.DriftCents != 0 {
		log.Printf("[cash] WARN: session %s drift %d (stored=%d rebuilt=%d repaired=%t)",
			sessionID, result.DriftCents, result.StoredCents, result.RebuiltCents, result.Repaired)
		session, getErr := l.store.GetCashSession(ctx, sessionID)
		storeID := ""
		if getErr == nil {
			storeID = session.StoreID
		}
		l.svc.logAudit(ctx, storeID, "cash_session_rebuild", "cash_session", sessionID,
			fmt.Sprintf("drift=%d,repaired=%t", result.DriftCents, result.Repaired))
	}
	return result, nil
}

func (l *CashLedger) UpdateNote(ctx context.Context, sessionID string, note string) (domain.CashSession, error) {
	session, err := l.store.UpdateCashSessionNote(ctx, sessionID, strings.TrimSpace(note))
	if err != nil {
		return domain.CashSession{}, err
	}
	l.svc.logAudit(ctx, session.StoreID, "cash_session_note", "cash_session", session.ID, session.Note)
	return *session, nil
}

// Reconciliation checks every session of the business date for drift and
// lists completed cash sales that never reached a drawer.
func (l *CashLedger) Reconciliation(ctx context.Context, storeID string, date string) (domain.ReconciliationReport, error) {
	storeID = l.svc.storeOrDefault(storeID)
	date = l.svc.dateOrToday(storeID, date)
	from, to, err := l.svc.zones.DayWindow(storeID, date)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}

	sessions, err := l.store.ListCashSessions(ctx, storeID, date)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	report := domain.ReconciliationReport{
		StoreID:           storeID,
		Date:              date,
		Sessions:          make([]domain.RebuildResult, 0, len(sessions)),
		UnreconciledSales: make([]domain.UnreconciledSale, 0),
	}
	for _, session := range sessions {
		txs, err := l.store.ListCashTransactions(ctx, session.ID)
		if err != nil {
			return domain.ReconciliationReport{}, err
		}
		rebuilt := domain.ReplayExpected(session.OpeningBalanceCents, txs)
		report.Sessions = append(report.Sessions, domain.RebuildResult{
			SessionID:     session.ID,
			StoredCents:   session.ExpectedBalanceCents,
			RebuiltCents:  rebuilt,
			DriftCents:    session.ExpectedBalanceCents - rebuilt,
			SessionStatus: string(session.Status),
		})
	}

	orders, err := l.orders.ListOrdersCompletedBetween(ctx, storeID, from, to)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	cashOrders := make([]domain.Order, 0, len(orders))
	orderIDs := make([]string, 0, len(orders))
	for _, order := range orders {
		if order.CashPaidCents > 0 {
			cashOrders = append(cashOrders, order)
			orderIDs = append(orderIDs, order.ID)
		}
	}

	// Matched by order id: a sale completed just before midnight may reach
	// the drawer after it.
	recorded := make(map[string]struct{}, len(orderIDs))
	txs, err := l.store.ListCashTransactionsForOrders(ctx, orderIDs)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	for _, tx := range txs {
		if tx.Type == domain.CashTxSale {
			recorded[tx.OrderID] = struct{}{}
		}
	}

	for _, order := range cashOrders {
		if _, ok := recorded[order.ID]; ok {
			continue
		}
		report.UnreconciledSales = append(report.UnreconciledSales, domain.UnreconciledSale{
			OrderID:       order.ID,
			OrderNumber:   order.Number,
			CounterID:     order.CounterID,
			CashPaidCents: order.CashPaidCents,
			CompletedAt:   *order.CompletedAt,
		})
		report.UnreconciledCents += order.CashPaidCents
	}
	return report, nil
}
