package store

import (
	"context"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

var (
	ErrNotFound           = apperror.ErrNotFound
	ErrInsufficientStock  = apperror.ErrInsufficientStock
	ErrInvalidTransaction = apperror.ErrValidation
	ErrConflict           = apperror.ErrConflict
	ErrInvalidState       = apperror.ErrInvalidState
)

type ProductCatalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

// StockStore owns the per-(store, product) counters. Every method is a single
// atomic read-modify-write on one counter.
type StockStore interface {
	GetStock(ctx context.Context, storeID string, productID string) (domain.StockLevel, error)
	// Reserve raises committed by qty when on_hand - committed >= qty, and
	// fails with ErrInsufficientStock otherwise.
	Reserve(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error)
	// Release lowers committed by qty, floored at zero.
	Release(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error)
	// Fulfill lowers committed and on_hand by qty, each floored at zero.
	Fulfill(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error)
	// Restore raises on_hand by qty.
	Restore(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error)
}

type OrderStore interface {
	// CreateOrder persists the order and its outbox events together. A
	// duplicate idempotency key fails with ErrConflict.
	CreateOrder(ctx context.Context, order domain.Order, events []domain.OutboxEvent) (*domain.Order, error)
	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	// TransitionOrder applies a compare-and-set on the order status. It fails
	// with ErrNotFound for unknown orders and ErrInvalidState when the stored
	// status no longer matches tr.From.
	TransitionOrder(ctx context.Context, tr domain.OrderTransition) (*domain.Order, error)
	ListOrders(ctx context.Context, storeID string, from time.Time, to time.Time, status domain.OrderStatus) ([]domain.Order, error)
	ListOrdersCompletedBetween(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Order, error)
	SalesAggregate(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.SalesAggregate, error)
	TopSelling(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.TopSellingItem, error)
}

// CashAppend is the result of appending one cash transaction.
type CashAppend struct {
	Transaction domain.CashTransaction
	Session     domain.CashSession
	// Duplicate is set when the reference was already recorded on the
	// session; nothing was written.
	Duplicate bool
}

type CashStore interface {
	// CreateCashSession fails with ErrConflict when the counter already has an
	// open session or already had a session on the same business date.
	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, storeID string, counterID string) (*domain.CashSession, error)
	ListCashSessions(ctx context.Context, storeID string, businessDate string) ([]domain.CashSession, error)
	// AppendCashTransaction inserts the entry and moves the session's expected
	// balance in the same atomic step. Sessions that are not open fail with
	// ErrNotFound.
	AppendCashTransaction(ctx context.Context, tx domain.CashTransaction) (CashAppend, error)
	ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error)
	// ListCashTransactionsForOrders returns every entry linked to one of the
	// order ids, whatever day it was recorded on.
	ListCashTransactionsForOrders(ctx context.Context, orderIDs []string) ([]domain.CashTransaction, error)
	SumCashTransactions(ctx context.Context, storeID string, txType domain.CashTxType, from time.Time, to time.Time) (int64, error)
	CloseCashSession(ctx context.Context, id string, closingCents int64, closedBy string, note string, at time.Time) (*domain.CashSession, error)
	// RebuildExpectedBalance re-sums the session's log under the session lock
	// and, for open sessions, overwrites the stored expected balance.
	RebuildExpectedBalance(ctx context.Context, id string) (domain.RebuildResult, error)
	UpdateCashSessionNote(ctx context.Context, id string, note string) (*domain.CashSession, error)
}

type SummaryStore interface {
	// UpsertDailySummary stores the snapshot keyed by (store, date). When the
	// stored figures already match, the existing row is returned unchanged.
	UpsertDailySummary(ctx context.Context, summary domain.DailySummary) (*domain.DailySummary, bool, error)
	GetDailySummary(ctx context.Context, storeID string, date string) (*domain.DailySummary, error)
}

type Sequencer interface {
	NextOrderNumber(ctx context.Context, storeID string, businessDate string) (int64, error)
}

type OutboxStore interface {
	// EnqueueOutboxEvents ignores events whose dedupe key already exists.
	EnqueueOutboxEvents(ctx context.Context, events []domain.OutboxEvent) error
	LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]domain.OutboxEvent, error)
	MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error
	MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error
	ListOutboxEvents(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error)
	RequeueOutboxEvent(ctx context.Context, id string, at time.Time) (*domain.OutboxEvent, error)
}

type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	ListAttempts(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error)
}

type CustomerStore interface {
	// ApplyCustomerSpend adds delta to the customer's running total once per
	// dedupe key. It reports false when the key was already applied.
	ApplyCustomerSpend(ctx context.Context, dedupeKey string, customerID string, deltaCents int64, at time.Time) (bool, error)
	GetCustomerSpend(ctx context.Context, customerID string) (*domain.CustomerSpend, error)
}

type AccountingStore interface {
	// InsertAccountingEntry reports false when the dedupe key already exists.
	InsertAccountingEntry(ctx context.Context, entry domain.AccountingEntry) (bool, error)
	SumAccountingEntries(ctx context.Context, storeID string, kind string, from time.Time, to time.Time) (int64, error)
	ListAccountingEntries(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.AccountingEntry, error)
	GetAccountingEntryByDedupeKey(ctx context.Context, dedupeKey string) (*domain.AccountingEntry, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	ProductCatalog
	StockStore
	OrderStore
	CashStore
	SummaryStore
	Sequencer
	OutboxStore
	CustomerStore
	AccountingStore
	AuditStore
}
