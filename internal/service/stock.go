package service

import (
	"context"
	"log"
	"strings"
	"sync/atomic"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// StockLedger fronts the stock counters. Release and fulfill floor at zero
// instead of failing; each floor is logged and counted.
type StockLedger struct {
	store  store.StockStore
	clamps atomic.Int64
}

func NewStockLedger(stockStore store.StockStore) *StockLedger {
	return &StockLedger{store: stockStore}
}

func (l *StockLedger) Get(ctx context.Context, storeID string, productID string) (domain.StockLevel, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(productID) == "" {
		return domain.StockLevel{}, apperror.Validation("store_id and product_id are required")
	}
	return l.store.GetStock(ctx, storeID, productID)
}

func (l *StockLedger) Reserve(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive, got %d", qty)
	}
	return l.store.Reserve(ctx, storeID, productID, qty)
}

func (l *StockLedger) Release(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive, got %d", qty)
	}
	mutation, err := l.store.Release(ctx, storeID, productID, qty)
	if err != nil {
		return mutation, err
	}
	l.observe(domain.StockOpRelease, mutation)
	return mutation, nil
}

func (l *StockLedger) Fulfill(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive, got %d", qty)
	}
	mutation, err := l.store.Fulfill(ctx, storeID, productID, qty)
	if err != nil {
		return mutation, err
	}
	l.observe(domain.StockOpFulfill, mutation)
	return mutation, nil
}

func (l *StockLedger) Restore(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive, got %d", qty)
	}
	return l.store.Restore(ctx, storeID, productID, qty)
}

// Apply runs a named operation; used when replaying deferred adjustments.
func (l *StockLedger) Apply(ctx context.Context, op string, storeID string, productID string, qty int) (domain.StockMutation, error) {
	switch op {
	case domain.StockOpReserve:
		return l.Reserve(ctx, storeID, productID, qty)
	case domain.StockOpRelease:
		return l.Release(ctx, storeID, productID, qty)
	case domain.StockOpFulfill:
		return l.Fulfill(ctx, storeID, productID, qty)
	case domain.StockOpRestore:
		return l.Restore(ctx, storeID, productID, qty)
	default:
		return domain.StockMutation{}, apperror.Validation("unknown stock operation %q", op)
	}
}

// ClampCount is the number of floored release/fulfill calls since start.
func (l *StockLedger) ClampCount() int64 {
	return l.clamps.Load()
}

func (l *StockLedger) observe(op string, mutation domain.StockMutation) {
	if !mutation.Clamped {
		return
	}
	l.clamps.Add(1)
	log.Printf(
		"[stock] WARN: %s clamped at zero store=%s product=%s requested=%d applied=%d on_hand=%d committed=%d",
		op,
		mutation.Level.StoreID,
		mutation.Level.ProductID,
		mutation.Requested,
		mutation.Applied,
		mutation.Level.OnHand,
		mutation.Level.Committed,
	)
}
