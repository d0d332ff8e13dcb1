package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, events []domain.OutboxEvent) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if order.ID == "" || len(order.Items) == 0 {
		return nil, apperror.Validation("order id and items are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, apperror.Conflict("order %s already exists", order.ID)
	}
	if order.IdempotencyKey != "" {
		if _, exists := s.ordersByIdem[order.IdempotencyKey]; exists {
			return nil, apperror.Conflict("idempotency key %s already used", order.IdempotencyKey)
		}
		s.ordersByIdem[order.IdempotencyKey] = order.ID
	}

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = stored
	s.enqueueLocked(events)

	out := cloneOrder(stored)
	return &out, nil
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, apperror.NotFound("order %s not found", id)
	}
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByIdem[key]
	if !ok {
		return nil, apperror.NotFound("no order for idempotency key %s", key)
	}
	out := cloneOrder(s.ordersByID[id])
	return &out, nil
}

func (s *Store) TransitionOrder(ctx context.Context, tr domain.OrderTransition) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ordersByID[tr.OrderID]
	if !ok {
		return nil, apperror.NotFound("order %s not found", tr.OrderID)
	}
	if current.Status != tr.From {
		return nil, apperror.InvalidState("order %s is %s, cannot move %s -> %s", current.Number, current.Status, tr.From, tr.To)
	}

	next := cloneOrder(current)
	if tr.Apply != nil {
		if err := tr.Apply(&next); err != nil {
			return nil, err
		}
	}
	next.Status = tr.To
	next.UpdatedAt = tr.At

	mutations, err := s.moveOrderStockLocked(tr.StockOp, next)
	if err != nil {
		return nil, err
	}
	s.ordersByID[next.ID] = next
	s.enqueueLocked(tr.Events)

	if tr.Observe != nil {
		for _, mutation := range mutations {
			tr.Observe(mutation)
		}
	}
	out := cloneOrder(next)
	return &out, nil
}

// moveOrderStockLocked moves op for every line. The op is checked and the
// lines are validated before any counter changes, so a rejected transition
// leaves stock untouched.
func (s *Store) moveOrderStockLocked(op string, order domain.Order) ([]domain.StockMutation, error) {
	if op == "" {
		return nil, nil
	}
	if !domain.IsStockMove(op) {
		return nil, apperror.Validation("unknown stock operation %q", op)
	}
	for _, line := range order.Items {
		if line.Quantity < 1 {
			return nil, apperror.Validation("order %s line %s has quantity %d", order.Number, line.ProductID, line.Quantity)
		}
	}
	mutations := make([]domain.StockMutation, 0, len(order.Items))
	for _, line := range order.Items {
		mutation, err := s.moveStockLocked(op, order.StoreID, line.ProductID, line.Quantity)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, mutation)
	}
	return mutations, nil
}

func (s *Store) ListOrders(ctx context.Context, storeID string, from time.Time, to time.Time, status domain.OrderStatus) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0)
	for _, order := range s.ordersByID {
		if order.StoreID != storeID || !inWindow(order.CreatedAt, from, to) {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sortOrders(out)
	return out, nil
}

func (s *Store) ListOrdersCompletedBetween(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0)
	for _, order := range s.ordersByID {
		if order.StoreID != storeID || order.CompletedAt == nil || !inWindow(*order.CompletedAt, from, to) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sortOrders(out)
	return out, nil
}

// SalesAggregate counts revenue by completion time and refunds by refund
// time, so an order completed yesterday and refunded today lands in both days.
func (s *Store) SalesAggregate(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.SalesAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg domain.SalesAggregate
	for _, order := range s.ordersByID {
		if order.StoreID != storeID {
			continue
		}
		if order.CompletedAt != nil && inWindow(*order.CompletedAt, from, to) {
			agg.SalesCents += order.TotalCents
			agg.OrderCount++
			agg.CashSalesCents += order.CashPaidCents
			agg.NonCashSalesCents += order.TotalCents - order.CashPaidCents
		}
		if order.RefundedAt != nil && inWindow(*order.RefundedAt, from, to) {
			agg.RefundCents += order.TotalCents
			agg.RefundCount++
		}
	}
	return agg, nil
}

func (s *Store) TopSelling(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.TopSellingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := make(map[string]*domain.TopSellingItem)
	for _, order := range s.ordersByID {
		if order.StoreID != storeID || order.Status != domain.OrderStatusCompleted {
			continue
		}
		if order.CompletedAt == nil || !inWindow(*order.CompletedAt, from, to) {
			continue
		}
		for _, line := range order.Items {
			item, ok := byProduct[line.ProductID]
			if !ok {
				item = &domain.TopSellingItem{ProductID: line.ProductID, SKU: line.SKU, Name: line.Name}
				byProduct[line.ProductID] = item
			}
			item.Quantity += line.Quantity
			item.RevenueCents += line.SubtotalCents + line.TaxCents
		}
	}

	out := make([]domain.TopSellingItem, 0, len(byProduct))
	for _, item := range byProduct {
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b domain.TopSellingItem) int {
		if c := cmp.Compare(b.Quantity, a.Quantity); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	dst.CompletedAt = cloneTime(src.CompletedAt)
	dst.CancelledAt = cloneTime(src.CancelledAt)
	dst.RefundedAt = cloneTime(src.RefundedAt)
	return dst
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}
