package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/money"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

const compensationTimeout = 5 * time.Second

const warnNoOpenSession = "no open cash session for counter %s; cash of %s not recorded in the drawer"

// OrderEngine owns the order lifecycle. Stock moves with each transition and
// ledger side effects leave through the outbox in the same write as the
// status change.
type OrderEngine struct {
	catalog            store.ProductCatalog
	orders             store.OrderStore
	outbox             store.OutboxStore
	stock              *StockLedger
	cash               *CashLedger
	sequencer          store.Sequencer
	notify             func()
	reservationTimeout time.Duration
	svc                *Service
}

type reservedLine struct {
	productID string
	qty       int
	fulfilled bool
}

func (e *OrderEngine) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (resp domain.OrderResponse, err error) {
	req.StoreID = e.svc.storeOrDefault(req.StoreID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Mode == "" {
		req.Mode = domain.CreateModePending
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	ctx, span := tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("store.id", req.StoreID),
		attribute.String("order.mode", string(req.Mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.CounterID == "" {
		return domain.OrderResponse{}, apperror.Validation("counter_id is required")
	}
	if req.Mode != domain.CreateModePending && req.Mode != domain.CreateModeImmediate {
		return domain.OrderResponse{}, apperror.Validation("mode must be pending or immediate")
	}
	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	payments, err := normalizePayments(req.Payments)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	if existing, err := e.orders.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.OrderResponse{Order: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.OrderResponse{}, err
	}

	lines, err := e.priceLines(ctx, req.StoreID, items)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	now := e.svc.now()
	order := domain.Order{
		ID:             xid.New("ord"),
		StoreID:        req.StoreID,
		CounterID:      req.CounterID,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		BusinessDate:   e.svc.zones.BusinessDate(req.StoreID, now),
		Status:         domain.OrderStatusPending,
		Items:          lines,
		Payments:       payments,
		Note:           strings.TrimSpace(req.Note),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyTotals(&order)
	if err := settle(&order); err != nil {
		return domain.OrderResponse{}, err
	}
	if req.Mode == domain.CreateModeImmediate && order.PaidCents < order.TotalCents {
		return domain.OrderResponse{}, apperror.Validation("payments %d do not cover total %d", order.PaidCents, order.TotalCents)
	}

	resCtx, cancel := context.WithTimeout(ctx, e.reservationTimeout)
	defer cancel()

	reserved := make([]reservedLine, 0, len(order.Items))
	for _, line := range order.Items {
		if _, err := e.stock.Reserve(resCtx, order.StoreID, line.ProductID, line.Quantity); err != nil {
			e.compensate(ctx, order, reserved)
			if errors.Is(err, store.ErrInsufficientStock) || errors.Is(err, store.ErrNotFound) {
				return domain.OrderResponse{}, err
			}
			return domain.OrderResponse{}, apperror.Internal(err, "reserve stock for %s", line.ProductID)
		}
		reserved = append(reserved, reservedLine{productID: line.ProductID, qty: line.Quantity})
	}

	seq, err := e.sequencer.NextOrderNumber(resCtx, order.StoreID, order.BusinessDate)
	if err != nil {
		e.compensate(ctx, order, reserved)
		return domain.OrderResponse{}, apperror.Internal(err, "allocate order number")
	}
	order.Number = formatOrderNumber(order.StoreID, order.BusinessDate, seq)

	var warnings []string
	var events []domain.OutboxEvent
	if req.Mode == domain.CreateModeImmediate {
		for i := range reserved {
			if _, err := e.stock.Fulfill(resCtx, order.StoreID, reserved[i].productID, reserved[i].qty); err != nil {
				e.compensate(ctx, order, reserved)
				return domain.OrderResponse{}, apperror.Internal(err, "fulfill stock for %s", reserved[i].productID)
			}
			reserved[i].fulfilled = true
		}
		completedAt := now
		order.Status = domain.OrderStatusCompleted
		order.CompletedAt = &completedAt

		session, err := e.cash.openSessionFor(resCtx, order.StoreID, order.CounterID)
		if err != nil {
			e.compensate(ctx, order, reserved)
			return domain.OrderResponse{}, apperror.Internal(err, "look up open cash session")
		}
		if order.CashPaidCents > 0 && session == nil {
			warnings = append(warnings, fmt.Sprintf(warnNoOpenSession, order.CounterID, order.Number))
		}
		events, err = settlementEvents(order, session, domain.CashTxSale)
		if err != nil {
			e.compensate(ctx, order, reserved)
			return domain.OrderResponse{}, apperror.Internal(err, "build settlement events")
		}
	}

	created, err := e.orders.CreateOrder(resCtx, order, events)
	if err != nil {
		e.compensate(ctx, order, reserved)
		if errors.Is(err, store.ErrConflict) {
			// A concurrent request with the same key won; answer with its order.
			if existing, findErr := e.orders.FindOrderByIdempotency(ctx, req.IdempotencyKey); findErr == nil {
				return domain.OrderResponse{Order: *existing, Duplicate: true}, nil
			}
			return domain.OrderResponse{}, err
		}
		if apperror.KindOf(err) == apperror.KindInternal {
			return domain.OrderResponse{}, apperror.Internal(err, "persist order")
		}
		return domain.OrderResponse{}, err
	}
	if len(events) > 0 {
		e.notify()
	}

	span.SetAttributes(attribute.String("order.id", created.ID), attribute.Int64("order.total_cents", created.TotalCents))
	e.svc.logAudit(ctx, created.StoreID, "order_create", "order", created.ID,
		fmt.Sprintf("number=%s,mode=%s,total=%d,paid=%d", created.Number, req.Mode, created.TotalCents, created.PaidCents))
	return domain.OrderResponse{Order: *created, Warnings: warnings}, nil
}

// priceLines checks every product before any reservation is taken and
// computes line totals from catalog prices.
func (e *OrderEngine) priceLines(ctx context.Context, storeID string, items []domain.OrderItemRequest) ([]domain.OrderLine, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := e.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, apperror.NotFound("product %s not found", item.ProductID)
		}
		if !product.Active {
			return nil, apperror.Validation("product %s is inactive", item.ProductID)
		}
		level, err := e.stock.Get(ctx, storeID, item.ProductID)
		if err != nil {
			return nil, err
		}
		if level.OnHand < item.Quantity {
			return nil, apperror.InsufficientStock("product %s has %d on hand, %d requested", item.ProductID, level.OnHand, item.Quantity)
		}

		gross := int64(item.Quantity) * product.PriceCents
		if item.DiscountCents > gross {
			return nil, apperror.Validation("discount on %s exceeds line amount", item.ProductID)
		}
		rate, err := money.ParseRate(product.TaxRate)
		if err != nil {
			return nil, apperror.Internal(err, "product %s has invalid tax rate", product.ID)
		}
		net := gross - item.DiscountCents
		lines = append(lines, domain.OrderLine{
			ProductID:      product.ID,
			SKU:            product.SKU,
			Name:           product.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: product.PriceCents,
			DiscountCents:  item.DiscountCents,
			TaxRate:        rate.String(),
			TaxCents:       money.TaxOn(net, rate),
			SubtotalCents:  net,
		})
	}
	return lines, nil
}

// compensate undoes stock taken by a create that did not persist. It runs
// detached from the request so a cancelled client cannot strand reservations.
func (e *OrderEngine) compensate(ctx context.Context, order domain.Order, reserved []reservedLine) {
	if len(reserved) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var deferred []domain.OutboxEvent
	for _, line := range reserved {
		op := domain.StockOpRelease
		if line.fulfilled {
			op = domain.StockOpRestore
		}
		if _, err := e.stock.Apply(cctx, op, order.StoreID, line.productID, line.qty); err != nil {
			log.Printf("[orders] ERROR: compensation %s failed store=%s product=%s qty=%d: %v", op, order.StoreID, line.productID, line.qty, err)
			event, buildErr := stockAdjustEvent(order, line.productID, op, line.qty, "compensate")
			if buildErr == nil {
				deferred = append(deferred, event)
			}
		}
	}
	e.deferStock(cctx, deferred)
}

// deferStock queues stock adjustments that failed inline so the dispatcher
// can retry them.
func (e *OrderEngine) deferStock(ctx context.Context, events []domain.OutboxEvent) {
	if len(events) == 0 {
		return
	}
	if err := e.outbox.EnqueueOutboxEvents(ctx, events); err != nil {
		log.Printf("[orders] ERROR: could not queue %d stock adjustments: %v", len(events), err)
		return
	}
	e.notify()
}

func (e *OrderEngine) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Order{}, apperror.Validation("order id is required")
	}
	order, err := e.orders.FindOrderByID(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (e *OrderEngine) ListOrders(ctx context.Context, storeID string, date string, status string) ([]domain.Order, error) {
	storeID = e.svc.storeOrDefault(storeID)
	status = strings.ToUpper(strings.TrimSpace(status))
	switch domain.OrderStatus(status) {
	case "", domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
	default:
		return nil, apperror.Validation("unknown order status %q", status)
	}
	from, to, err := e.svc.zones.DayWindow(storeID, e.svc.dateOrToday(storeID, date))
	if err != nil {
		return nil, err
	}
	return e.orders.ListOrders(ctx, storeID, from, to, domain.OrderStatus(status))
}

// AddPayment records a deposit against a pending order.
func (e *OrderEngine) AddPayment(ctx context.Context, orderID string, req domain.AddPaymentRequest) (domain.OrderResponse, error) {
	payments, err := normalizePayments([]domain.Payment{req.Payment})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if len(payments) == 0 {
		return domain.OrderResponse{}, apperror.Validation("payment amount must be positive")
	}

	updated, err := e.transition(ctx, domain.OrderTransition{
		OrderID: orderID,
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusPending,
		At:      e.svc.now(),
		Apply: func(order *domain.Order) error {
			order.Payments = append(order.Payments, payments...)
			return settle(order)
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	e.svc.logAudit(ctx, updated.StoreID, "order_payment", "order", updated.ID,
		fmt.Sprintf("method=%s,amount=%d,paid=%d", payments[0].Method, payments[0].AmountCents, updated.PaidCents))
	return domain.OrderResponse{Order: *updated}, nil
}

// CompleteOrder settles a pending order. Reservations become deductions and
// the sale is queued for the cash drawer, accounting and customer totals.
func (e *OrderEngine) CompleteOrder(ctx context.Context, orderID string, req domain.CompleteOrderRequest) (resp domain.OrderResponse, err error) {
	ctx, span := tracer.Start(ctx, "orders.complete", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	extra, err := normalizePayments(req.Payments)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if current.Status != domain.OrderStatusPending {
		return domain.OrderResponse{}, e.transitionError(current, domain.OrderStatusCompleted)
	}

	now := e.svc.now()
	projected := current
	projected.Payments = append(append([]domain.Payment(nil), current.Payments...), extra...)
	if err := settle(&projected); err != nil {
		return domain.OrderResponse{}, err
	}
	if projected.PaidCents < projected.TotalCents {
		return domain.OrderResponse{}, apperror.Validation("order %s is short by %d", current.Number, projected.TotalCents-projected.PaidCents)
	}
	completedAt := now
	projected.Status = domain.OrderStatusCompleted
	projected.CompletedAt = &completedAt

	session, err := e.cash.openSessionFor(ctx, current.StoreID, current.CounterID)
	if err != nil {
		return domain.OrderResponse{}, apperror.Internal(err, "look up open cash session")
	}
	events, err := settlementEvents(projected, session, domain.CashTxSale)
	if err != nil {
		return domain.OrderResponse{}, apperror.Internal(err, "build settlement events")
	}

	paymentCount := len(current.Payments)
	updated, err := e.transition(ctx, domain.OrderTransition{
		OrderID: orderID,
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusCompleted,
		At:      now,
		Events:  events,
		StockOp: domain.StockOpFulfill,
		Observe: e.observer(domain.StockOpFulfill),
		Apply: func(order *domain.Order) error {
			if len(order.Payments) != paymentCount {
				return apperror.Conflict("order %s took a payment while completing, retry", order.Number)
			}
			order.Payments = append(order.Payments, extra...)
			if err := settle(order); err != nil {
				return err
			}
			order.CompletedAt = &completedAt
			return nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	e.notify()

	var warnings []string
	if updated.CashPaidCents > 0 && session == nil {
		warnings = append(warnings, fmt.Sprintf(warnNoOpenSession, updated.CounterID, updated.Number))
	}
	e.svc.logAudit(ctx, updated.StoreID, "order_complete", "order", updated.ID,
		fmt.Sprintf("total=%d,cash=%d,change=%d", updated.TotalCents, updated.CashPaidCents, updated.ChangeCents))
	return domain.OrderResponse{Order: *updated, Warnings: warnings}, nil
}

// CancelOrder abandons a pending order and returns its reservations.
func (e *OrderEngine) CancelOrder(ctx context.Context, orderID string, req domain.CancelOrderRequest) (domain.OrderResponse, error) {
	now := e.svc.now()
	reason := strings.TrimSpace(req.Reason)
	updated, err := e.transition(ctx, domain.OrderTransition{
		OrderID: orderID,
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusCancelled,
		At:      now,
		StockOp: domain.StockOpRelease,
		Observe: e.observer(domain.StockOpRelease),
		Apply: func(order *domain.Order) error {
			cancelledAt := now
			order.CancelledAt = &cancelledAt
			if reason != "" {
				order.Note = strings.TrimSpace(order.Note + " cancel: " + reason)
			}
			return nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	e.svc.logAudit(ctx, updated.StoreID, "order_cancel", "order", updated.ID, "reason="+defaultString(reason, "unspecified"))
	return domain.OrderResponse{Order: *updated}, nil
}

// RefundOrder fully refunds a completed order: stock goes back on hand and
// the cash portion leaves whichever drawer is open now.
func (e *OrderEngine) RefundOrder(ctx context.Context, orderID string, req domain.RefundOrderRequest) (resp domain.OrderResponse, err error) {
	ctx, span := tracer.Start(ctx, "orders.refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if current.Status != domain.OrderStatusCompleted {
		return domain.OrderResponse{}, e.transitionError(current, domain.OrderStatusRefunded)
	}

	now := e.svc.now()
	reason := strings.TrimSpace(req.Reason)
	projected := current
	refundedAt := now
	projected.Status = domain.OrderStatusRefunded
	projected.RefundedAt = &refundedAt

	session, err := e.cash.openSessionFor(ctx, current.StoreID, current.CounterID)
	if err != nil {
		return domain.OrderResponse{}, apperror.Internal(err, "look up open cash session")
	}
	events, err := settlementEvents(projected, session, domain.CashTxRefund)
	if err != nil {
		return domain.OrderResponse{}, apperror.Internal(err, "build refund events")
	}

	updated, err := e.transition(ctx, domain.OrderTransition{
		OrderID: orderID,
		From:    domain.OrderStatusCompleted,
		To:      domain.OrderStatusRefunded,
		At:      now,
		Events:  events,
		StockOp: domain.StockOpRestore,
		Observe: e.observer(domain.StockOpRestore),
		Apply: func(order *domain.Order) error {
			order.PaymentStatus = domain.PaymentStatusRefunded
			order.RefundedAt = &refundedAt
			if reason != "" {
				order.Note = strings.TrimSpace(order.Note + " refund: " + reason)
			}
			return nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	e.notify()

	var warnings []string
	if updated.CashPaidCents > 0 && session == nil {
		warnings = append(warnings, fmt.Sprintf("no open cash session for counter %s; cash refund of %s not recorded in the drawer", updated.CounterID, updated.Number))
	}
	e.svc.logAudit(ctx, updated.StoreID, "order_refund", "order", updated.ID,
		fmt.Sprintf("total=%d,cash=%d,reason=%s", updated.TotalCents, updated.CashPaidCents, defaultString(reason, "unspecified")))
	return domain.OrderResponse{Order: *updated, Warnings: warnings}, nil
}

func (e *OrderEngine) observer(op string) func(domain.StockMutation) {
	return func(mutation domain.StockMutation) {
		e.stock.observe(op, mutation)
	}
}

// transition runs the compare-and-set and turns a lost race into a precise
// error for the caller.
func (e *OrderEngine) transition(ctx context.Context, tr domain.OrderTransition) (*domain.Order, error) {
	if strings.TrimSpace(tr.OrderID) == "" {
		return nil, apperror.Validation("order id is required")
	}
	updated, err := e.orders.TransitionOrder(ctx, tr)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, store.ErrInvalidState) {
		return nil, err
	}
	current, findErr := e.orders.FindOrderByID(ctx, tr.OrderID)
	if findErr != nil {
		return nil, err
	}
	return nil, e.transitionError(*current, tr.To)
}

// transitionError reports a repeat of the same transition as a conflict and
// anything else as an invalid state.
func (e *OrderEngine) transitionError(order domain.Order, to domain.OrderStatus) error {
	if order.Status == to {
		return apperror.Conflict("order %s is already %s", order.Number, order.Status)
	}
	return apperror.InvalidState("order %s is %s, cannot move to %s", order.Number, order.Status, to)
}

func (e *OrderEngine) OrderStats(ctx context.Context, storeID string, date string) (domain.OrderStats, error) {
	storeID = e.svc.storeOrDefault(storeID)
	date = e.svc.dateOrToday(storeID, date)
	from, to, err := e.svc.zones.DayWindow(storeID, date)
	if err != nil {
		return domain.OrderStats{}, err
	}
	orders, err := e.orders.ListOrders(ctx, storeID, from, to, "")
	if err != nil {
		return domain.OrderStats{}, err
	}

	stats := domain.OrderStats{
		StoreID:  storeID,
		Date:     date,
		ByStatus: map[domain.OrderStatus]int{},
	}
	for _, order := range orders {
		stats.ByStatus[order.Status]++
		switch order.Status {
		case domain.OrderStatusCompleted:
			stats.CompletedOrders++
			stats.RevenueCents += order.TotalCents
			for _, line := range order.Items {
				stats.ItemsSold += line.Quantity
			}
		case domain.OrderStatusPending:
			if order.TotalCents > order.PaidCents {
				stats.OutstandingCents += order.TotalCents - order.PaidCents
			}
		}
	}
	if stats.CompletedOrders > 0 {
		stats.AverageTicket = stats.RevenueCents / int64(stats.CompletedOrders)
	}
	return stats, nil
}

func (e *OrderEngine) TopSelling(ctx context.Context, storeID string, date string, limit int) ([]domain.TopSellingItem, error) {
	storeID = e.svc.storeOrDefault(storeID)
	if limit < 1 {
		limit = 10
	}
	from, to, err := e.svc.zones.DayWindow(storeID, e.svc.dateOrToday(storeID, date))
	if err != nil {
		return nil, err
	}
	return e.orders.TopSelling(ctx, storeID, from, to, limit)
}

func (e *OrderEngine) GetStock(ctx context.Context, storeID string, productID string) (domain.StockLevel, error) {
	return e.stock.Get(ctx, e.svc.storeOrDefault(storeID), productID)
}

func normalizeItems(items []domain.OrderItemRequest) ([]domain.OrderItemRequest, error) {
	if len(items) == 0 {
		return nil, apperror.Validation("order needs at least one item")
	}
	index := make(map[string]int, len(items))
	out := make([]domain.OrderItemRequest, 0, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return nil, apperror.Validation("product_id is required")
		}
		if item.Quantity < 1 {
			return nil, apperror.Validation("quantity for %s must be at least 1", item.ProductID)
		}
		if item.DiscountCents < 0 {
			return nil, apperror.Validation("discount for %s cannot be negative", item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			out[i].DiscountCents += item.DiscountCents
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out, nil
}

func normalizePayments(payments []domain.Payment) ([]domain.Payment, error) {
	out := make([]domain.Payment, 0, len(payments))
	for _, p := range payments {
		p.Method = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(p.Method))))
		p.Reference = strings.TrimSpace(p.Reference)
		if !p.Method.Valid() {
			return nil, apperror.Validation("unsupported payment method %q", p.Method)
		}
		if p.AmountCents < 0 {
			return nil, apperror.Validation("payment amount cannot be negative")
		}
		if p.AmountCents == 0 {
			continue
		}
		if p.Method != domain.PaymentMethodCash && p.Reference == "" {
			return nil, apperror.Validation("%s payment needs a reference", p.Method)
		}
		out = append(out, p)
	}
	return out, nil
}

func applyTotals(order *domain.Order) {
	order.SubtotalCents, order.DiscountCents, order.TaxCents = 0, 0, 0
	for _, line := range order.Items {
		order.SubtotalCents += int64(line.Quantity) * line.UnitPriceCents
		order.DiscountCents += line.DiscountCents
		order.TaxCents += line.TaxCents
	}
	order.TotalCents = order.SubtotalCents - order.DiscountCents + order.TaxCents
}

// settle derives paid, cash and change figures from the payment list.
// Non-cash tenders must not exceed the total; cash beyond what is due is
// change.
func settle(order *domain.Order) error {
	var nonCash, cashTendered int64
	for _, p := range order.Payments {
		if p.Method == domain.PaymentMethodCash {
			cashTendered += p.AmountCents
		} else {
			nonCash += p.AmountCents
		}
	}
	if nonCash > order.TotalCents {
		return apperror.Validation("non-cash payments %d exceed total %d", nonCash, order.TotalCents)
	}
	due := order.TotalCents - nonCash
	cashPaid := min(cashTendered, due)

	order.PaidCents = nonCash + cashPaid
	order.CashPaidCents = cashPaid
	order.ChangeCents = max(0, cashTendered-due)
	switch {
	case order.PaidCents >= order.TotalCents:
		order.PaymentStatus = domain.PaymentStatusPaid
	case order.PaidCents > 0:
		order.PaymentStatus = domain.PaymentStatusPartial
	default:
		order.PaymentStatus = domain.PaymentStatusPending
	}
	return nil
}

func formatOrderNumber(storeID string, businessDate string, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", strings.ToUpper(storeID), strings.ReplaceAll(businessDate, "-", ""), seq)
}

// settlementEvents builds the ledger events for a completion or refund.
// Cash only goes to a drawer when the counter had an open session.
func settlementEvents(order domain.Order, session *domain.CashSession, cashType domain.CashTxType) ([]domain.OutboxEvent, error) {
	kind := domain.PostingKindSale
	sign := int64(1)
	at := order.CompletedAt
	if cashType == domain.CashTxRefund {
		kind = domain.PostingKindRefund
		sign = -1
		at = order.RefundedAt
	}
	occurredAt := order.UpdatedAt
	if at != nil {
		occurredAt = *at
	}

	events := make([]domain.OutboxEvent, 0, 3)
	if order.CashPaidCents > 0 && session != nil {
		event, err := newEvent(domain.EventCashRecord, "cash:order:"+order.ID+":"+kind, domain.CashRecordPayload{
			SessionID:   session.ID,
			StoreID:     order.StoreID,
			CounterID:   order.CounterID,
			OrderID:     order.ID,
			Type:        cashType,
			AmountCents: order.CashPaidCents,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	event, err := newEvent(domain.EventAccountingPost, "accounting:order:"+order.ID+":"+kind, domain.AccountingPostPayload{
		OrderID:      order.ID,
		OrderNumber:  order.Number,
		StoreID:      order.StoreID,
		Kind:         kind,
		AmountCents:  order.TotalCents,
		TaxCents:     order.TaxCents,
		BusinessDate: order.BusinessDate,
		OccurredAt:   occurredAt,
	})
	if err != nil {
		return nil, err
	}
	events = append(events, event)

	if order.CustomerID != "" {
		event, err := newEvent(domain.EventCustomerSpend, "customer:order:"+order.ID+":"+kind, domain.CustomerSpendPayload{
			CustomerID: order.CustomerID,
			OrderID:    order.ID,
			DeltaCents: sign * order.TotalCents,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func stockAdjustEvent(order domain.Order, productID string, op string, qty int, cause string) (domain.OutboxEvent, error) {
	return newEvent(domain.EventStockAdjust, "stock:order:"+order.ID+":"+productID+":"+op+":"+strings.ToLower(cause), domain.StockAdjustPayload{
		StoreID:   order.StoreID,
		ProductID: productID,
		Operation: op,
		Quantity:  qty,
		OrderID:   order.ID,
	})
}

func newEvent(eventType string, dedupeKey string, payload any) (domain.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return domain.OutboxEvent{
		ID:          xid.New("evt"),
		EventType:   eventType,
		PayloadJSON: raw,
		DedupeKey:   dedupeKey,
		Status:      domain.OutboxStatusPending,
	}, nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
