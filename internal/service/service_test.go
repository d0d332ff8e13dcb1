package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/outbox"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc        *Service
	repo       *memory.Store
	dispatcher *outbox.Dispatcher
	clock      *testClock
	summaries  *cache.MemorySummaryCache
}

func newHarness(t *testing.T, zones *Zones) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)}
	repo := memory.NewSeeded()
	repo.SetClock(clock.Now)
	dispatcher := outbox.New(repo, outbox.NewMemoryAttempts(), outbox.Config{Consumer: "test"})
	dispatcher.SetClock(clock.Now)
	summaries := cache.NewMemorySummaryCache()

	svc := New(repo, Options{
		DefaultStoreID: "main-store",
		Zones:          zones,
		SummaryCache:   summaries,
		Notify:         dispatcher.Notify,
		Now:            clock.Now,
	})
	svc.RegisterHandlers(dispatcher)
	return &harness{svc: svc, repo: repo, dispatcher: dispatcher, clock: clock, summaries: summaries}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.dispatcher.Drain(context.Background()); err != nil {
		t.Fatalf("drain outbox: %v", err)
	}
}

func (h *harness) stock(t *testing.T, productID string) domain.StockLevel {
	t.Helper()
	level, err := h.svc.Stock.Get(context.Background(), "main-store", productID)
	if err != nil {
		t.Fatalf("get stock %s: %v", productID, err)
	}
	return level
}

func (h *harness) putProduct(productID string, priceCents int64, taxRate string, onHand int) {
	h.repo.PutProduct(domain.Product{ID: productID, SKU: strings.ToUpper(productID), Name: productID, PriceCents: priceCents, TaxRate: taxRate, Active: true})
	h.repo.SetStock("main-store", productID, onHand)
}

func TestCashOrderAndRefundReconcileDrawer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := WithActor(context.Background(), "kasir-a")
	h.putProduct("prd-paket-50", 5000, "0", 10)

	session, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-1", OpeningBalanceCents: 10000})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-paket-50", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 5000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if resp.Order.Status != domain.OrderStatusCompleted || len(resp.Warnings) != 0 {
		t.Fatalf("unexpected order %+v warnings=%v", resp.Order.Status, resp.Warnings)
	}
	h.drain(t)

	got, _ := h.svc.Cash.GetSession(ctx, session.ID)
	if got.ExpectedBalanceCents != 15000 {
		t.Fatalf("expected balance after sale = %d, want 15000", got.ExpectedBalanceCents)
	}

	if _, err := h.svc.Orders.RefundOrder(ctx, resp.Order.ID, domain.RefundOrderRequest{Reason: "customer return"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	h.drain(t)

	txs, _ := h.svc.Cash.ListTransactions(ctx, session.ID)
	if len(txs) != 2 || txs[1].Type != domain.CashTxRefund || txs[1].AmountCents != 5000 {
		t.Fatalf("unexpected drawer log %+v", txs)
	}
	got, _ = h.svc.Cash.GetSession(ctx, session.ID)
	if got.ExpectedBalanceCents != 10000 {
		t.Fatalf("expected balance after refund = %d, want 10000", got.ExpectedBalanceCents)
	}

	closed, err := h.svc.Cash.CloseSession(ctx, session.ID, domain.CloseSessionRequest{ClosingBalanceCents: 10000})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.DifferenceCents == nil || *closed.DifferenceCents != 0 {
		t.Fatalf("difference = %v, want 0", closed.DifferenceCents)
	}
	if h.stock(t, "prd-paket-50").OnHand != 10 {
		t.Fatalf("refund should restore on-hand stock")
	}
}

func TestReserveCompleteAndCancelMoveStock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putProduct("prd-five", 1000, "0", 5)

	first, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-five", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create first order: %v", err)
	}
	if level := h.stock(t, "prd-five"); level.OnHand != 5 || level.Committed != 3 {
		t.Fatalf("after reserve on_hand=%d committed=%d, want 5/3", level.OnHand, level.Committed)
	}

	if _, err := h.svc.Orders.CompleteOrder(ctx, first.Order.ID, domain.CompleteOrderRequest{
		Payments: []domain.Payment{{Method: domain.PaymentMethodCard, AmountCents: 3000, Reference: "EDC-1"}},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if level := h.stock(t, "prd-five"); level.OnHand != 2 || level.Committed != 0 {
		t.Fatalf("after complete on_hand=%d committed=%d, want 2/0", level.OnHand, level.Committed)
	}

	second, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-five", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create second order: %v", err)
	}
	if _, err := h.svc.Orders.CancelOrder(ctx, second.Order.ID, domain.CancelOrderRequest{Reason: "changed mind"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if level := h.stock(t, "prd-five"); level.OnHand != 2 || level.Committed != 0 {
		t.Fatalf("after cancel on_hand=%d committed=%d, want 2/0", level.OnHand, level.Committed)
	}
	if h.svc.Stock.ClampCount() != 0 {
		t.Fatalf("no clamp expected on the happy path, got %d", h.svc.Stock.ClampCount())
	}
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	h := newHarness(t, nil)
	h.putProduct("prd-hot", 1500, "11", 10)

	const workers = 25
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Orders.CreateOrder(context.Background(), domain.CreateOrderRequest{
				CounterID:      fmt.Sprintf("counter-%d", i%3),
				IdempotencyKey: fmt.Sprintf("idem-hot-%d", i),
				Items:          []domain.OrderItemRequest{{ProductID: "prd-hot", Quantity: 3}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3 (10/3)", succeeded)
	}
	if insufficient != workers-3 {
		t.Fatalf("insufficient = %d, want %d", insufficient, workers-3)
	}
	if level := h.stock(t, "prd-hot"); level.Committed != 9 || level.OnHand != 10 {
		t.Fatalf("on_hand=%d committed=%d, want 10/9", level.OnHand, level.Committed)
	}
}

func TestFailedLineReleasesEarlierReservations(t *testing.T) {
	h := newHarness(t, nil)
	h.putProduct("prd-a", 1000, "0", 5)
	h.putProduct("prd-b", 1000, "0", 5)
	ctx := context.Background()

	// hold prd-b so the second line fails its reservation guard
	if _, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-b", Quantity: 4}},
	}); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	_, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-a", Quantity: 2},
			{ProductID: "prd-b", Quantity: 2},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if level := h.stock(t, "prd-a"); level.Committed != 0 {
		t.Fatalf("prd-a committed = %d, want 0 after compensation", level.Committed)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.CreateOrderRequest
		want error
	}{
		{"zero quantity", domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-mie-01", Quantity: 0}}}, store.ErrInvalidTransaction},
		{"no items", domain.CreateOrderRequest{CounterID: "c"}, store.ErrInvalidTransaction},
		{"no counter", domain.CreateOrderRequest{Items: []domain.OrderItemRequest{{ProductID: "prd-mie-01", Quantity: 1}}}, store.ErrInvalidTransaction},
		{"unknown product", domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-none", Quantity: 1}}}, store.ErrNotFound},
		{"inactive product", domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-lama-01", Quantity: 1}}}, store.ErrInvalidTransaction},
		{"more than on hand", domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-mie-01", Quantity: 121}}}, store.ErrInsufficientStock},
		{"card without reference", domain.CreateOrderRequest{
			CounterID: "c",
			Mode:      domain.CreateModeImmediate,
			Items:     []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 1}},
			Payments:  []domain.Payment{{Method: domain.PaymentMethodCard, AmountCents: 26500}},
		}, store.ErrInvalidTransaction},
		{"immediate underpaid", domain.CreateOrderRequest{
			CounterID: "c",
			Mode:      domain.CreateModeImmediate,
			Items:     []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 1}},
			Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 1000}},
		}, store.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		_, err := h.svc.Orders.CreateOrder(ctx, tc.req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if level := h.stock(t, "prd-telur-01"); level.Committed != 0 {
		t.Fatalf("rejected orders must not hold stock, committed=%d", level.Committed)
	}
}

func TestOrderTotalIdentity(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.svc.Orders.CreateOrder(context.Background(), domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-mie-01", Quantity: 3, DiscountCents: 500},
			{ProductID: "prd-telur-01", Quantity: 1},
			{ProductID: "prd-kopi-01", Quantity: 7, DiscountCents: 99},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	order := resp.Order
	if order.SubtotalCents != 3*3500+26500+7*2600 {
		t.Fatalf("subtotal = %d", order.SubtotalCents)
	}
	if order.DiscountCents != 599 {
		t.Fatalf("discount = %d", order.DiscountCents)
	}
	// 10000*11% = 1100; 0% on eggs; 18101*11% = 1991.11 -> 1991
	if order.TaxCents != 1100+1991 {
		t.Fatalf("tax = %d", order.TaxCents)
	}
	if order.TotalCents != order.SubtotalCents-order.DiscountCents+order.TaxCents {
		t.Fatalf("total %d breaks subtotal-discount+tax", order.TotalCents)
	}
	if !strings.HasPrefix(order.Number, "MAIN-STORE-20260310-") {
		t.Fatalf("unexpected order number %s", order.Number)
	}
}

func TestOrderNumbersAreSequentialPerDay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	numbers := make([]string, 0, 3)
	for i := 0; i < 2; i++ {
		resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-air-01", Quantity: 1}}})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		numbers = append(numbers, resp.Order.Number)
	}
	h.clock.Advance(24 * time.Hour)
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{CounterID: "c", Items: []domain.OrderItemRequest{{ProductID: "prd-air-01", Quantity: 1}}})
	if err != nil {
		t.Fatalf("create next day: %v", err)
	}
	numbers = append(numbers, resp.Order.Number)

	want := []string{"MAIN-STORE-20260310-0001", "MAIN-STORE-20260310-0002", "MAIN-STORE-20260311-0001"}
	for i := range want {
		if numbers[i] != want[i] {
			t.Fatalf("numbers = %v, want %v", numbers, want)
		}
	}
}

func TestIdempotencyKeyReturnsExistingOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := domain.CreateOrderRequest{
		CounterID:      "counter-1",
		IdempotencyKey: "idem-repeat",
		Items:          []domain.OrderItemRequest{{ProductID: "prd-roti-01", Quantity: 2}},
	}
	first, err := h.svc.Orders.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.svc.Orders.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || second.Order.ID != first.Order.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Order.ID, second)
	}
	if level := h.stock(t, "prd-roti-01"); level.Committed != 2 {
		t.Fatalf("committed = %d, want 2", level.Committed)
	}
}

func TestRepeatedTransitionsFailLoudly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-gula-01", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := resp.Order.ID
	pay := domain.CompleteOrderRequest{Payments: []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 20000}}}

	done, err := h.svc.Orders.CompleteOrder(ctx, id, pay)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Order.ChangeCents != 2600 || done.Order.CashPaidCents != 17400 {
		t.Fatalf("change=%d cash=%d, want 2600/17400", done.Order.ChangeCents, done.Order.CashPaidCents)
	}
	if _, err := h.svc.Orders.CompleteOrder(ctx, id, pay); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second complete: expected conflict, got %v", err)
	}
	if _, err := h.svc.Orders.CancelOrder(ctx, id, domain.CancelOrderRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("cancel completed: expected invalid state, got %v", err)
	}
	if _, err := h.svc.Orders.RefundOrder(ctx, id, domain.RefundOrderRequest{}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := h.svc.Orders.RefundOrder(ctx, id, domain.RefundOrderRequest{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second refund: expected conflict, got %v", err)
	}
	if level := h.stock(t, "prd-gula-01"); level.OnHand != 120 || level.Committed != 0 {
		t.Fatalf("stock after refund on_hand=%d committed=%d", level.OnHand, level.Committed)
	}
}

func TestPartialPaymentsThenComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := resp.Order.ID

	partial, err := h.svc.Orders.AddPayment(ctx, id, domain.AddPaymentRequest{Payment: domain.Payment{Method: domain.PaymentMethodQRIS, AmountCents: 20000, Reference: "QR-1"}})
	if err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if partial.Order.PaymentStatus != domain.PaymentStatusPartial || partial.Order.PaidCents != 20000 {
		t.Fatalf("unexpected payment state %s paid=%d", partial.Order.PaymentStatus, partial.Order.PaidCents)
	}
	if _, err := h.svc.Orders.CompleteOrder(ctx, id, domain.CompleteOrderRequest{}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("complete short order: expected validation error, got %v", err)
	}
	if _, err := h.svc.Orders.AddPayment(ctx, id, domain.AddPaymentRequest{Payment: domain.Payment{Method: domain.PaymentMethodCard, AmountCents: 60000, Reference: "EDC-9"}}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("non-cash overpayment: expected validation error, got %v", err)
	}
	done, err := h.svc.Orders.CompleteOrder(ctx, id, domain.CompleteOrderRequest{Payments: []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 33000}}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Order.PaymentStatus != domain.PaymentStatusPaid || done.Order.CashPaidCents != 33000 || done.Order.ChangeCents != 0 {
		t.Fatalf("unexpected settlement %+v", done.Order)
	}
	// no drawer open on counter-1
	if len(done.Warnings) != 1 {
		t.Fatalf("expected one unreconciled-cash warning, got %v", done.Warnings)
	}
}

func TestCashSaleWithoutSessionIsReportedNotFailed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-9",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-sabun-01", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 10000}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "counter-9") {
		t.Fatalf("expected warning, got %v", resp.Warnings)
	}
	h.drain(t)

	report, err := h.svc.Cash.Reconciliation(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(report.UnreconciledSales) != 1 || report.UnreconciledSales[0].OrderID != resp.Order.ID {
		t.Fatalf("unexpected unreconciled sales %+v", report.UnreconciledSales)
	}
	if report.UnreconciledCents != resp.Order.CashPaidCents {
		t.Fatalf("unreconciled cents = %d, want %d", report.UnreconciledCents, resp.Order.CashPaidCents)
	}
}

func TestSessionClosedBeforeDeliveryLeavesSaleUnreconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-1", OpeningBalanceCents: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-air-01", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 5000}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Cash.CloseSession(ctx, session.ID, domain.CloseSessionRequest{ClosingBalanceCents: 0}); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.drain(t)

	dead, _ := h.repo.ListOutboxEvents(ctx, domain.OutboxStatusDead, 10)
	if len(dead) != 0 {
		t.Fatalf("closed session must not dead-letter the event: %+v", dead)
	}
	report, err := h.svc.Cash.Reconciliation(ctx, "main-store", "")
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(report.UnreconciledSales) != 1 {
		t.Fatalf("expected the sale to be unreconciled, got %+v", report)
	}
}

func TestSaleDeliveredAfterMidnightStaysReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.clock.Advance(20*time.Hour + 59*time.Minute + 59*time.Second)

	if _, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-1", OpeningBalanceCents: 0}); err != nil {
		t.Fatalf("open: %v", err)
	}
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-air-01", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 5000}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := resp.Order.CompletedAt; got == nil || got.Format(time.RFC3339) != "2026-03-10T23:59:59Z" {
		t.Fatalf("unexpected completed_at %v", got)
	}

	h.clock.Advance(2 * time.Second)
	h.drain(t)

	txs, err := h.repo.ListCashTransactionsForOrders(ctx, []string{resp.Order.ID})
	if err != nil || len(txs) != 1 || txs[0].CreatedAt.Format(domain.BusinessDateLayout) != "2026-03-11" {
		t.Fatalf("expected the drawer entry on the next day, got %+v err=%v", txs, err)
	}
	report, err := h.svc.Cash.Reconciliation(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(report.UnreconciledSales) != 0 || report.UnreconciledCents != 0 {
		t.Fatalf("late delivery reported as unreconciled: %+v", report.UnreconciledSales)
	}
}

func TestCashLedgerStaysReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-2", OpeningBalanceCents: 50000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entries := []domain.AddCashTransactionRequest{
		{Type: domain.CashTxCashIn, AmountCents: 20000, Note: "float top-up"},
		{Type: domain.CashTxCashOut, AmountCents: 7500, Note: "ice delivery"},
		{Type: domain.CashTxSale, AmountCents: 12000, Reference: "manual-1"},
		{Type: domain.CashTxSale, AmountCents: 12000, Reference: "manual-1"},
		{Type: domain.CashTxRefund, AmountCents: 3000},
	}
	for _, entry := range entries {
		if _, _, err := h.svc.Cash.AddTransaction(ctx, session.ID, entry); err != nil {
			t.Fatalf("add %s: %v", entry.Type, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
			CounterID: "counter-2",
			Mode:      domain.CreateModeImmediate,
			Items:     []domain.OrderItemRequest{{ProductID: "prd-teh-01", Quantity: i + 1}},
			Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 100000}},
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	h.drain(t)

	summary, err := h.svc.Cash.SessionSummary(ctx, session.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.DriftCents != 0 || summary.RebuiltExpectedCents != summary.Session.ExpectedBalanceCents {
		t.Fatalf("drift %d between stored %d and log %d", summary.DriftCents, summary.Session.ExpectedBalanceCents, summary.RebuiltExpectedCents)
	}
	if summary.TransactionCount != 7 {
		t.Fatalf("transaction count = %d, want 7 (duplicate reference skipped)", summary.TransactionCount)
	}
	result, err := h.svc.Cash.RebuildExpectedBalance(ctx, session.ID)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if result.DriftCents != 0 || result.Repaired {
		t.Fatalf("unexpected rebuild result %+v", result)
	}
}

func TestOneSessionPerCounterPerDay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := domain.OpenSessionRequest{CounterID: "counter-1", OpeningBalanceCents: 1000}

	session, err := h.svc.Cash.OpenSession(ctx, req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.Cash.OpenSession(ctx, req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second open while first is open: expected conflict, got %v", err)
	}
	if _, err := h.svc.Cash.CloseSession(ctx, session.ID, domain.CloseSessionRequest{ClosingBalanceCents: 1000}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.svc.Cash.OpenSession(ctx, req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reopen same day: expected conflict, got %v", err)
	}
	if _, err := h.svc.Cash.CloseSession(ctx, session.ID, domain.CloseSessionRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("close closed session: expected invalid state, got %v", err)
	}
	if _, _, err := h.svc.Cash.AddTransaction(ctx, session.ID, domain.AddCashTransactionRequest{Type: domain.CashTxCashIn, AmountCents: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("append to closed session: expected not found, got %v", err)
	}
	if noted, err := h.svc.Cash.UpdateNote(ctx, session.ID, "counted twice"); err != nil || noted.Note != "counted twice" {
		t.Fatalf("note on closed session: %v", err)
	}

	h.clock.Advance(24 * time.Hour)
	if _, err := h.svc.Cash.OpenSession(ctx, req); err != nil {
		t.Fatalf("open next day: %v", err)
	}
}

func TestSummarySaveIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-1", OpeningBalanceCents: 0}); err != nil {
		t.Fatalf("open: %v", err)
	}
	sale, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 2}},
		Payments: []domain.Payment{
			{Method: domain.PaymentMethodCard, AmountCents: 20000, Reference: "EDC-2"},
			{Method: domain.PaymentMethodCash, AmountCents: 40000},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session, _ := h.svc.Cash.ActiveSession(ctx, "main-store", "counter-1")
	if _, _, err := h.svc.Cash.AddTransaction(ctx, session.ID, domain.AddCashTransactionRequest{Type: domain.CashTxCashOut, AmountCents: 4000, Note: "parking"}); err != nil {
		t.Fatalf("cash out: %v", err)
	}
	if _, err := h.svc.RecordPurchase(ctx, domain.RecordPurchaseRequest{Reference: "INV-7", AmountCents: 15000, OccurredAt: "2026-03-10T05:00:00Z"}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.drain(t)

	first, err := h.svc.Summary.Save(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.SalesCents != 53000 || first.CashSalesCents != 33000 || first.NonCashSalesCents != 20000 {
		t.Fatalf("unexpected sales split %+v", first)
	}
	if first.ExpenseCents != 4000 || first.PurchaseCents != 15000 || first.NetProfitCents != 53000-15000-4000 {
		t.Fatalf("unexpected profit figures %+v", first)
	}
	if sale.Order.ChangeCents != 7000 {
		t.Fatalf("change = %d, want 7000", sale.Order.ChangeCents)
	}

	h.clock.Advance(time.Minute)
	second, err := h.svc.Summary.Save(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second != first {
		t.Fatalf("repeated save changed the snapshot:\n%+v\n%+v", first, second)
	}

	cached, hit, _ := h.summaries.Get(ctx, "main-store", "2026-03-10")
	if !hit || cached.NetProfitCents != first.NetProfitCents {
		t.Fatalf("summary should be cached after save")
	}
	got, err := h.svc.Summary.Get(ctx, "main-store", "2026-03-10")
	if err != nil || got.GeneratedAt != first.GeneratedAt {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	if _, err := h.svc.Orders.RefundOrder(ctx, sale.Order.ID, domain.RefundOrderRequest{}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	third, err := h.svc.Summary.Save(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("third save: %v", err)
	}
	if third.RefundCents != 53000 || third.NetProfitCents != -19000 || !third.GeneratedAt.After(first.GeneratedAt) {
		t.Fatalf("refund not reflected %+v", third)
	}
}

func TestSummaryUsesStoreLocalDay(t *testing.T) {
	zones, err := NewZones("UTC", map[string]string{"main-store": "Asia/Jakarta"})
	if err != nil {
		t.Fatalf("zones: %v", err)
	}
	h := newHarness(t, zones)
	ctx := context.Background()

	// 17:10 UTC on the 10th is 00:10 on the 11th in Jakarta
	h.clock.now = time.Date(2026, 3, 10, 17, 10, 0, 0, time.UTC)
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 26500}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Order.BusinessDate != "2026-03-11" {
		t.Fatalf("business date = %s, want 2026-03-11", resp.Order.BusinessDate)
	}

	prior, err := h.svc.Summary.Compute(ctx, "main-store", "2026-03-10")
	if err != nil {
		t.Fatalf("compute prior day: %v", err)
	}
	if prior.OrderCount != 0 || prior.SalesCents != 0 {
		t.Fatalf("sale after local midnight leaked into prior day: %+v", prior)
	}
	today, err := h.svc.Summary.Compute(ctx, "main-store", "2026-03-11")
	if err != nil {
		t.Fatalf("compute day: %v", err)
	}
	if today.OrderCount != 1 || today.SalesCents != 26500 {
		t.Fatalf("sale missing from its local day: %+v", today)
	}
	if today.Timezone != "Asia/Jakarta" || !today.WindowStart.Equal(time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window %s %s", today.Timezone, today.WindowStart)
	}
}

func TestReleaseClampIsCounted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	mutation, err := h.svc.Stock.Release(ctx, "main-store", "prd-mie-01", 2)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mutation.Clamped || mutation.Applied != 0 || mutation.Level.Committed != 0 {
		t.Fatalf("unexpected mutation %+v", mutation)
	}
	h.repo.SetStock("main-store", "prd-roti-01", 1)
	mutation, err = h.svc.Stock.Fulfill(ctx, "main-store", "prd-roti-01", 3)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !mutation.Clamped || mutation.Level.OnHand != 0 {
		t.Fatalf("unexpected mutation %+v", mutation)
	}
	if h.svc.Stock.ClampCount() != 2 {
		t.Fatalf("clamp count = %d, want 2", h.svc.Stock.ClampCount())
	}
}

func TestCustomerSpendFollowsCompletionAndRefund(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resp, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID:  "counter-1",
		CustomerID: "cust-77",
		Mode:       domain.CreateModeImmediate,
		Items:      []domain.OrderItemRequest{{ProductID: "prd-telur-01", Quantity: 1}},
		Payments:   []domain.Payment{{Method: domain.PaymentMethodEwallet, AmountCents: 26500, Reference: "EW-1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.drain(t)
	h.drain(t)

	spend, err := h.svc.CustomerSpend(ctx, "cust-77")
	if err != nil || spend.TotalSpentCents != 26500 || spend.OrderCount != 1 {
		t.Fatalf("spend after sale %+v err=%v", spend, err)
	}
	if _, err := h.svc.Orders.RefundOrder(ctx, resp.Order.ID, domain.RefundOrderRequest{}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	h.drain(t)
	spend, _ = h.svc.CustomerSpend(ctx, "cust-77")
	if spend.TotalSpentCents != 0 || spend.OrderCount != 0 {
		t.Fatalf("spend after refund %+v", spend)
	}

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	entries, _ := h.svc.Accounting.Entries(ctx, "main-store", from, from.Add(24*time.Hour))
	if len(entries) != 2 {
		t.Fatalf("expected sale and refund postings, got %d", len(entries))
	}
}

func TestOrderStatsAndTopSelling(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, item := range []domain.OrderItemRequest{
		{ProductID: "prd-kopi-01", Quantity: 5},
		{ProductID: "prd-kopi-01", Quantity: 2},
		{ProductID: "prd-air-01", Quantity: 3},
	} {
		if _, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
			CounterID: "counter-1",
			Mode:      domain.CreateModeImmediate,
			Items:     []domain.OrderItemRequest{item},
			Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 100000}},
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := h.svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Items:     []domain.OrderItemRequest{{ProductID: "prd-susu-01", Quantity: 1}},
	}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	stats, err := h.svc.Orders.OrderStats(ctx, "", "2026-03-10")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedOrders != 3 || stats.ByStatus[domain.OrderStatusPending] != 1 || stats.ItemsSold != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OutstandingCents <= 0 {
		t.Fatalf("pending order should be outstanding")
	}

	top, err := h.svc.Orders.TopSelling(ctx, "", "2026-03-10", 1)
	if err != nil {
		t.Fatalf("top selling: %v", err)
	}
	if len(top) != 1 || top[0].ProductID != "prd-kopi-01" || top[0].Quantity != 7 {
		t.Fatalf("unexpected top %+v", top)
	}
}

func TestAuditLogCarriesActor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := WithActor(context.Background(), "supervisor-1")
	if _, err := h.svc.Cash.OpenSession(ctx, domain.OpenSessionRequest{CounterID: "counter-1"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	logs, err := h.svc.ListAuditLogs(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 1 || logs[0].Actor != "supervisor-1" || logs[0].Action != "cash_session_open" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

type blockingSequencer struct{}

func (blockingSequencer) NextOrderNumber(ctx context.Context, _ string, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type failingCreateRepo struct {
	*memory.Store
	err error
}

func (r failingCreateRepo) CreateOrder(context.Context, domain.Order, []domain.OutboxEvent) (*domain.Order, error) {
	return nil, r.err
}

func TestReservationTimeoutReleasesStock(t *testing.T) {
	repo := memory.NewSeeded()
	repo.SetStock("main-store", "prd-mie-01", 10)
	svc := New(repo, Options{
		DefaultStoreID:     "main-store",
		Sequencer:          blockingSequencer{},
		ReservationTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModePending,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-mie-01", Quantity: 4}},
	})
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, apperror.ErrInternal) {
		t.Fatalf("expected internal deadline error, got %v", err)
	}

	level, err := svc.Stock.Get(ctx, "main-store", "prd-mie-01")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.Committed != 0 || level.OnHand != 10 {
		t.Fatalf("timed out create kept stock: on_hand=%d committed=%d", level.OnHand, level.Committed)
	}
	orders, _ := repo.ListOrders(ctx, "main-store", time.Time{}, time.Now().Add(time.Hour), "")
	if len(orders) != 0 {
		t.Fatalf("timed out create persisted %d orders", len(orders))
	}
}

func TestFailedPersistRestoresFulfilledStock(t *testing.T) {
	repo := memory.NewSeeded()
	repo.SetStock("main-store", "prd-mie-01", 10)
	persistErr := errors.New("connection reset")
	svc := New(failingCreateRepo{Store: repo, err: persistErr}, Options{DefaultStoreID: "main-store"})
	ctx := context.Background()

	_, err := svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-mie-01", Quantity: 3}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 100000}},
	})
	if !errors.Is(err, persistErr) || !errors.Is(err, apperror.ErrInternal) {
		t.Fatalf("expected internal persist error, got %v", err)
	}

	level, err := svc.Stock.Get(ctx, "main-store", "prd-mie-01")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.OnHand != 10 || level.Committed != 0 {
		t.Fatalf("fulfilled stock not restored: on_hand=%d committed=%d", level.OnHand, level.Committed)
	}
	deferred, _ := repo.ListOutboxEvents(ctx, domain.OutboxStatusPending, 10)
	if len(deferred) != 0 {
		t.Fatalf("inline restore succeeded, nothing should be queued: %+v", deferred)
	}
}

type failingSummaryCache struct {
	cache.NoopSummaryCache
	invalidations atomic.Int32
}

func (c *failingSummaryCache) Invalidate(context.Context, string, string) error {
	c.invalidations.Add(1)
	return errors.New("redis: connection refused")
}

func TestCacheInvalidateFailureIsLoggedNotRetried(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(prev) })

	clock := &testClock{now: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)}
	repo := memory.NewSeeded()
	repo.SetClock(clock.Now)
	dispatcher := outbox.New(repo, outbox.NewMemoryAttempts(), outbox.Config{Consumer: "test"})
	dispatcher.SetClock(clock.Now)
	summaries := &failingSummaryCache{}
	svc := New(repo, Options{DefaultStoreID: "main-store", SummaryCache: summaries, Now: clock.Now})
	svc.RegisterHandlers(dispatcher)
	ctx := context.Background()

	if _, err := svc.Orders.CreateOrder(ctx, domain.CreateOrderRequest{
		CounterID: "counter-1",
		Mode:      domain.CreateModeImmediate,
		Items:     []domain.OrderItemRequest{{ProductID: "prd-air-01", Quantity: 1}},
		Payments:  []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 5000}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := dispatcher.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if summaries.invalidations.Load() == 0 {
		t.Fatalf("expected the accounting handler to invalidate the summary")
	}
	for _, status := range []domain.OutboxStatus{domain.OutboxStatusPending, domain.OutboxStatusDead} {
		left, _ := repo.ListOutboxEvents(ctx, status, 10)
		if len(left) != 0 {
			t.Fatalf("cache failure must not fail delivery, %s=%+v", status, left)
		}
	}
	if !strings.Contains(logs.String(), "[summary] WARN: invalidate cached summary main-store/2026-03-10") {
		t.Fatalf("expected invalidate warning in log, got %q", logs.String())
	}
}
