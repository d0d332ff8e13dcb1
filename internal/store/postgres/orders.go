package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

const orderColumns = `
	id, number, store_id, counter_id, COALESCE(customer_id, ''), COALESCE(idempotency_key, ''),
	business_date::text, status, payment_status, items, payments,
	subtotal_cents, discount_cents, tax_cents, total_cents, paid_cents, cash_paid_cents, change_cents,
	note, created_at, updated_at, completed_at, cancelled_at, refunded_at`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, events []domain.OutboxEvent) (*domain.Order, error) {
	if order.ID == "" || len(order.Items) == 0 {
		return nil, apperror.Validation("order id and items are required")
	}
	items, payments, err := marshalLines(order)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, number, store_id, counter_id, customer_id, idempotency_key,
				business_date, status, payment_status, items, payments,
				subtotal_cents, discount_cents, tax_cents, total_cents, paid_cents, cash_paid_cents, change_cents,
				note, created_at, updated_at, completed_at, cancelled_at, refunded_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18,
				$19, $20, $21, $22, $23, $24
			)
		`,
			order.ID, order.Number, order.StoreID, order.CounterID, nullIfEmpty(order.CustomerID), nullIfEmpty(order.IdempotencyKey),
			order.BusinessDate, string(order.Status), string(order.PaymentStatus), items, payments,
			order.SubtotalCents, order.DiscountCents, order.TaxCents, order.TotalCents, order.PaidCents, order.CashPaidCents, order.ChangeCents,
			order.Note, order.CreatedAt.UTC(), order.UpdatedAt.UTC(), nullTime(order.CompletedAt), nullTime(order.CancelledAt), nullTime(order.RefundedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("order %s or idempotency key %s already exists", order.ID, order.IdempotencyKey)
			}
			return err
		}
		return s.enqueue(ctx, tx, events)
	})
	if err != nil {
		return nil, err
	}
	return s.FindOrderByID(ctx, order.ID)
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1`, value)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("order %s not found", value)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrder locks the order row, checks the expected status and writes
// the new state and its events in one transaction.
func (s *Store) TransitionOrder(ctx context.Context, tr domain.OrderTransition) (*domain.Order, error) {
	var out domain.Order
	var mutations []domain.StockMutation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, tr.OrderID)
		current, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("order %s not found", tr.OrderID)
		}
		if err != nil {
			return err
		}
		if current.Status != tr.From {
			return apperror.InvalidState("order %s is %s, cannot move %s -> %s", current.Number, current.Status, tr.From, tr.To)
		}

		next := current
		if tr.Apply != nil {
			if err := tr.Apply(&next); err != nil {
				return err
			}
		}
		next.Status = tr.To
		next.UpdatedAt = tr.At

		items, payments, err := marshalLines(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				status = $2, payment_status = $3, items = $4, payments = $5,
				subtotal_cents = $6, discount_cents = $7, tax_cents = $8, total_cents = $9,
				paid_cents = $10, cash_paid_cents = $11, change_cents = $12, note = $13,
				updated_at = $14, completed_at = $15, cancelled_at = $16, refunded_at = $17
			WHERE id = $1
		`,
			next.ID, string(next.Status), string(next.PaymentStatus), items, payments,
			next.SubtotalCents, next.DiscountCents, next.TaxCents, next.TotalCents,
			next.PaidCents, next.CashPaidCents, next.ChangeCents, next.Note,
			next.UpdatedAt.UTC(), nullTime(next.CompletedAt), nullTime(next.CancelledAt), nullTime(next.RefundedAt),
		); err != nil {
			return err
		}
		moved, err := s.moveOrderStockTx(ctx, tx, tr.StockOp, next)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, tr.Events); err != nil {
			return err
		}
		out = next
		mutations = moved
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tr.Observe != nil {
		for _, mutation := range mutations {
			tr.Observe(mutation)
		}
	}
	return &out, nil
}

// moveOrderStockTx moves op for every line inside tx. Rows are locked in
// product order so concurrent transitions cannot deadlock on each other.
func (s *Store) moveOrderStockTx(ctx context.Context, tx *sql.Tx, op string, order domain.Order) ([]domain.StockMutation, error) {
	if op == "" {
		return nil, nil
	}
	lines := slices.Clone(order.Items)
	slices.SortFunc(lines, func(a, b domain.OrderLine) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	mutations := make([]domain.StockMutation, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, apperror.Validation("order %s line %s has quantity %d", order.Number, line.ProductID, line.Quantity)
		}
		mutation, err := s.moveStockTx(ctx, tx, op, order.StoreID, line.ProductID, line.Quantity)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, mutation)
	}
	return mutations, nil
}

func (s *Store) ListOrders(ctx context.Context, storeID string, from time.Time, to time.Time, status domain.OrderStatus) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3 AND ($4 = '' OR status = $4)
		ORDER BY created_at, id
	`, storeID, from.UTC(), to.UTC(), string(status))
}

func (s *Store) ListOrdersCompletedBetween(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE store_id = $1 AND completed_at >= $2 AND completed_at < $3
		ORDER BY created_at, id
	`, storeID, from.UTC(), to.UTC())
}

// SalesAggregate counts revenue by completion time and refunds by refund time.
func (s *Store) SalesAggregate(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.SalesAggregate, error) {
	var agg domain.SalesAggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_cents) FILTER (WHERE completed_at >= $2 AND completed_at < $3), 0),
			COUNT(*) FILTER (WHERE completed_at >= $2 AND completed_at < $3),
			COALESCE(SUM(cash_paid_cents) FILTER (WHERE completed_at >= $2 AND completed_at < $3), 0),
			COALESCE(SUM(total_cents - cash_paid_cents) FILTER (WHERE completed_at >= $2 AND completed_at < $3), 0),
			COALESCE(SUM(total_cents) FILTER (WHERE refunded_at >= $2 AND refunded_at < $3), 0),
			COUNT(*) FILTER (WHERE refunded_at >= $2 AND refunded_at < $3)
		FROM orders
		WHERE store_id = $1
			AND ((completed_at >= $2 AND completed_at < $3) OR (refunded_at >= $2 AND refunded_at < $3))
	`, storeID, from.UTC(), to.UTC()).Scan(
		&agg.SalesCents,
		&agg.OrderCount,
		&agg.CashSalesCents,
		&agg.NonCashSalesCents,
		&agg.RefundCents,
		&agg.RefundCount,
	)
	if err != nil {
		return domain.SalesAggregate{}, err
	}
	return agg, nil
}

func (s *Store) TopSelling(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.TopSellingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line.product_id, MIN(line.sku), MIN(line.name),
			SUM(line.quantity)::bigint, SUM(line.subtotal_cents + line.tax_cents)::bigint
		FROM orders o,
			jsonb_to_recordset(o.items) AS line(
				product_id text, sku text, name text, quantity int, subtotal_cents bigint, tax_cents bigint
			)
		WHERE o.store_id = $1 AND o.status = 'COMPLETED' AND o.completed_at >= $2 AND o.completed_at < $3
		GROUP BY line.product_id
		ORDER BY 4 DESC, 1 ASC
		LIMIT $4
	`, storeID, from.UTC(), to.UTC(), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TopSellingItem, 0)
	for rows.Next() {
		var item domain.TopSellingItem
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.Quantity, &item.RevenueCents); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                domain.Order
		status, paymentStatus                string
		items, payments                      []byte
		completedAt, cancelledAt, refundedAt sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.Number, &order.StoreID, &order.CounterID, &order.CustomerID, &order.IdempotencyKey,
		&order.BusinessDate, &status, &paymentStatus, &items, &payments,
		&order.SubtotalCents, &order.DiscountCents, &order.TaxCents, &order.TotalCents,
		&order.PaidCents, &order.CashPaidCents, &order.ChangeCents,
		&order.Note, &order.CreatedAt, &order.UpdatedAt, &completedAt, &cancelledAt, &refundedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.CompletedAt = timePtr(completedAt)
	order.CancelledAt = timePtr(cancelledAt)
	order.RefundedAt = timePtr(refundedAt)
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s items: %w", order.ID, err)
	}
	if err := json.Unmarshal(payments, &order.Payments); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s payments: %w", order.ID, err)
	}
	return order, nil
}

func marshalLines(order domain.Order) (items []byte, payments []byte, err error) {
	items, err = json.Marshal(order.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order items: %w", err)
	}
	list := order.Payments
	if list == nil {
		list = []domain.Payment{}
	}
	payments, err = json.Marshal(list)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order payments: %w", err)
	}
	return items, payments, nil
}
