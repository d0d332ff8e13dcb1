package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

const summaryColumns = `
	store_id, business_date::text, timezone, window_start, window_end,
	sales_cents, order_count, refund_cents, refund_count, cash_sales_cents, non_cash_sales_cents,
	expense_cents, purchase_cents, net_profit_cents, generated_at`

// UpsertDailySummary only rewrites the row when a figure differs, so saving
// the same day twice keeps the first generated_at.
func (s *Store) UpsertDailySummary(ctx context.Context, summary domain.DailySummary) (*domain.DailySummary, bool, error) {
	if summary.GeneratedAt.IsZero() {
		summary.GeneratedAt = s.now()
	}
	saved, err := scanSummary(s.db.QueryRowContext(ctx, `
		INSERT INTO daily_summaries (
			store_id, business_date, timezone, window_start, window_end,
			sales_cents, order_count, refund_cents, refund_count, cash_sales_cents, non_cash_sales_cents,
			expense_cents, purchase_cents, net_profit_cents, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (store_id, business_date) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			sales_cents = EXCLUDED.sales_cents,
			order_count = EXCLUDED.order_count,
			refund_cents = EXCLUDED.refund_cents,
			refund_count = EXCLUDED.refund_count,
			cash_sales_cents = EXCLUDED.cash_sales_cents,
			non_cash_sales_cents = EXCLUDED.non_cash_sales_cents,
			expense_cents = EXCLUDED.expense_cents,
			purchase_cents = EXCLUDED.purchase_cents,
			net_profit_cents = EXCLUDED.net_profit_cents,
			generated_at = EXCLUDED.generated_at
		WHERE (
			daily_summaries.timezone, daily_summaries.window_start, daily_summaries.window_end,
			daily_summaries.sales_cents, daily_summaries.order_count, daily_summaries.refund_cents,
			daily_summaries.refund_count, daily_summaries.cash_sales_cents, daily_summaries.non_cash_sales_cents,
			daily_summaries.expense_cents, daily_summaries.purchase_cents, daily_summaries.net_profit_cents
		) IS DISTINCT FROM (
			EXCLUDED.timezone, EXCLUDED.window_start, EXCLUDED.window_end,
			EXCLUDED.sales_cents, EXCLUDED.order_count, EXCLUDED.refund_cents,
			EXCLUDED.refund_count, EXCLUDED.cash_sales_cents, EXCLUDED.non_cash_sales_cents,
			EXCLUDED.expense_cents, EXCLUDED.purchase_cents, EXCLUDED.net_profit_cents
		)
		RETURNING `+summaryColumns,
		summary.StoreID, summary.Date, summary.Timezone, summary.WindowStart.UTC(), summary.WindowEnd.UTC(),
		summary.SalesCents, summary.OrderCount, summary.RefundCents, summary.RefundCount,
		summary.CashSalesCents, summary.NonCashSalesCents, summary.ExpenseCents, summary.PurchaseCents,
		summary.NetProfitCents, summary.GeneratedAt.UTC(),
	))
	if err == nil {
		return &saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := s.GetDailySummary(ctx, summary.StoreID, summary.Date)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetDailySummary(ctx context.Context, storeID string, date string) (*domain.DailySummary, error) {
	summary, err := scanSummary(s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+` FROM daily_summaries WHERE store_id = $1 AND business_date = $2
	`, storeID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("no daily summary for %s on %s", storeID, date)
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) NextOrderNumber(ctx context.Context, storeID string, businessDate string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO order_sequences (store_id, business_date, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (store_id, business_date)
		DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value
	`, storeID, businessDate).Scan(&next)
	return next, err
}

func (s *Store) ApplyCustomerSpend(ctx context.Context, dedupeKey string, customerID string, deltaCents int64, at time.Time) (bool, error) {
	if strings.TrimSpace(dedupeKey) == "" || strings.TrimSpace(customerID) == "" {
		return false, apperror.Validation("dedupe key and customer id are required")
	}

	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO customer_spend_events (dedupe_key, customer_id, delta_cents, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (dedupe_key) DO NOTHING
		`, dedupeKey, customerID, deltaCents, at.UTC())
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			return err
		}

		orderDelta := 0
		switch {
		case deltaCents > 0:
			orderDelta = 1
		case deltaCents < 0:
			orderDelta = -1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customer_spend (customer_id, total_spent_cents, order_count, updated_at)
			VALUES ($1, $2, GREATEST($3, 0), $4)
			ON CONFLICT (customer_id) DO UPDATE SET
				total_spent_cents = customer_spend.total_spent_cents + EXCLUDED.total_spent_cents,
				order_count = GREATEST(customer_spend.order_count + $3, 0),
				updated_at = EXCLUDED.updated_at
		`, customerID, deltaCents, orderDelta, at.UTC()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) GetCustomerSpend(ctx context.Context, customerID string) (*domain.CustomerSpend, error) {
	spend := domain.CustomerSpend{CustomerID: customerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_spent_cents, order_count, updated_at FROM customer_spend WHERE customer_id = $1
	`, customerID).Scan(&spend.TotalSpentCents, &spend.OrderCount, &spend.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("customer %s has no spend record", customerID)
	}
	if err != nil {
		return nil, err
	}
	spend.UpdatedAt = spend.UpdatedAt.UTC()
	return &spend, nil
}

func (s *Store) InsertAccountingEntry(ctx context.Context, entry domain.AccountingEntry) (bool, error) {
	if strings.TrimSpace(entry.DedupeKey) == "" {
		return false, apperror.Validation("dedupe key is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO accounting_entries (id, dedupe_key, store_id, kind, reference, amount_cents, tax_cents, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		entry.ID, entry.DedupeKey, entry.StoreID, entry.Kind, entry.Reference,
		entry.AmountCents, entry.TaxCents, entry.OccurredAt.UTC(), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SumAccountingEntries(ctx context.Context, storeID string, kind string, from time.Time, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM accounting_entries
		WHERE store_id = $1 AND kind = $2 AND occurred_at >= $3 AND occurred_at < $4
	`, storeID, kind, from.UTC(), to.UTC()).Scan(&total)
	return total, err
}

func (s *Store) ListAccountingEntries(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.AccountingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dedupe_key, store_id, kind, reference, amount_cents, tax_cents, occurred_at, created_at
		FROM accounting_entries
		WHERE store_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
	`, storeID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AccountingEntry, 0)
	for rows.Next() {
		entry, err := scanAccountingEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) GetAccountingEntryByDedupeKey(ctx context.Context, dedupeKey string) (*domain.AccountingEntry, error) {
	entry, err := scanAccountingEntry(s.db.QueryRowContext(ctx, `
		SELECT id, dedupe_key, store_id, kind, reference, amount_cents, tax_cents, occurred_at, created_at
		FROM accounting_entries
		WHERE dedupe_key = $1
	`, dedupeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("accounting entry %s not found", dedupeKey)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanAccountingEntry(row rowScanner) (domain.AccountingEntry, error) {
	var entry domain.AccountingEntry
	if err := row.Scan(
		&entry.ID, &entry.DedupeKey, &entry.StoreID, &entry.Kind, &entry.Reference,
		&entry.AmountCents, &entry.TaxCents, &entry.OccurredAt, &entry.CreatedAt,
	); err != nil {
		return domain.AccountingEntry{}, err
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.StoreID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt.UTC())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, storeID, from.UTC(), to.UTC(), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(
			&entry.ID, &entry.StoreID, &entry.Actor, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (domain.DailySummary, error) {
	var summary domain.DailySummary
	if err := row.Scan(
		&summary.StoreID, &summary.Date, &summary.Timezone, &summary.WindowStart, &summary.WindowEnd,
		&summary.SalesCents, &summary.OrderCount, &summary.RefundCents, &summary.RefundCount,
		&summary.CashSalesCents, &summary.NonCashSalesCents, &summary.ExpenseCents, &summary.PurchaseCents,
		&summary.NetProfitCents, &summary.GeneratedAt,
	); err != nil {
		return domain.DailySummary{}, err
	}
	summary.WindowStart = summary.WindowStart.UTC()
	summary.WindowEnd = summary.WindowEnd.UTC()
	summary.GeneratedAt = summary.GeneratedAt.UTC()
	return summary, nil
}
