package service

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/money"
	"kasirinaja/settlement/internal/store"
)

// PurchaseSource reports purchase spend booked in a window.
type PurchaseSource interface {
	PurchaseTotal(ctx context.Context, storeID string, from time.Time, to time.Time) (int64, error)
}

// SummaryProjector derives the daily profit snapshot for a store-local date.
type SummaryProjector struct {
	orders    store.OrderStore
	cash      store.CashStore
	summaries store.SummaryStore
	purchases PurchaseSource
	cache     cache.SummaryCache
	cacheTTL  time.Duration
	svc       *Service
}

// Compute aggregates the day without saving it.
func (p *SummaryProjector) Compute(ctx context.Context, storeID string, date string) (domain.DailySummary, error) {
	storeID = p.svc.storeOrDefault(storeID)
	date = p.svc.dateOrToday(storeID, date)
	from, to, err := p.svc.zones.DayWindow(storeID, date)
	if err != nil {
		return domain.DailySummary{}, err
	}

	ctx, span := tracer.Start(ctx, "summary.compute", trace.WithAttributes(
		attribute.String("store.id", storeID),
		attribute.String("summary.date", date),
	))
	defer span.End()

	var (
		sales     domain.SalesAggregate
		expenses  int64
		purchases int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = p.orders.SalesAggregate(gctx, storeID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = p.cash.SumCashTransactions(gctx, storeID, domain.CashTxCashOut, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		purchases, err = p.purchases.PurchaseTotal(gctx, storeID, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return domain.DailySummary{}, err
	}

	return domain.DailySummary{
		StoreID:           storeID,
		Date:              date,
		Timezone:          p.svc.zones.Location(storeID).String(),
		WindowStart:       from,
		WindowEnd:         to,
		SalesCents:        sales.SalesCents,
		OrderCount:        sales.OrderCount,
		RefundCents:       sales.RefundCents,
		RefundCount:       sales.RefundCount,
		CashSalesCents:    sales.CashSalesCents,
		NonCashSalesCents: sales.NonCashSalesCents,
		ExpenseCents:      expenses,
		PurchaseCents:     purchases,
		NetProfitCents:    sales.SalesCents - sales.RefundCents - purchases - expenses,
		GeneratedAt:       p.svc.now(),
	}, nil
}

// Save computes and stores the snapshot. Re-running it over unchanged data
// leaves the stored row, including its generated_at, as it was.
func (p *SummaryProjector) Save(ctx context.Context, storeID string, date string) (domain.DailySummary, error) {
	computed, err := p.Compute(ctx, storeID, date)
	if err != nil {
		return domain.DailySummary{}, err
	}
	saved, changed, err := p.summaries.UpsertDailySummary(ctx, computed)
	if err != nil {
		return domain.DailySummary{}, err
	}
	if err := p.cache.Set(ctx, *saved, p.cacheTTL); err != nil {
		log.Printf("[summary] WARN: cache summary %s/%s: %v", saved.StoreID, saved.Date, err)
	}
	if changed {
		p.svc.logAudit(ctx, saved.StoreID, "summary_save", "daily_summary", saved.StoreID+"/"+saved.Date,
			"net_profit="+money.Format(saved.NetProfitCents))
	}
	return *saved, nil
}

// Get returns the saved snapshot, reading through the cache.
func (p *SummaryProjector) Get(ctx context.Context, storeID string, date string) (domain.DailySummary, error) {
	storeID = p.svc.storeOrDefault(storeID)
	date = p.svc.dateOrToday(storeID, date)
	if _, _, err := p.svc.zones.DayWindow(storeID, date); err != nil {
		return domain.DailySummary{}, err
	}

	if cached, hit, err := p.cache.Get(ctx, storeID, date); err != nil {
		log.Printf("[summary] WARN: read cached summary %s/%s: %v", storeID, date, err)
	} else if hit {
		return *cached, nil
	}

	saved, err := p.summaries.GetDailySummary(ctx, storeID, date)
	if err != nil {
		return domain.DailySummary{}, err
	}
	if err := p.cache.Set(ctx, *saved, p.cacheTTL); err != nil {
		log.Printf("[summary] WARN: cache summary %s/%s: %v", storeID, date, err)
	}
	return *saved, nil
}
