package accounting

import (
	"context"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

// Journal records sale, refund and purchase postings. Each posting carries a
// dedupe key so redelivered events land once.
type Journal struct {
	store store.AccountingStore
	now   func() time.Time
}

func NewJournal(accountingStore store.AccountingStore) *Journal {
	return &Journal{store: accountingStore, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the journal clock in tests.
func (j *Journal) SetClock(now func() time.Time) {
	j.now = now
}

// Post writes an order-driven posting. It reports false when the dedupe key
// was already posted.
func (j *Journal) Post(ctx context.Context, payload domain.AccountingPostPayload, dedupeKey string) (bool, error) {
	switch payload.Kind {
	case domain.PostingKindSale, domain.PostingKindRefund:
	default:
		return false, apperror.Validation("unsupported posting kind %q", payload.Kind)
	}
	if strings.TrimSpace(dedupeKey) == "" {
		dedupeKey = "accounting:order:" + payload.OrderID + ":" + payload.Kind
	}
	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = j.now()
	}
	return j.store.InsertAccountingEntry(ctx, domain.AccountingEntry{
		ID:          xid.New("acct"),
		DedupeKey:   dedupeKey,
		StoreID:     payload.StoreID,
		Kind:        payload.Kind,
		Reference:   payload.OrderNumber,
		AmountCents: payload.AmountCents,
		TaxCents:    payload.TaxCents,
		OccurredAt:  occurredAt.UTC(),
		CreatedAt:   j.now(),
	})
}

// RecordPurchase books a stock purchase. The reference doubles as the dedupe
// key, so a resubmitted invoice is a no-op.
func (j *Journal) RecordPurchase(ctx context.Context, req domain.RecordPurchaseRequest) (domain.AccountingEntry, bool, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.Reference = strings.TrimSpace(req.Reference)
	if req.StoreID == "" || req.Reference == "" {
		return domain.AccountingEntry{}, false, apperror.Validation("store_id and reference are required")
	}
	if req.AmountCents < 1 || req.TaxCents < 0 {
		return domain.AccountingEntry{}, false, apperror.Validation("amount must be positive and tax non-negative")
	}

	occurredAt := j.now()
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.AccountingEntry{}, false, apperror.Validation("occurred_at must be RFC3339")
		}
		occurredAt = parsed.UTC()
	}

	entry := domain.AccountingEntry{
		ID:          xid.New("acct"),
		DedupeKey:   "accounting:purchase:" + req.StoreID + ":" + req.Reference,
		StoreID:     req.StoreID,
		Kind:        domain.PostingKindPurchase,
		Reference:   req.Reference,
		AmountCents: req.AmountCents,
		TaxCents:    req.TaxCents,
		OccurredAt:  occurredAt,
		CreatedAt:   j.now(),
	}
	inserted, err := j.store.InsertAccountingEntry(ctx, entry)
	if err != nil {
		return domain.AccountingEntry{}, false, err
	}
	if inserted {
		return entry, true, nil
	}
	existing, err := j.store.GetAccountingEntryByDedupeKey(ctx, entry.DedupeKey)
	if err != nil {
		return domain.AccountingEntry{}, false, err
	}
	return *existing, false, nil
}

// PurchaseTotal sums purchases booked in [from, to).
func (j *Journal) PurchaseTotal(ctx context.Context, storeID string, from time.Time, to time.Time) (int64, error) {
	return j.store.SumAccountingEntries(ctx, storeID, domain.PostingKindPurchase, from, to)
}

func (j *Journal) Entries(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.AccountingEntry, error) {
	return j.store.ListAccountingEntries(ctx, storeID, from, to)
}
