package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// Store keeps every ledger in process memory. A single mutex serialises all
// mutations, which makes each counter operation linearizable.
type Store struct {
	mu sync.RWMutex

	products map[string]domain.Product
	stocks   map[stockKey]domain.StockLevel

	ordersByID   map[string]domain.Order
	ordersByIdem map[string]string

	sessionsByID     map[string]domain.CashSession
	openSessionByKey map[string]string
	sessionByDay     map[string]string
	cashTxBySession  map[string][]domain.CashTransaction

	summaries map[dayKey]domain.DailySummary
	sequences map[dayKey]int64

	outboxByID     map[string]domain.OutboxEvent
	outboxByDedupe map[string]string
	outboxOrder    []string

	customerSpend  map[string]domain.CustomerSpend
	appliedSpend   map[string]struct{}
	accounting     []domain.AccountingEntry
	accountingKeys map[string]struct{}
	auditLogs      []domain.AuditLog

	now func() time.Time
}

type stockKey struct {
	storeID   string
	productID string
}

type dayKey struct {
	storeID string
	date    string
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		stocks:           make(map[stockKey]domain.StockLevel),
		ordersByID:       make(map[string]domain.Order),
		ordersByIdem:     make(map[string]string),
		sessionsByID:     make(map[string]domain.CashSession),
		openSessionByKey: make(map[string]string),
		sessionByDay:     make(map[string]string),
		cashTxBySession:  make(map[string][]domain.CashTransaction),
		summaries:        make(map[dayKey]domain.DailySummary),
		sequences:        make(map[dayKey]int64),
		outboxByID:       make(map[string]domain.OutboxEvent),
		outboxByDedupe:   make(map[string]string),
		customerSpend:    make(map[string]domain.CustomerSpend),
		appliedSpend:     make(map[string]struct{}),
		accountingKeys:   make(map[string]struct{}),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with a small demo catalog stocked in main-store.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{ID: "prd-mie-01", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", PriceCents: 3500, TaxRate: "11", Active: true},
		{ID: "prd-telur-01", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", PriceCents: 26500, TaxRate: "0", Active: true},
		{ID: "prd-susu-01", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", PriceCents: 18900, TaxRate: "11", Active: true},
		{ID: "prd-roti-01", SKU: "SKU-ROTI-01", Name: "Roti Tawar", PriceCents: 17800, TaxRate: "11", Active: true},
		{ID: "prd-kopi-01", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", PriceCents: 2600, TaxRate: "11", Active: true},
		{ID: "prd-gula-01", SKU: "SKU-GULA-01", Name: "Gula 1kg", PriceCents: 17400, TaxRate: "0", Active: true},
		{ID: "prd-teh-01", SKU: "SKU-TEH-01", Name: "Teh Celup", PriceCents: 9800, TaxRate: "11", Active: true},
		{ID: "prd-air-01", SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", PriceCents: 3900, TaxRate: "11", Active: true},
		{ID: "prd-sabun-01", SKU: "SKU-SABUN-01", Name: "Sabun Mandi", PriceCents: 7400, TaxRate: "11", Active: true},
		{ID: "prd-lama-01", SKU: "SKU-LAMA-01", Name: "Kalender Lama", PriceCents: 5000, TaxRate: "11", Active: false},
	}
	for _, p := range products {
		s.PutProduct(p)
		s.SetStock("main-store", p.ID, 120)
	}
	return s
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// SetStock overwrites on-hand stock and clears reservations.
func (s *Store) SetStock(storeID string, productID string, onHand int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks[stockKey{storeID, productID}] = domain.StockLevel{
		StoreID:   storeID,
		ProductID: productID,
		OnHand:    onHand,
		UpdatedAt: s.now(),
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetStock(ctx context.Context, storeID string, productID string) (domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level, ok := s.stocks[stockKey{storeID, productID}]
	if !ok {
		if _, known := s.products[productID]; !known {
			return domain.StockLevel{}, apperror.NotFound("product %s not found", productID)
		}
		return domain.StockLevel{StoreID: storeID, ProductID: productID}, nil
	}
	return level, nil
}

func (s *Store) Reserve(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stockKey{storeID, productID}
	level, ok := s.stocks[key]
	if !ok || level.Sellable() < qty {
		return domain.StockMutation{Level: level, Requested: qty}, apperror.InsufficientStock("product %s: %d sellable, %d requested", productID, level.Sellable(), qty)
	}
	level.Committed += qty
	level.UpdatedAt = s.now()
	s.stocks[key] = level
	return domain.StockMutation{Level: level, Requested: qty, Applied: qty}, nil
}

func (s *Store) Release(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.moveStock(domain.StockOpRelease, storeID, productID, qty)
}

func (s *Store) Fulfill(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.moveStock(domain.StockOpFulfill, storeID, productID, qty)
}

func (s *Store) Restore(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.moveStock(domain.StockOpRestore, storeID, productID, qty)
}

func (s *Store) moveStock(op string, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveStockLocked(op, storeID, productID, qty)
}

// moveStockLocked expects s.mu to be held for writing.
func (s *Store) moveStockLocked(op string, storeID string, productID string, qty int) (domain.StockMutation, error) {
	key := stockKey{storeID, productID}
	level := s.stockOrZero(key)
	level.UpdatedAt = s.now()
	mutation, ok := level.Move(op, qty)
	if !ok {
		return domain.StockMutation{}, apperror.Validation("unknown stock operation %q", op)
	}
	s.stocks[key] = level
	return mutation, nil
}

func (s *Store) stockOrZero(key stockKey) domain.StockLevel {
	level, ok := s.stocks[key]
	if !ok {
		return domain.StockLevel{StoreID: key.storeID, ProductID: key.productID}
	}
	return level
}

func (s *Store) UpsertDailySummary(ctx context.Context, summary domain.DailySummary) (*domain.DailySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey{summary.StoreID, summary.Date}
	if existing, ok := s.summaries[key]; ok && existing.SameFigures(summary) {
		return &existing, false, nil
	}
	if summary.GeneratedAt.IsZero() {
		summary.GeneratedAt = s.now()
	}
	s.summaries[key] = summary
	saved := summary
	return &saved, true, nil
}

func (s *Store) GetDailySummary(ctx context.Context, storeID string, date string) (*domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[dayKey{storeID, date}]
	if !ok {
		return nil, apperror.NotFound("no daily summary for %s on %s", storeID, date)
	}
	return &summary, nil
}

func (s *Store) NextOrderNumber(ctx context.Context, storeID string, businessDate string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey{storeID, businessDate}
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) ApplyCustomerSpend(ctx context.Context, dedupeKey string, customerID string, deltaCents int64, at time.Time) (bool, error) {
	if strings.TrimSpace(dedupeKey) == "" || strings.TrimSpace(customerID) == "" {
		return false, apperror.Validation("dedupe key and customer id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.appliedSpend[dedupeKey]; done {
		return false, nil
	}
	s.appliedSpend[dedupeKey] = struct{}{}

	spend := s.customerSpend[customerID]
	spend.CustomerID = customerID
	spend.TotalSpentCents += deltaCents
	if deltaCents > 0 {
		spend.OrderCount++
	} else if deltaCents < 0 && spend.OrderCount > 0 {
		spend.OrderCount--
	}
	spend.UpdatedAt = at
	s.customerSpend[customerID] = spend
	return true, nil
}

func (s *Store) GetCustomerSpend(ctx context.Context, customerID string) (*domain.CustomerSpend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spend, ok := s.customerSpend[customerID]
	if !ok {
		return nil, apperror.NotFound("customer %s has no spend record", customerID)
	}
	return &spend, nil
}

func (s *Store) InsertAccountingEntry(ctx context.Context, entry domain.AccountingEntry) (bool, error) {
	if strings.TrimSpace(entry.DedupeKey) == "" {
		return false, apperror.Validation("dedupe key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountingKeys[entry.DedupeKey]; exists {
		return false, nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.accountingKeys[entry.DedupeKey] = struct{}{}
	s.accounting = append(s.accounting, entry)
	return true, nil
}

func (s *Store) SumAccountingEntries(ctx context.Context, storeID string, kind string, from time.Time, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, entry := range s.accounting {
		if entry.StoreID == storeID && entry.Kind == kind && inWindow(entry.OccurredAt, from, to) {
			total += entry.AmountCents
		}
	}
	return total, nil
}

func (s *Store) ListAccountingEntries(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.AccountingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AccountingEntry, 0)
	for _, entry := range s.accounting {
		if entry.StoreID == storeID && inWindow(entry.OccurredAt, from, to) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) GetAccountingEntryByDedupeKey(ctx context.Context, dedupeKey string) (*domain.AccountingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.accounting {
		if entry.DedupeKey == dedupeKey {
			out := entry
			return &out, nil
		}
	}
	return nil, apperror.NotFound("accounting entry %s not found", dedupeKey)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.StoreID != storeID || !inWindow(entry.CreatedAt, from, to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// inWindow reports whether t falls in [from, to).
func inWindow(t time.Time, from time.Time, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func sortOrders(orders []domain.Order) {
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
