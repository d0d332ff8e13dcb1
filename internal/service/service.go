package service

import (
	"context"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"kasirinaja/settlement/internal/accounting"
	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

var tracer = otel.Tracer("kasirinaja/settlement/service")

type actorContextKey struct{}

// WithActor attributes audit entries written under ctx to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	return actor, ok && actor != ""
}

type Options struct {
	DefaultStoreID string
	Zones          *Zones
	// Sequencer overrides the repository's order-number counter.
	Sequencer          store.Sequencer
	SummaryCache       cache.SummaryCache
	SummaryCacheTTL    time.Duration
	ReservationTimeout time.Duration
	// Notify wakes the outbox dispatcher after events are written.
	Notify func()
	Now    func() time.Time
}

// Service wires the settlement components over one repository.
type Service struct {
	repo           store.Repository
	defaultStoreID string
	zones          *Zones
	now            func() time.Time

	Stock      *StockLedger
	Cash       *CashLedger
	Orders     *OrderEngine
	Summary    *SummaryProjector
	Accounting *accounting.Journal
}

func New(repo store.Repository, opts Options) *Service {
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Zones == nil {
		opts.Zones = UTCZones()
	}
	if opts.Sequencer == nil {
		opts.Sequencer = repo
	}
	if opts.SummaryCache == nil {
		opts.SummaryCache = cache.NoopSummaryCache{}
	}
	if opts.SummaryCacheTTL <= 0 {
		opts.SummaryCacheTTL = 5 * time.Minute
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 5 * time.Second
	}
	if opts.Notify == nil {
		opts.Notify = func() {}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		repo:           repo,
		defaultStoreID: opts.DefaultStoreID,
		zones:          opts.Zones,
		now:            opts.Now,
	}
	s.Accounting = accounting.NewJournal(repo)
	s.Accounting.SetClock(opts.Now)
	s.Stock = NewStockLedger(repo)
	s.Cash = &CashLedger{
		store:  repo,
		orders: repo,
		svc:    s,
	}
	s.Orders = &OrderEngine{
		catalog:            repo,
		orders:             repo,
		outbox:             repo,
		stock:              s.Stock,
		cash:               s.Cash,
		sequencer:          opts.Sequencer,
		notify:             opts.Notify,
		reservationTimeout: opts.ReservationTimeout,
		svc:                s,
	}
	s.Summary = &SummaryProjector{
		orders:    repo,
		cash:      repo,
		summaries: repo,
		purchases: s.Accounting,
		cache:     opts.SummaryCache,
		cacheTTL:  opts.SummaryCacheTTL,
		svc:       s,
	}
	return s
}

func (s *Service) DefaultStoreID() string {
	return s.defaultStoreID
}

func (s *Service) Zones() *Zones {
	return s.zones
}

func (s *Service) storeOrDefault(storeID string) string {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return s.defaultStoreID
	}
	return storeID
}

// dateOrToday defaults an empty date to the store-local today.
func (s *Service) dateOrToday(storeID string, date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return s.zones.BusinessDate(storeID, s.now())
	}
	return date
}

func (s *Service) ListOutboxEvents(ctx context.Context, status string, limit int) ([]domain.OutboxEvent, error) {
	status = strings.TrimSpace(status)
	switch domain.OutboxStatus(status) {
	case "", domain.OutboxStatusPending, domain.OutboxStatusLeased, domain.OutboxStatusSucceeded, domain.OutboxStatusDead:
	default:
		return nil, apperror.Validation("unknown outbox status %q", status)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListOutboxEvents(ctx, domain.OutboxStatus(status), limit)
}

func (s *Service) RequeueOutboxEvent(ctx context.Context, id string) (domain.OutboxEvent, error) {
	if strings.TrimSpace(id) == "" {
		return domain.OutboxEvent{}, apperror.Validation("event id is required")
	}
	event, err := s.repo.RequeueOutboxEvent(ctx, id, s.now())
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	s.Orders.notify()
	s.logAudit(ctx, s.defaultStoreID, "outbox_requeue", "outbox_event", id, event.EventType)
	return *event, nil
}

func (s *Service) CustomerSpend(ctx context.Context, customerID string) (domain.CustomerSpend, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.CustomerSpend{}, apperror.Validation("customer id is required")
	}
	spend, err := s.repo.GetCustomerSpend(ctx, customerID)
	if err != nil {
		return domain.CustomerSpend{}, err
	}
	return *spend, nil
}

func (s *Service) RecordPurchase(ctx context.Context, req domain.RecordPurchaseRequest) (domain.AccountingEntry, error) {
	req.StoreID = s.storeOrDefault(req.StoreID)
	entry, inserted, err := s.Accounting.RecordPurchase(ctx, req)
	if err != nil {
		return domain.AccountingEntry{}, err
	}
	if inserted {
		s.invalidateSummary(ctx, entry.StoreID, entry.OccurredAt)
		s.logAudit(ctx, entry.StoreID, "purchase_record", "accounting_entry", entry.ID, entry.Reference)
	}
	return entry, nil
}

// ListAccountingEntries returns the postings of one business day: sales,
// refunds and purchases, oldest first.
func (s *Service) ListAccountingEntries(ctx context.Context, storeID string, date string) ([]domain.AccountingEntry, error) {
	storeID = s.storeOrDefault(storeID)
	from, to, err := s.zones.DayWindow(storeID, s.dateOrToday(storeID, date))
	if err != nil {
		return nil, err
	}
	return s.Accounting.Entries(ctx, storeID, from, to)
}

// invalidateSummary drops the cached summary of the business day holding at.
// A cache failure only delays freshness until the entry expires.
func (s *Service) invalidateSummary(ctx context.Context, storeID string, at time.Time) {
	date := s.zones.BusinessDate(storeID, at)
	if err := s.Summary.cache.Invalidate(ctx, storeID, date); err != nil {
		log.Printf("[summary] WARN: invalidate cached summary %s/%s: %v", storeID, date, err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	storeID = s.storeOrDefault(storeID)
	if limit < 1 {
		limit = 100
	}
	from, to, err := s.zones.DayWindow(storeID, s.dateOrToday(storeID, date))
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = "system"
	}

	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:         xid.New("audit"),
		StoreID:    storeID,
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
