package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusPartial  PaymentStatus = "PARTIAL"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodQRIS     PaymentMethod = "qris"
	PaymentMethodEwallet  PaymentMethod = "ewallet"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodQRIS, PaymentMethodEwallet, PaymentMethodTransfer:
		return true
	default:
		return false
	}
}

type CreateMode string

const (
	CreateModePending   CreateMode = "pending"
	CreateModeImmediate CreateMode = "immediate"
)

type CashSessionStatus string

const (
	CashSessionOpen   CashSessionStatus = "OPEN"
	CashSessionClosed CashSessionStatus = "CLOSED"
)

type CashTxType string

const (
	CashTxSale    CashTxType = "SALE"
	CashTxRefund  CashTxType = "REFUND"
	CashTxCashIn  CashTxType = "CASH_IN"
	CashTxCashOut CashTxType = "CASH_OUT"
)

func (t CashTxType) Valid() bool {
	switch t {
	case CashTxSale, CashTxRefund, CashTxCashIn, CashTxCashOut:
		return true
	default:
		return false
	}
}

// Sign is +1 for entries that add cash to the drawer and -1 for entries that
// take it out.
func (t CashTxType) Sign() int64 {
	switch t {
	case CashTxRefund, CashTxCashOut:
		return -1
	default:
		return 1
	}
}

// BusinessDateLayout is the store-local calendar date format.
const BusinessDateLayout = "2006-01-02"

type Product struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	TaxRate    string `json:"tax_rate"`
	Active     bool   `json:"active"`
}

type StockLevel struct {
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	OnHand    int       `json:"on_hand"`
	Committed int       `json:"committed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sellable is what a new reservation may still claim.
func (s StockLevel) Sellable() int {
	return s.OnHand - s.Committed
}

// StockMutation reports the outcome of one counter operation. Applied is less
// than Requested when the operation was floored at zero.
type StockMutation struct {
	Level     StockLevel `json:"level"`
	Requested int        `json:"requested"`
	Applied   int        `json:"applied"`
	Clamped   bool       `json:"clamped"`
}

// Stock counter operations.
const (
	StockOpReserve = "reserve"
	StockOpRelease = "release"
	StockOpFulfill = "fulfill"
	StockOpRestore = "restore"
)

// IsStockMove reports whether op is one StockLevel.Move understands.
func IsStockMove(op string) bool {
	switch op {
	case StockOpRelease, StockOpFulfill, StockOpRestore:
		return true
	}
	return false
}

// Move applies release, fulfill or restore to the counters in place. Release
// and fulfill floor at zero and report the floor as Clamped. Reserve is not a
// move: it fails instead of flooring. ok is false for any other op.
func (s *StockLevel) Move(op string, qty int) (mutation StockMutation, ok bool) {
	applied, clamped := 0, false
	switch op {
	case StockOpRelease:
		applied = min(qty, s.Committed)
		s.Committed -= applied
		clamped = applied < qty
	case StockOpFulfill:
		fromCommitted := min(qty, s.Committed)
		fromOnHand := min(qty, s.OnHand)
		s.Committed -= fromCommitted
		s.OnHand -= fromOnHand
		applied = fromOnHand
		clamped = fromCommitted < qty || fromOnHand < qty
	case StockOpRestore:
		s.OnHand += qty
		applied = qty
	default:
		return StockMutation{}, false
	}
	return StockMutation{Level: *s, Requested: qty, Applied: applied, Clamped: clamped}, true
}

type OrderLine struct {
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	TaxRate        string `json:"tax_rate"`
	TaxCents       int64  `json:"tax_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Payment struct {
	Method      PaymentMethod `json:"method"`
	AmountCents int64         `json:"amount_cents"`
	Reference   string        `json:"reference,omitempty"`
}

type Order struct {
	ID             string        `json:"id"`
	Number         string        `json:"number"`
	StoreID        string        `json:"store_id"`
	CounterID      string        `json:"counter_id"`
	CustomerID     string        `json:"customer_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	BusinessDate   string        `json:"business_date"`
	Status         OrderStatus   `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	Items          []OrderLine   `json:"items"`
	Payments       []Payment     `json:"payments"`
	SubtotalCents  int64         `json:"subtotal_cents"`
	DiscountCents  int64         `json:"discount_cents"`
	TaxCents       int64         `json:"tax_cents"`
	TotalCents     int64         `json:"total_cents"`
	PaidCents      int64         `json:"paid_cents"`
	CashPaidCents  int64         `json:"cash_paid_cents"`
	ChangeCents    int64         `json:"change_cents"`
	Note           string        `json:"note,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time    `json:"refunded_at,omitempty"`
}

// OrderTransition describes a compare-and-set status change. Only the caller
// whose From still matches the stored status wins.
type OrderTransition struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
	At      time.Time
	// Apply mutates the loaded order before it is written back. An error
	// aborts the transition without writing anything.
	Apply  func(order *Order) error
	Events []OutboxEvent
	// StockOp, when set, is moved for every line of the order in the same
	// atomic write as the status change.
	StockOp string
	// Observe receives each stock mutation once the transition is durable.
	Observe func(StockMutation)
}

type CashSession struct {
	ID                   string            `json:"id"`
	StoreID              string            `json:"store_id"`
	CounterID            string            `json:"counter_id"`
	BusinessDate         string            `json:"business_date"`
	Status               CashSessionStatus `json:"status"`
	OpeningBalanceCents  int64             `json:"opening_balance_cents"`
	ExpectedBalanceCents int64             `json:"expected_balance_cents"`
	ClosingBalanceCents  *int64            `json:"closing_balance_cents,omitempty"`
	DifferenceCents      *int64            `json:"difference_cents,omitempty"`
	OpenedBy             string            `json:"opened_by,omitempty"`
	ClosedBy             string            `json:"closed_by,omitempty"`
	Note                 string            `json:"note,omitempty"`
	OpenedAt             time.Time         `json:"opened_at"`
	ClosedAt             *time.Time        `json:"closed_at,omitempty"`
}

type CashTransaction struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	StoreID     string     `json:"store_id"`
	CounterID   string     `json:"counter_id"`
	Type        CashTxType `json:"type"`
	AmountCents int64      `json:"amount_cents"`
	Reference   string     `json:"reference,omitempty"`
	OrderID     string     `json:"order_id,omitempty"`
	Note        string     `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type DailySummary struct {
	StoreID           string    `json:"store_id"`
	Date              string    `json:"date"`
	Timezone          string    `json:"timezone"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	SalesCents        int64     `json:"sales_cents"`
	OrderCount        int       `json:"order_count"`
	RefundCents       int64     `json:"refund_cents"`
	RefundCount       int       `json:"refund_count"`
	CashSalesCents    int64     `json:"cash_sales_cents"`
	NonCashSalesCents int64     `json:"non_cash_sales_cents"`
	ExpenseCents      int64     `json:"expense_cents"`
	PurchaseCents     int64     `json:"purchase_cents"`
	NetProfitCents    int64     `json:"net_profit_cents"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// SameFigures reports whether two snapshots carry identical aggregates,
// ignoring GeneratedAt.
func (s DailySummary) SameFigures(other DailySummary) bool {
	s.GeneratedAt = time.Time{}
	other.GeneratedAt = time.Time{}
	return s.StoreID == other.StoreID &&
		s.Date == other.Date &&
		s.Timezone == other.Timezone &&
		s.WindowStart.Equal(other.WindowStart) &&
		s.WindowEnd.Equal(other.WindowEnd) &&
		s.SalesCents == other.SalesCents &&
		s.OrderCount == other.OrderCount &&
		s.RefundCents == other.RefundCents &&
		s.RefundCount == other.RefundCount &&
		s.CashSalesCents == other.CashSalesCents &&
		s.NonCashSalesCents == other.NonCashSalesCents &&
		s.ExpenseCents == other.ExpenseCents &&
		s.PurchaseCents == other.PurchaseCents &&
		s.NetProfitCents == other.NetProfitCents
}

// SalesAggregate is the order-side input of a daily summary.
type SalesAggregate struct {
	SalesCents        int64 `json:"sales_cents"`
	OrderCount        int   `json:"order_count"`
	RefundCents       int64 `json:"refund_cents"`
	RefundCount       int   `json:"refund_count"`
	CashSalesCents    int64 `json:"cash_sales_cents"`
	NonCashSalesCents int64 `json:"non_cash_sales_cents"`
}

type OrderStats struct {
	StoreID          string              `json:"store_id"`
	Date             string              `json:"date"`
	ByStatus         map[OrderStatus]int `json:"by_status"`
	RevenueCents     int64               `json:"revenue_cents"`
	CompletedOrders  int                 `json:"completed_orders"`
	AverageTicket    int64               `json:"average_ticket_cents"`
	ItemsSold        int                 `json:"items_sold"`
	OutstandingCents int64               `json:"outstanding_cents"`
}

type TopSellingItem struct {
	ProductID    string `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	RevenueCents int64  `json:"revenue_cents"`
}

type CashSessionSummary struct {
	Session              CashSession          `json:"session"`
	TotalsByType         map[CashTxType]int64 `json:"totals_by_type"`
	TransactionCount     int                  `json:"transaction_count"`
	RebuiltExpectedCents int64                `json:"rebuilt_expected_cents"`
	DriftCents           int64                `json:"drift_cents"`
}

// ReplayExpected recomputes a session's expected balance from its
// transaction log.
func ReplayExpected(openingCents int64, txs []CashTransaction) int64 {
	expected := openingCents
	for _, tx := range txs {
		expected += tx.Type.Sign() * tx.AmountCents
	}
	return expected
}

type RebuildResult struct {
	SessionID     string `json:"session_id"`
	StoredCents   int64  `json:"stored_cents"`
	RebuiltCents  int64  `json:"rebuilt_cents"`
	DriftCents    int64  `json:"drift_cents"`
	Repaired      bool   `json:"repaired"`
	SessionStatus string `json:"session_status"`
}

type UnreconciledSale struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	CounterID     string    `json:"counter_id"`
	CashPaidCents int64     `json:"cash_paid_cents"`
	CompletedAt   time.Time `json:"completed_at"`
}

type ReconciliationReport struct {
	StoreID           string             `json:"store_id"`
	Date              string             `json:"date"`
	Sessions          []RebuildResult    `json:"sessions"`
	UnreconciledSales []UnreconciledSale `json:"unreconciled_sales"`
	UnreconciledCents int64              `json:"unreconciled_cents"`
}

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusLeased    OutboxStatus = "leased"
	OutboxStatusSucceeded OutboxStatus = "succeeded"
	OutboxStatusDead      OutboxStatus = "dead"
)

const (
	EventCashRecord     = "cash.record"
	EventAccountingPost = "accounting.post"
	EventCustomerSpend  = "customer.spend"
	EventStockAdjust    = "stock.adjust"
)

type OutboxEvent struct {
	ID             string       `json:"id"`
	EventType      string       `json:"event_type"`
	PayloadJSON    []byte       `json:"payload_json"`
	DedupeKey      string       `json:"dedupe_key"`
	Status         OutboxStatus `json:"status"`
	AttemptCount   int          `json:"attempt_count"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type DeliveryAttempt struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Consumer     string    `json:"consumer"`
	Outcome      string    `json:"outcome"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type CashRecordPayload struct {
	SessionID   string     `json:"session_id"`
	StoreID     string     `json:"store_id"`
	CounterID   string     `json:"counter_id"`
	OrderID     string     `json:"order_id"`
	Type        CashTxType `json:"type"`
	AmountCents int64      `json:"amount_cents"`
}

type AccountingPostPayload struct {
	OrderID      string    `json:"order_id"`
	OrderNumber  string    `json:"order_number"`
	StoreID      string    `json:"store_id"`
	Kind         string    `json:"kind"`
	AmountCents  int64     `json:"amount_cents"`
	TaxCents     int64     `json:"tax_cents"`
	BusinessDate string    `json:"business_date"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type CustomerSpendPayload struct {
	CustomerID string `json:"customer_id"`
	OrderID    string `json:"order_id"`
	DeltaCents int64  `json:"delta_cents"`
}

type StockAdjustPayload struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Operation string `json:"operation"`
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
}

const (
	PostingKindSale     = "sale"
	PostingKindRefund   = "refund"
	PostingKindPurchase = "purchase"
)

type AccountingEntry struct {
	ID          string    `json:"id"`
	DedupeKey   string    `json:"dedupe_key"`
	StoreID     string    `json:"store_id"`
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	TaxCents    int64     `json:"tax_cents"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}

type CustomerSpend struct {
	CustomerID      string    `json:"customer_id"`
	TotalSpentCents int64     `json:"total_spent_cents"`
	OrderCount      int       `json:"order_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
