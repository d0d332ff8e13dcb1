package domain

type OrderItemRequest struct {
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	DiscountCents int64  `json:"discount_cents"`
}

type CreateOrderRequest struct {
	StoreID        string             `json:"store_id"`
	CounterID      string             `json:"counter_id"`
	CustomerID     string             `json:"customer_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Mode           CreateMode         `json:"mode"`
	Items          []OrderItemRequest `json:"items"`
	Payments       []Payment          `json:"payments"`
	Note           string             `json:"note"`
}

// OrderResponse wraps an order with non-fatal conditions the caller should
// surface, such as a sale that could not be tied to an open cash session.
type OrderResponse struct {
	Order     Order    `json:"order"`
	Duplicate bool     `json:"duplicate"`
	Warnings  []string `json:"warnings,omitempty"`
}

type AddPaymentRequest struct {
	Payment Payment `json:"payment"`
}

type CompleteOrderRequest struct {
	Payments []Payment `json:"payments"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type RefundOrderRequest struct {
	Reason string `json:"reason"`
}

type OpenSessionRequest struct {
	StoreID             string `json:"store_id"`
	CounterID           string `json:"counter_id"`
	OpeningBalanceCents int64  `json:"opening_balance_cents"`
	Note                string `json:"note"`
}

type AddCashTransactionRequest struct {
	Type        CashTxType `json:"type"`
	AmountCents int64      `json:"amount_cents"`
	Reference   string     `json:"reference"`
	Note        string     `json:"note"`
}

type CloseSessionRequest struct {
	ClosingBalanceCents int64  `json:"closing_balance_cents"`
	Note                string `json:"note"`
}

type SessionNoteRequest struct {
	Note string `json:"note"`
}

type SaveSummaryRequest struct {
	StoreID string `json:"store_id"`
	Date    string `json:"date"`
}

type RecordPurchaseRequest struct {
	StoreID     string `json:"store_id"`
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amount_cents"`
	TaxCents    int64  `json:"tax_cents"`
	// OccurredAt is RFC3339; empty means now.
	OccurredAt string `json:"occurred_at"`
}
