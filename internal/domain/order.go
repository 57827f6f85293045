package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
)

type Order struct {
	ID                    int64       `db:"id" json:"id"`
	UserID                int64       `db:"user_id" json:"user_id"`
	Status                OrderStatus `db:"status" json:"status"`
	IdempotencyKey        string      `db:"idempotency_key" json:"idempotency_key"`
	StripePaymentIntentID *string     `db:"stripe_payment_intent_id" json:"stripe_payment_intent_id,omitempty"`
	TotalAmount           string      `db:"total_amount" json:"total_amount"`
	Currency              string      `db:"currency" json:"currency"`
	Items                 []OrderItem `db:"items" json:"items"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	Quantity  int64  `db:"quantity" json:"quantity"`
	UnitPrice string `db:"unit_price" json:"unit_price"`
}

type Product struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Price string `db:"price"`
	Stock int64  `db:"stock"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PaymentWebhookEvent is the durable idempotency ledger for provider
// webhooks. A row per (provider, event_id); inserting a duplicate hits
// the unique index, which is the replay signal. Rows are never updated
// or deleted.
type PaymentWebhookEvent struct {
	ID       int64  `db:"id"`
	Provider string `db:"provider"`
	EventID  string `db:"event_id"`
	OrderID  *int64 `db:"order_id"`
	Payload  []byte `db:"payload"`

	CreatedAt time.Time `db:"created_at"`
}

type OrderPaidEvent struct {
	OrderID         int64     `json:"order_id"`
	UserID          int64     `json:"user_id"`
	TotalAmount     string    `json:"total_amount"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	Provider        string    `json:"provider"`
	PaidAt          time.Time `json:"paid_at"`
}
