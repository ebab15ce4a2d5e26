package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ProductVariant is a sellable SKU. Stock only changes through StockTransaction rows.
type ProductVariant struct {
	ID               int64           `db:"id" json:"id"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	UnitValueID      int64           `db:"unit_value_id" json:"unit_value_id"`
	Price            decimal.Decimal `db:"price" json:"price"`
	Stock            int             `db:"stock" json:"stock"`
	SKU              string          `db:"sku" json:"sku"`
	IsDefaultVariant bool            `db:"is_default_variant" json:"is_default_variant"`
	IsActive         bool            `db:"is_active" json:"is_active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a checkout submission correlated with a gateway order.
type Order struct {
	ID              int64           `db:"id" json:"id"`
	RazorpayOrderID string          `db:"razorpay_order_id" json:"razorpay_order_id"`
	CustomerID      int64           `db:"customer_id" json:"customer_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	PaidAmount      decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	DueAmount       decimal.Decimal `db:"due_amount" json:"due_amount"`
	RefundedAmount  decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentID       string          `db:"payment_id" json:"payment_id,omitempty"`
	Signature       string          `db:"signature" json:"-"`
	Receipt         string          `db:"receipt" json:"receipt"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// AmountPaise converts the order amount into the gateway's minor unit.
func (o *Order) AmountPaise() int64 {
	return ToPaise(o.Amount)
}

// OrderRecord is an immutable order line.
type OrderRecord struct {
	ID               int64           `db:"id" json:"id"`
	OrderID          int64           `db:"order_id" json:"order_id"`
	ProductVariantID int64           `db:"product_variant_id" json:"product_variant_id"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	Quantity         int             `db:"quantity" json:"quantity"`
	Price            decimal.Decimal `db:"price" json:"price"`
	Total            decimal.Decimal `db:"total" json:"total"`
}

// Payment is one gateway payment attempt, unique per razorpay_payment_id.
type Payment struct {
	ID                int64           `db:"id" json:"id"`
	RazorpayPaymentID string          `db:"razorpay_payment_id" json:"razorpay_payment_id"`
	RazorpayOrderID   string          `db:"razorpay_order_id" json:"razorpay_order_id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	CustomerID        int64           `db:"customer_id" json:"customer_id"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	AmountPaise       int64           `db:"amount_paise" json:"amount_paise"`
	Currency          string          `db:"currency" json:"currency"`
	Status            PaymentStatus   `db:"status" json:"status"`
	Signature         string          `db:"signature" json:"-"`
	IsAmountValid     bool            `db:"is_amount_valid" json:"is_amount_valid"`
	IsProcessed       bool            `db:"is_processed" json:"is_processed"`
	ProcessedAt       *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	Metadata          json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Refund records a processed gateway refund so redelivery cannot apply it twice.
type Refund struct {
	ID                int64     `db:"id" json:"id"`
	RazorpayRefundID  string    `db:"razorpay_refund_id" json:"razorpay_refund_id"`
	RazorpayPaymentID string    `db:"razorpay_payment_id" json:"razorpay_payment_id"`
	OrderID           int64     `db:"order_id" json:"order_id"`
	AmountPaise       int64     `db:"amount_paise" json:"amount_paise"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// StockTransaction is one append-only ledger row.
type StockTransaction struct {
	ID                      int64                `db:"id" json:"id"`
	OrderID                 int64                `db:"order_id" json:"order_id"`
	ProductVariantID        int64                `db:"product_variant_id" json:"product_variant_id"`
	Quantity                int                  `db:"quantity" json:"quantity"`
	PreviousStock           int                  `db:"previous_stock" json:"previous_stock"`
	NewStock                int                  `db:"new_stock" json:"new_stock"`
	TransactionType         StockTransactionType `db:"transaction_type" json:"transaction_type"`
	OrderStatus             OrderStatus          `db:"order_status" json:"order_status"`
	IsReversed              bool                 `db:"is_reversed" json:"is_reversed"`
	ReversedByTransactionID *int64               `db:"reversed_by_transaction_id" json:"reversed_by_transaction_id,omitempty"`
	CreatedAt               time.Time            `db:"created_at" json:"created_at"`
}

// WebhookLog is the audit row written for every inbound webhook delivery.
type WebhookLog struct {
	ID                int64            `db:"id" json:"id"`
	Event             string           `db:"event" json:"event"`
	RawBody           []byte           `db:"raw_body" json:"raw_body"`
	Headers           json.RawMessage  `db:"headers" json:"headers"`
	ReceivedSignature string           `db:"received_signature" json:"received_signature"`
	ComputedSignature string           `db:"computed_signature" json:"computed_signature"`
	IsSignatureValid  bool             `db:"is_signature_valid" json:"is_signature_valid"`
	Status            WebhookLogStatus `db:"status" json:"status"`
	RazorpayOrderID   string           `db:"razorpay_order_id" json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID string           `db:"razorpay_payment_id" json:"razorpay_payment_id,omitempty"`
	RazorpayRefundID  string           `db:"razorpay_refund_id" json:"razorpay_refund_id,omitempty"`
	ErrorMessage      string           `db:"error_message" json:"error_message,omitempty"`
	ProcessingTimeMs  int64            `db:"processing_time_ms" json:"processing_time_ms"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}

// OrderStatusHistory is one row per state machine transition.
type OrderStatusHistory struct {
	ID         int64       `db:"id" json:"id"`
	OrderID    int64       `db:"order_id" json:"order_id"`
	FromStatus OrderStatus `db:"from_status" json:"from_status"`
	ToStatus   OrderStatus `db:"to_status" json:"to_status"`
	Event      string      `db:"event" json:"event"`
	Reason     string      `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

var hundred = decimal.NewFromInt(100)

// ToPaise converts a rupee amount into paise, rounding half away from zero.
func ToPaise(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromPaise converts paise into a rupee amount.
func FromPaise(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}
