package models

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	OrderStatusCreated           OrderStatus = "created"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusFailed            OrderStatus = "failed"
	OrderStatusFlagged           OrderStatus = "flagged"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
)

// IsTerminal reports whether no further transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFailed || s == OrderStatusRefunded
}

// PaymentStatus mirrors the gateway payment states we persist.
type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "created"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCaptured   PaymentStatus = "captured"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// WebhookLogStatus is the terminal outcome of a webhook delivery.
type WebhookLogStatus string

const (
	WebhookLogStatusReceived  WebhookLogStatus = "received"
	WebhookLogStatusProcessed WebhookLogStatus = "processed"
	WebhookLogStatusIgnored   WebhookLogStatus = "ignored"
	WebhookLogStatusInvalid   WebhookLogStatus = "invalid"
	WebhookLogStatusError     WebhookLogStatus = "error"
)

// StockTransactionType classifies a ledger row.
type StockTransactionType string

const (
	StockTransactionReduce  StockTransactionType = "reduce"
	StockTransactionRestore StockTransactionType = "restore"
	StockTransactionReserve StockTransactionType = "reserve"
	StockTransactionRelease StockTransactionType = "release"
)

// Inverse returns the type used when reversing a row of this type.
func (t StockTransactionType) Inverse() StockTransactionType {
	switch t {
	case StockTransactionReduce:
		return StockTransactionRestore
	case StockTransactionRestore:
		return StockTransactionReduce
	case StockTransactionReserve:
		return StockTransactionRelease
	case StockTransactionRelease:
		return StockTransactionReserve
	}
	return t
}

// Decrements reports whether rows of this type must carry a negative delta.
func (t StockTransactionType) Decrements() bool {
	return t == StockTransactionReduce || t == StockTransactionReserve
}

// Valid reports whether t is one of the known ledger types.
func (t StockTransactionType) Valid() bool {
	switch t {
	case StockTransactionReduce, StockTransactionRestore, StockTransactionReserve, StockTransactionRelease:
		return true
	}
	return false
}
