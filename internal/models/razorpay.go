package models

// Razorpay webhook event names handled by the processor.
const (
	RazorpayEventPaymentAuthorized = "payment.authorized"
	RazorpayEventPaymentCaptured   = "payment.captured"
	RazorpayEventPaymentFailed     = "payment.failed"
	RazorpayEventOrderPaid         = "order.paid"
	RazorpayEventRefundCreated     = "refund.created"
	RazorpayEventRefundProcessed   = "refund.processed"
)

// RazorpayWebhook is the envelope of every webhook delivery.
type RazorpayWebhook struct {
	Entity    string          `json:"entity"`
	AccountID string          `json:"account_id"`
	Event     string          `json:"event"`
	Contains  []string        `json:"contains"`
	Payload   RazorpayPayload `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

type RazorpayPayload struct {
	Payment *RazorpayPaymentWrapper `json:"payment,omitempty"`
	Refund  *RazorpayRefundWrapper  `json:"refund,omitempty"`
	Order   *RazorpayOrderWrapper   `json:"order,omitempty"`
}

type RazorpayPaymentWrapper struct {
	Entity RazorpayPaymentEntity `json:"entity"`
}

type RazorpayRefundWrapper struct {
	Entity RazorpayRefundEntity `json:"entity"`
}

type RazorpayOrderWrapper struct {
	Entity RazorpayOrderEntity `json:"entity"`
}

type RazorpayPaymentEntity struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	OrderID          string            `json:"order_id"`
	Method           string            `json:"method"`
	Captured         bool              `json:"captured"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorDescription string            `json:"error_description,omitempty"`
	Notes            map[string]string `json:"notes,omitempty"`
}

type RazorpayRefundEntity struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	PaymentID string            `json:"payment_id"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes,omitempty"`
}

type RazorpayOrderEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
}

// PaymentID returns the payment id carried by the payload, if any.
func (w *RazorpayWebhook) PaymentID() string {
	if w.Payload.Payment != nil && w.Payload.Payment.Entity.ID != "" {
		return w.Payload.Payment.Entity.ID
	}
	if w.Payload.Refund != nil {
		return w.Payload.Refund.Entity.PaymentID
	}
	return ""
}

// OrderID returns the gateway order id carried by the payload, if any.
func (w *RazorpayWebhook) OrderID() string {
	if w.Payload.Payment != nil && w.Payload.Payment.Entity.OrderID != "" {
		return w.Payload.Payment.Entity.OrderID
	}
	if w.Payload.Order != nil {
		return w.Payload.Order.Entity.ID
	}
	return ""
}

// RefundID returns the refund id carried by the payload, if any.
func (w *RazorpayWebhook) RefundID() string {
	if w.Payload.Refund != nil {
		return w.Payload.Refund.Entity.ID
	}
	return ""
}

// VerifyPaymentRequest is the client-side checkout callback body.
type VerifyPaymentRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id" binding:"required"`
	RazorpayPaymentID string `json:"razorpay_payment_id" binding:"required"`
	RazorpaySignature string `json:"razorpay_signature" binding:"required"`
}
