package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent published after a reconciliation commits a transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID         int64       `json:"order_id"`
	RazorpayOrderID string      `json:"razorpay_order_id"`
	CustomerID      int64       `json:"customer_id"`
	FromStatus      OrderStatus `json:"from_status"`
	ToStatus        OrderStatus `json:"to_status"`
	Reason          string      `json:"reason,omitempty"`
}
