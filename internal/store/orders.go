package store

import (
	"context"
	"fmt"
	"time"

	"reconciliation-service/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (razorpay_order_id, customer_id, amount, paid_amount, due_amount,
			refunded_amount, currency, status, payment_id, signature, receipt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	return s.get(ctx, order, query,
		order.RazorpayOrderID, order.CustomerID, order.Amount, order.PaidAmount, order.DueAmount,
		order.RefundedAmount, order.Currency, order.Status, order.PaymentID, order.Signature, order.Receipt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := s.get(ctx, &order, "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	return &order, nil
}

// GetOrderByRazorpayOrderID retrieves an order by its gateway correlation key
func (s *Store) GetOrderByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (*models.Order, error) {
	var order models.Order
	if err := s.get(ctx, &order, "SELECT * FROM orders WHERE razorpay_order_id = $1", razorpayOrderID); err != nil {
		return nil, fmt.Errorf("order %s: %w", razorpayOrderID, err)
	}
	return &order, nil
}

// LockOrder reads an order with a row lock (FOR UPDATE)
func (s *Store) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := s.get(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	return &order, nil
}

// UpdateOrder persists the mutable order columns
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET paid_amount = $1, due_amount = $2, refunded_amount = $3, status = $4,
			payment_id = $5, signature = $6, updated_at = NOW()
		WHERE id = $7`

	return expectOne(s.exec(ctx, query,
		order.PaidAmount, order.DueAmount, order.RefundedAmount, order.Status,
		order.PaymentID, order.Signature, order.ID))
}

// ListOrdersByStatusBefore lists orders in a status created before a cutoff, oldest first
func (s *Store) ListOrdersByStatusBefore(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.sel(ctx, &orders,
		"SELECT * FROM orders WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3",
		status, before, limit)
	return orders, err
}

// CreateOrderRecord creates a new order line
func (s *Store) CreateOrderRecord(ctx context.Context, rec *models.OrderRecord) error {
	query := `
		INSERT INTO order_records (order_id, product_variant_id, product_id, quantity, price, total)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return s.get(ctx, &rec.ID, query,
		rec.OrderID, rec.ProductVariantID, rec.ProductID, rec.Quantity, rec.Price, rec.Total)
}

// GetOrderRecords retrieves all lines for an order
func (s *Store) GetOrderRecords(ctx context.Context, orderID int64) ([]models.OrderRecord, error) {
	var records []models.OrderRecord
	err := s.sel(ctx, &records,
		"SELECT * FROM order_records WHERE order_id = $1 ORDER BY id", orderID)
	return records, err
}

// InsertStatusHistory appends a transition row
func (s *Store) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_history (order_id, from_status, to_status, event, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.get(ctx, h, query, h.OrderID, h.FromStatus, h.ToStatus, h.Event, h.Reason)
}

// GetStatusHistory retrieves transitions for an order, oldest first
func (s *Store) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var history []models.OrderStatusHistory
	err := s.sel(ctx, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY id", orderID)
	return history, err
}
