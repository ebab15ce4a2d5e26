package store

import (
	"context"
	"fmt"

	"reconciliation-service/internal/models"
)

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (razorpay_payment_id, razorpay_order_id, order_id, customer_id, amount,
			amount_paise, currency, status, signature, is_amount_valid, is_processed, processed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	return s.get(ctx, p, query,
		p.RazorpayPaymentID, p.RazorpayOrderID, p.OrderID, p.CustomerID, p.Amount,
		p.AmountPaise, p.Currency, p.Status, p.Signature, p.IsAmountValid, p.IsProcessed,
		p.ProcessedAt, metadataText(p.Metadata))
}

// UpdatePayment persists the mutable payment columns
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		UPDATE payments SET amount = $1, amount_paise = $2, currency = $3, status = $4, signature = $5,
			is_amount_valid = $6, is_processed = $7, processed_at = $8, metadata = $9, updated_at = NOW()
		WHERE id = $10`

	return expectOne(s.exec(ctx, query,
		p.Amount, p.AmountPaise, p.Currency, p.Status, p.Signature,
		p.IsAmountValid, p.IsProcessed, p.ProcessedAt, metadataText(p.Metadata), p.ID))
}

// GetPaymentByRazorpayID retrieves a payment by its idempotency key
func (s *Store) GetPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error) {
	var p models.Payment
	if err := s.get(ctx, &p, "SELECT * FROM payments WHERE razorpay_payment_id = $1", razorpayPaymentID); err != nil {
		return nil, fmt.Errorf("payment %s: %w", razorpayPaymentID, err)
	}
	return &p, nil
}

// LockPaymentByRazorpayID reads a payment with a row lock (FOR UPDATE)
func (s *Store) LockPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error) {
	var p models.Payment
	if err := s.get(ctx, &p, "SELECT * FROM payments WHERE razorpay_payment_id = $1 FOR UPDATE", razorpayPaymentID); err != nil {
		return nil, fmt.Errorf("payment %s: %w", razorpayPaymentID, err)
	}
	return &p, nil
}

// ListPaymentsByOrder retrieves all payment attempts for an order
func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.sel(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at", orderID)
	return payments, err
}

// CreateRefund records a processed refund
func (s *Store) CreateRefund(ctx context.Context, r *models.Refund) error {
	query := `
		INSERT INTO refunds (razorpay_refund_id, razorpay_payment_id, order_id, amount_paise)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return s.get(ctx, r, query, r.RazorpayRefundID, r.RazorpayPaymentID, r.OrderID, r.AmountPaise)
}

// GetRefundByRazorpayID retrieves a refund by gateway refund id
func (s *Store) GetRefundByRazorpayID(ctx context.Context, razorpayRefundID string) (*models.Refund, error) {
	var r models.Refund
	if err := s.get(ctx, &r, "SELECT * FROM refunds WHERE razorpay_refund_id = $1", razorpayRefundID); err != nil {
		return nil, fmt.Errorf("refund %s: %w", razorpayRefundID, err)
	}
	return &r, nil
}

func metadataText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
