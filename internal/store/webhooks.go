package store

import (
	"context"
	"fmt"

	"reconciliation-service/internal/models"
)

// InsertWebhookLog appends an audit row for one delivery
func (s *Store) InsertWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (event, raw_body, headers, received_signature, computed_signature,
			is_signature_valid, status, razorpay_order_id, razorpay_payment_id, razorpay_refund_id,
			error_message, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	return s.get(ctx, l, query,
		l.Event, l.RawBody, metadataText(l.Headers), l.ReceivedSignature, l.ComputedSignature,
		l.IsSignatureValid, l.Status, l.RazorpayOrderID, l.RazorpayPaymentID, l.RazorpayRefundID,
		l.ErrorMessage, l.ProcessingTimeMs)
}

// FindProcessedWebhookLog returns the earliest processed delivery for the
// payment/event pair (and refund id, when the event carries one).
func (s *Store) FindProcessedWebhookLog(ctx context.Context, razorpayPaymentID, event, razorpayRefundID string) (*models.WebhookLog, error) {
	var l models.WebhookLog
	err := s.get(ctx, &l, `
		SELECT * FROM webhook_logs
		WHERE razorpay_payment_id = $1 AND event = $2 AND razorpay_refund_id = $3 AND status = $4
		ORDER BY id LIMIT 1`,
		razorpayPaymentID, event, razorpayRefundID, models.WebhookLogStatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("processed webhook %s/%s: %w", razorpayPaymentID, event, err)
	}
	return &l, nil
}

// ListWebhookLogsByPayment retrieves every delivery recorded for a payment
func (s *Store) ListWebhookLogsByPayment(ctx context.Context, razorpayPaymentID string) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	err := s.sel(ctx, &logs,
		"SELECT * FROM webhook_logs WHERE razorpay_payment_id = $1 ORDER BY id", razorpayPaymentID)
	return logs, err
}
