package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"go.uber.org/zap"
)

// Signature headers, in lookup order.
const (
	HeaderRazorpaySignature = "X-Razorpay-Signature"
	HeaderSignatureFallback = "X-Signature"
)

const logWriteTimeout = 5 * time.Second

var handledEvents = map[string]PaymentEventKind{
	models.RazorpayEventPaymentCaptured: PaymentEventCaptured,
	models.RazorpayEventOrderPaid:       PaymentEventCaptured,
	models.RazorpayEventPaymentFailed:   PaymentEventFailed,
	models.RazorpayEventRefundCreated:   PaymentEventRefunded,
	models.RazorpayEventRefundProcessed: PaymentEventRefunded,
}

// WebhookProcessor turns gateway deliveries into reconciliations. Every
// delivery ends in exactly one webhook_logs row.
type WebhookProcessor struct {
	repo        store.Repository
	coordinator *Coordinator
	verifier    *PaymentVerifier
	timeout     time.Duration
	logger      *zap.Logger
}

// NewWebhookProcessor creates a new webhook processor. timeout bounds the
// reconciliation triggered by one delivery.
func NewWebhookProcessor(repo store.Repository, coordinator *Coordinator, verifier *PaymentVerifier, timeout time.Duration) *WebhookProcessor {
	return &WebhookProcessor{
		repo:        repo,
		coordinator: coordinator,
		verifier:    verifier,
		timeout:     timeout,
		logger:      util.GetLogger(),
	}
}

// Handle processes one delivery and writes its terminal audit row. The error
// is non-nil only when that row could not be written.
func (p *WebhookProcessor) Handle(ctx context.Context, rawBody []byte, headers http.Header) (*models.WebhookLog, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Handle")
	defer span.End()

	start := time.Now()
	entry := &models.WebhookLog{
		RawBody:           append([]byte(nil), rawBody...),
		Headers:           headersJSON(headers),
		ReceivedSignature: signatureFrom(headers),
		Status:            models.WebhookLogStatusReceived,
	}

	p.process(ctx, rawBody, entry)
	sanitizeLogText(entry)

	elapsed := time.Since(start)
	entry.ProcessingTimeMs = elapsed.Milliseconds()

	// the audit row must land even when the caller has gone away
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := p.repo.InsertWebhookLog(writeCtx, entry); err != nil {
		util.RecordError(span, err)
		p.logger.Error("Failed to write webhook log",
			zap.String("event", entry.Event),
			zap.String("payment_id", entry.RazorpayPaymentID),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
		return entry, fmt.Errorf("failed to write webhook log: %w", err)
	}

	util.WebhookDeliveriesTotal.WithLabelValues(eventLabel(entry.Event), string(entry.Status)).Inc()
	util.WebhookProcessingLatency.Observe(elapsed.Seconds())

	p.logger.Info("Webhook handled",
		zap.Int64("log_id", entry.ID),
		zap.String("event", entry.Event),
		zap.String("payment_id", entry.RazorpayPaymentID),
		zap.String("status", string(entry.Status)),
		zap.Int64("processing_ms", entry.ProcessingTimeMs))
	return entry, nil
}

func (p *WebhookProcessor) process(ctx context.Context, rawBody []byte, entry *models.WebhookLog) {
	defer func() {
		if r := recover(); r != nil {
			entry.Status = models.WebhookLogStatusError
			entry.ErrorMessage = fmt.Sprintf("panic: %v", r)
			p.logger.Error("Recovered panic in webhook processing", zap.Any("panic", r))
		}
	}()

	computed, ok := p.verifier.VerifyWebhook(rawBody, entry.ReceivedSignature)
	entry.ComputedSignature = computed
	entry.IsSignatureValid = ok

	var hook models.RazorpayWebhook
	parseErr := json.Unmarshal(rawBody, &hook)
	if parseErr == nil {
		entry.Event = hook.Event
		entry.RazorpayOrderID = hook.OrderID()
		entry.RazorpayPaymentID = hook.PaymentID()
		entry.RazorpayRefundID = hook.RefundID()
	}

	if !ok {
		util.SignatureFailuresTotal.WithLabelValues("webhook").Inc()
		entry.Status = models.WebhookLogStatusInvalid
		entry.ErrorMessage = ReasonSignatureMismatch
		return
	}
	if parseErr != nil {
		entry.Status = models.WebhookLogStatusError
		entry.ErrorMessage = fmt.Sprintf("malformed payload: %v", parseErr)
		return
	}

	kind, handled := handledEvents[hook.Event]
	if !handled {
		entry.Status = models.WebhookLogStatusIgnored
		entry.ErrorMessage = "unhandled event"
		return
	}
	if entry.RazorpayPaymentID == "" {
		entry.Status = models.WebhookLogStatusError
		entry.ErrorMessage = "payload carries no payment id"
		return
	}

	_, err := p.repo.FindProcessedWebhookLog(ctx, entry.RazorpayPaymentID, entry.Event, entry.RazorpayRefundID)
	switch {
	case err == nil:
		entry.Status = models.WebhookLogStatusIgnored
		entry.ErrorMessage = "duplicate delivery"
		return
	case !errors.Is(err, store.ErrNotFound):
		entry.Status = models.WebhookLogStatusError
		entry.ErrorMessage = fmt.Sprintf("failed to check redelivery: %v", err)
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.dispatch(dispatchCtx, kind, &hook)
	switch {
	case err != nil:
		entry.Status = models.WebhookLogStatusError
		entry.ErrorMessage = err.Error()
	case res.Duplicate:
		entry.Status = models.WebhookLogStatusIgnored
		entry.ErrorMessage = "already reconciled"
	default:
		entry.Status = models.WebhookLogStatusProcessed
	}
}

func (p *WebhookProcessor) dispatch(ctx context.Context, kind PaymentEventKind, hook *models.RazorpayWebhook) (*ReconciliationResult, error) {
	order, err := p.resolveOrder(ctx, hook)
	if err != nil {
		return nil, err
	}

	event := PaymentEvent{
		Kind:              kind,
		Source:            SourceWebhook,
		RazorpayOrderID:   order.RazorpayOrderID,
		RazorpayPaymentID: hook.PaymentID(),
	}

	switch kind {
	case PaymentEventCaptured, PaymentEventFailed:
		if hook.Payload.Payment == nil {
			return nil, fmt.Errorf("%w: %s without payment entity", ErrInvalidRequest, hook.Event)
		}
		pay := hook.Payload.Payment.Entity
		event.AmountPaise = pay.Amount
		event.Currency = pay.Currency
		event.Method = pay.Method
		event.ErrorCode = pay.ErrorCode
		event.ErrorDescription = pay.ErrorDescription
	case PaymentEventRefunded:
		if hook.Payload.Refund == nil {
			return nil, fmt.Errorf("%w: %s without refund entity", ErrInvalidRequest, hook.Event)
		}
		event.Refund = &RefundRequest{
			RazorpayRefundID: hook.Payload.Refund.Entity.ID,
			AmountPaise:      hook.Payload.Refund.Entity.Amount,
		}
	}

	return p.coordinator.Reconcile(ctx, order.ID, event)
}

// resolveOrder finds the order by gateway order id, falling back to the
// payment row for payloads that only carry a payment id.
func (p *WebhookProcessor) resolveOrder(ctx context.Context, hook *models.RazorpayWebhook) (*models.Order, error) {
	if gatewayOrderID := hook.OrderID(); gatewayOrderID != "" {
		return p.repo.GetOrderByRazorpayOrderID(ctx, gatewayOrderID)
	}

	payment, err := p.repo.GetPaymentByRazorpayID(ctx, hook.PaymentID())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}
	return p.repo.GetOrderByID(ctx, payment.OrderID)
}

// sanitizeLogText makes payload-derived columns storable as text. Postgres
// rejects NUL bytes and invalid UTF-8 in TEXT; the exact body is kept in
// RawBody.
func sanitizeLogText(entry *models.WebhookLog) {
	for _, field := range []*string{
		&entry.Event,
		&entry.ReceivedSignature,
		&entry.ComputedSignature,
		&entry.RazorpayOrderID,
		&entry.RazorpayPaymentID,
		&entry.RazorpayRefundID,
		&entry.ErrorMessage,
	} {
		*field = textSafe(*field)
	}
}

func textSafe(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

func signatureFrom(headers http.Header) string {
	if sig := headers.Get(HeaderRazorpaySignature); sig != "" {
		return sig
	}
	return headers.Get(HeaderSignatureFallback)
}

func headersJSON(headers http.Header) json.RawMessage {
	if headers == nil {
		return json.RawMessage("{}")
	}
	clean := make(map[string][]string, len(headers))
	for name, values := range headers {
		safe := make([]string, len(values))
		for i, v := range values {
			safe[i] = textSafe(v)
		}
		clean[textSafe(name)] = safe
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func eventLabel(event string) string {
	if _, ok := handledEvents[event]; ok || event == models.RazorpayEventPaymentAuthorized {
		return event
	}
	return "other"
}
