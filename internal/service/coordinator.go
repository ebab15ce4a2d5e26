package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentEventKind is the gateway-level fact being reconciled.
type PaymentEventKind string

const (
	PaymentEventCaptured PaymentEventKind = "captured"
	PaymentEventFailed   PaymentEventKind = "failed"
	PaymentEventRefunded PaymentEventKind = "refunded"
)

// EventSource tells where a payment event came from. Only client events
// carry a checkout signature that still needs checking.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourceClient  EventSource = "client"
	SourceAdmin   EventSource = "admin"
)

// PaymentEvent is the input of Reconcile.
type PaymentEvent struct {
	Kind              PaymentEventKind
	Source            EventSource
	RazorpayOrderID   string
	RazorpayPaymentID string
	Signature         string
	AmountPaise       int64
	Currency          string
	Method            string
	ErrorCode         string
	ErrorDescription  string
	Refund            *RefundRequest
}

// Outcome summarises what a reconciliation did.
type Outcome string

const (
	OutcomePaid              Outcome = "paid"
	OutcomeFlagged           Outcome = "flagged"
	OutcomeFailed            Outcome = "failed"
	OutcomeSignatureInvalid  Outcome = "signature_invalid"
	OutcomeInsufficientStock Outcome = "insufficient_stock"
	OutcomePaymentFailed     Outcome = "payment_failed"
	OutcomeRefunded          Outcome = "refunded"
	OutcomePartiallyRefunded Outcome = "partially_refunded"
)

// ReconciliationResult is returned by every coordinator operation. Duplicate
// is set when the idempotency key had already been processed and nothing ran.
type ReconciliationResult struct {
	OrderID           int64                     `json:"order_id"`
	RazorpayPaymentID string                    `json:"razorpay_payment_id,omitempty"`
	OrderStatus       models.OrderStatus        `json:"order_status"`
	PaymentStatus     models.PaymentStatus      `json:"payment_status,omitempty"`
	IsAmountValid     bool                      `json:"is_amount_valid"`
	Outcome           Outcome                   `json:"outcome"`
	Duplicate         bool                      `json:"duplicate"`
	Reason            string                    `json:"reason,omitempty"`
	Transactions      []models.StockTransaction `json:"transactions,omitempty"`

	order      *models.Order
	fromStatus models.OrderStatus
}

// Err reports a rejected checkout signature as ErrSignatureMismatch. Every
// other outcome is a completed reconciliation.
func (r *ReconciliationResult) Err() error {
	if r.Outcome == OutcomeSignatureInvalid {
		if r.Reason != "" {
			return fmt.Errorf("%w: %s", ErrSignatureMismatch, r.Reason)
		}
		return ErrSignatureMismatch
	}
	return nil
}

// EventPublisher publishes committed order status changes.
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// StockCache mirrors committed variant stock for read paths. version is
// the ledger row id behind stock and only grows per variant; implementations
// drop writes that are not newer than what they hold.
type StockCache interface {
	SetStock(ctx context.Context, variantID int64, stock int, version int64) error
}

const publishTimeout = 5 * time.Second

// Coordinator is the single entry point that applies payment events to
// orders. It serializes per order, is idempotent on razorpay_payment_id and
// commits order, stock and payment changes in one scope.
type Coordinator struct {
	repo      store.Repository
	sm        *StateMachine
	locker    Locker
	publisher EventPublisher
	cache     StockCache
	lockTTL   time.Duration
	logger    *zap.Logger
	inflight  sync.WaitGroup
}

// NewCoordinator creates a new reconciliation coordinator. publisher and
// cache may be nil.
func NewCoordinator(
	repo store.Repository,
	sm *StateMachine,
	locker Locker,
	publisher EventPublisher,
	cache StockCache,
	lockTTL time.Duration,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		sm:        sm,
		locker:    locker,
		publisher: publisher,
		cache:     cache,
		lockTTL:   lockTTL,
		logger:    util.GetLogger(),
	}
}

// Reconcile applies one payment event to the order.
func (c *Coordinator) Reconcile(ctx context.Context, orderID int64, event PaymentEvent) (*ReconciliationResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconciliationLatency.Observe(time.Since(start).Seconds())
	}()

	if event.RazorpayPaymentID == "" {
		return nil, fmt.Errorf("%w: razorpay_payment_id is required", ErrInvalidRequest)
	}

	ctx, unlock, err := c.lock(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	var res *ReconciliationResult
	switch event.Kind {
	case PaymentEventCaptured:
		res, err = c.capture(ctx, orderID, event)
	case PaymentEventFailed:
		res, err = c.recordFailure(ctx, orderID, event)
	case PaymentEventRefunded:
		res, err = c.refund(ctx, orderID, event)
	default:
		err = fmt.Errorf("%w: unknown payment event %q", ErrInvalidRequest, event.Kind)
	}
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		c.logger.Error("Reconciliation failed",
			zap.Int64("order_id", orderID),
			zap.String("payment_id", event.RazorpayPaymentID),
			zap.String("kind", string(event.Kind)),
			zap.String("source", string(event.Source)),
			zap.Error(err))
		return nil, err
	}

	c.afterCommit(ctx, res)
	return res, nil
}

// ResolveReview settles a flagged order: approval commits stock and moves it
// to Paid, rejection fails it and releases reservations.
func (c *Coordinator) ResolveReview(ctx context.Context, orderID int64, approve bool, note string) (*ReconciliationResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.ResolveReview")
	defer span.End()

	ctx, unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	event := OrderEvent{Type: EventReviewRejected, Reason: note}
	outcome := OutcomeFailed
	if approve {
		event.Type = EventReviewApproved
		outcome = OutcomePaid
	}

	res, err := c.transitionOrder(ctx, orderID, event, outcome)
	if approve && errors.Is(err, ErrInsufficientStock) {
		res, err = c.transitionOrder(ctx, orderID,
			OrderEvent{Type: EventInsufficientStock, Reason: ReasonInsufficientStock}, OutcomeInsufficientStock)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	c.afterCommit(ctx, res)
	return res, nil
}

// ExpireOrder fails an order that never received a payment.
func (c *Coordinator) ExpireOrder(ctx context.Context, orderID int64) (*ReconciliationResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.ExpireOrder")
	defer span.End()

	ctx, unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := c.transitionOrder(ctx, orderID,
		OrderEvent{Type: EventOrderExpired, Reason: ReasonOrderExpired}, OutcomeFailed)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	c.afterCommit(ctx, res)
	return res, nil
}

// ReverseStockTransaction writes the inverse of one ledger row under the lock
// of the order that owns it.
func (c *Coordinator) ReverseStockTransaction(ctx context.Context, transactionID int64) (*models.StockTransaction, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.ReverseStockTransaction")
	defer span.End()

	row, err := c.repo.GetStockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	ctx, unlock, err := c.lock(ctx, row.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inverse, err := c.sm.ledger.Reverse(ctx, c.repo, transactionID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	c.mirrorStock(ctx, []models.StockTransaction{*inverse})
	c.logger.Info("Stock transaction reversed",
		zap.Int64("order_id", row.OrderID),
		zap.Int64("transaction_id", transactionID),
		zap.Int64("inverse_id", inverse.ID))
	return inverse, nil
}

// Wait blocks until fire-and-forget publications have finished.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) capture(ctx context.Context, orderID int64, event PaymentEvent) (*ReconciliationResult, error) {
	var res *ReconciliationResult
	err := c.repo.WithTx(ctx, func(tx store.Repository) error {
		order, payment, err := c.loadForUpdate(ctx, tx, orderID, event)
		if err != nil {
			return err
		}
		if payment.IsProcessed {
			res = duplicateResult(order, payment)
			if event.Source == SourceClient {
				// a replayed callback still has to prove the signature
				check := c.sm.verifier.Verify(order, event.RazorpayOrderID, event.RazorpayPaymentID, event.Signature)
				if !check.OK {
					res.Outcome, res.Reason = OutcomeSignatureInvalid, check.Reason
				}
			}
			return nil
		}

		mark, err := ledgerMark(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		from := order.Status

		payment.Status = models.PaymentStatusCaptured
		orderEvent := OrderEvent{Type: EventPaymentCaptured, Payment: payment}
		if event.Source == SourceClient {
			orderEvent.Signature = &SignatureCheck{
				GatewayOrderID:   event.RazorpayOrderID,
				GatewayPaymentID: event.RazorpayPaymentID,
				Signature:        event.Signature,
			}
		}

		updated, err := c.sm.Transition(ctx, tx, order, orderEvent)
		if err != nil {
			return err
		}

		outcome, reason := OutcomePaid, ""
		switch updated.Status {
		case models.OrderStatusFlagged:
			outcome, reason = OutcomeFlagged, ReasonAmountMismatch
		case models.OrderStatusFailed:
			outcome, reason = OutcomeSignatureInvalid, ReasonSignatureMismatch
		}

		if outcome == OutcomeSignatureInvalid {
			// An unverified callback must not consume the payment id, so a
			// later signed webhook for it still reaches the order.
			payment.Status = models.PaymentStatusCreated
			payment.Metadata = metadata(map[string]interface{}{
				"reason": reason,
				"source": string(event.Source),
			})
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
		} else if err := markProcessed(ctx, tx, payment); err != nil {
			return err
		}
		rows, err := ledgerSince(ctx, tx, order.ID, mark)
		if err != nil {
			return err
		}
		res = newResult(updated, payment, outcome, reason, rows, from)
		return nil
	})
	if errors.Is(err, ErrInsufficientStock) {
		return c.failForStock(ctx, orderID, event, err)
	}
	return res, err
}

// failForStock runs after a capture scope rolled back on insufficient stock.
// The payment is recorded as captured and the order fails in a fresh scope.
func (c *Coordinator) failForStock(ctx context.Context, orderID int64, event PaymentEvent, cause error) (*ReconciliationResult, error) {
	var res *ReconciliationResult
	err := c.repo.WithTx(ctx, func(tx store.Repository) error {
		order, payment, err := c.loadForUpdate(ctx, tx, orderID, event)
		if err != nil {
			return err
		}
		if payment.IsProcessed {
			res = duplicateResult(order, payment)
			return nil
		}

		mark, err := ledgerMark(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		from := order.Status

		updated, err := c.sm.Transition(ctx, tx, order,
			OrderEvent{Type: EventInsufficientStock, Reason: ReasonInsufficientStock})
		if err != nil {
			return err
		}

		payment.Status = models.PaymentStatusCaptured
		payment.IsAmountValid = c.sm.verifier.CheckAmount(order, payment.AmountPaise, payment.Currency)
		payment.Metadata = metadata(map[string]interface{}{
			"reason":          ReasonInsufficientStock,
			"detail":          cause.Error(),
			"refund_required": true,
		})
		if err := markProcessed(ctx, tx, payment); err != nil {
			return err
		}
		rows, err := ledgerSince(ctx, tx, order.ID, mark)
		if err != nil {
			return err
		}
		res = newResult(updated, payment, OutcomeInsufficientStock, ReasonInsufficientStock, rows, from)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		c.logger.Warn("Captured payment on order failed for stock, refund required",
			zap.Int64("order_id", orderID),
			zap.String("payment_id", event.RazorpayPaymentID),
			zap.Error(cause))
	}
	return res, nil
}

// recordFailure stores a failed attempt. The order stays Created so the
// customer can retry with a new payment.
func (c *Coordinator) recordFailure(ctx context.Context, orderID int64, event PaymentEvent) (*ReconciliationResult, error) {
	var res *ReconciliationResult
	err := c.repo.WithTx(ctx, func(tx store.Repository) error {
		order, payment, err := c.loadForUpdate(ctx, tx, orderID, event)
		if err != nil {
			return err
		}
		if payment.IsProcessed {
			res = duplicateResult(order, payment)
			return nil
		}

		payment.Status = models.PaymentStatusFailed
		payment.IsAmountValid = c.sm.verifier.CheckAmount(order, payment.AmountPaise, payment.Currency)
		payment.Metadata = metadata(map[string]interface{}{
			"error_code":        event.ErrorCode,
			"error_description": event.ErrorDescription,
			"method":            event.Method,
		})
		if err := markProcessed(ctx, tx, payment); err != nil {
			return err
		}
		res = newResult(order, payment, OutcomePaymentFailed, event.ErrorCode, nil, order.Status)
		return nil
	})
	return res, err
}

func (c *Coordinator) refund(ctx context.Context, orderID int64, event PaymentEvent) (*ReconciliationResult, error) {
	if event.Refund == nil || event.Refund.RazorpayRefundID == "" {
		return nil, fmt.Errorf("%w: refund id is required", ErrInvalidRequest)
	}

	var res *ReconciliationResult
	err := c.repo.WithTx(ctx, func(tx store.Repository) error {
		order, payment, err := c.loadForUpdate(ctx, tx, orderID, event)
		if err != nil {
			return err
		}

		_, err = tx.GetRefundByRazorpayID(ctx, event.Refund.RazorpayRefundID)
		switch {
		case err == nil:
			res = duplicateResult(order, payment)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("failed to check refund: %w", err)
		}

		if err := tx.CreateRefund(ctx, &models.Refund{
			RazorpayRefundID:  event.Refund.RazorpayRefundID,
			RazorpayPaymentID: payment.RazorpayPaymentID,
			OrderID:           order.ID,
			AmountPaise:       event.Refund.AmountPaise,
		}); err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}

		mark, err := ledgerMark(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		from := order.Status

		updated, err := c.sm.Transition(ctx, tx, order, OrderEvent{Type: EventRefundIssued, Refund: event.Refund})
		if err != nil {
			return err
		}

		outcome := OutcomePartiallyRefunded
		if updated.Status == models.OrderStatusRefunded {
			outcome = OutcomeRefunded
			payment.Status = models.PaymentStatusRefunded
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
		}

		rows, err := ledgerSince(ctx, tx, order.ID, mark)
		if err != nil {
			return err
		}
		res = newResult(updated, payment, outcome, event.Refund.RazorpayRefundID, rows, from)
		return nil
	})
	return res, err
}

// transitionOrder runs an order-only event under a fresh scope.
func (c *Coordinator) transitionOrder(ctx context.Context, orderID int64, event OrderEvent, outcome Outcome) (*ReconciliationResult, error) {
	var res *ReconciliationResult
	err := c.repo.WithTx(ctx, func(tx store.Repository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		mark, err := ledgerMark(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		from := order.Status

		updated, err := c.sm.Transition(ctx, tx, order, event)
		if err != nil {
			return err
		}
		rows, err := ledgerSince(ctx, tx, order.ID, mark)
		if err != nil {
			return err
		}
		res = newResult(updated, nil, outcome, event.Reason, rows, from)
		return nil
	})
	return res, err
}

// loadForUpdate locks the order and returns the payment row for the event,
// creating it on first sight.
func (c *Coordinator) loadForUpdate(ctx context.Context, tx store.Repository, orderID int64, event PaymentEvent) (*models.Order, *models.Payment, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock order: %w", err)
	}
	if event.Source != SourceClient && event.RazorpayOrderID != "" && event.RazorpayOrderID != order.RazorpayOrderID {
		return nil, nil, fmt.Errorf("%w: gateway order %s does not belong to order %d",
			ErrInvalidRequest, event.RazorpayOrderID, order.ID)
	}

	payment, err := tx.LockPaymentByRazorpayID(ctx, event.RazorpayPaymentID)
	switch {
	case err == nil:
		if payment.OrderID != order.ID {
			return nil, nil, fmt.Errorf("%w: payment %s belongs to order %d",
				ErrInvalidRequest, payment.RazorpayPaymentID, payment.OrderID)
		}
		if !payment.IsProcessed {
			applyEventAmount(payment, event)
		}
		return order, payment, nil
	case !errors.Is(err, store.ErrNotFound) || event.Kind == PaymentEventRefunded:
		return nil, nil, fmt.Errorf("failed to load payment: %w", err)
	}

	payment = &models.Payment{
		RazorpayPaymentID: event.RazorpayPaymentID,
		RazorpayOrderID:   order.RazorpayOrderID,
		OrderID:           order.ID,
		CustomerID:        order.CustomerID,
		Amount:            order.Amount,
		AmountPaise:       order.AmountPaise(),
		Currency:          order.Currency,
		Status:            models.PaymentStatusCreated,
	}
	applyEventAmount(payment, event)
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return order, payment, nil
}

// lock takes the per-order lock. Waiting is bounded by lockTTL, and so is the
// work done while holding it: the returned context expires before the lock
// can, so a distributed lock never lapses under a running scope.
func (c *Coordinator) lock(ctx context.Context, orderID int64) (context.Context, func(), error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTTL)
	defer cancel()

	unlock, err := c.locker.Lock(lockCtx, orderLockKey(orderID), c.lockTTL)
	util.LockWaitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if lockCtx.Err() != nil && !errors.Is(err, ErrLockTimeout) {
			return nil, nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		return nil, nil, fmt.Errorf("failed to acquire order lock: %w", err)
	}

	heldCtx, stop := context.WithTimeout(ctx, c.lockTTL-c.lockTTL/10)
	return heldCtx, func() {
		stop()
		unlock()
	}, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, res *ReconciliationResult) {
	if res.Duplicate {
		util.ReconciliationsTotal.WithLabelValues("duplicate").Inc()
		c.logger.Info("Duplicate reconciliation ignored",
			zap.Int64("order_id", res.OrderID),
			zap.String("payment_id", res.RazorpayPaymentID))
		return
	}
	util.ReconciliationsTotal.WithLabelValues(string(res.Outcome)).Inc()

	c.mirrorStock(ctx, res.Transactions)
	if res.fromStatus != res.OrderStatus {
		c.publish(ctx, res)
	}
}

func (c *Coordinator) mirrorStock(ctx context.Context, rows []models.StockTransaction) {
	if c.cache == nil {
		return
	}
	for _, row := range latestPerVariant(rows) {
		if err := c.cache.SetStock(ctx, row.ProductVariantID, row.NewStock, row.ID); err != nil {
			c.logger.Warn("Failed to mirror stock",
				zap.Int64("variant_id", row.ProductVariantID),
				zap.Error(err))
		}
	}
}

// publish sends the status change without blocking the caller.
func (c *Coordinator) publish(ctx context.Context, res *ReconciliationResult) {
	if c.publisher == nil || res.order == nil {
		return
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:         res.OrderID,
		RazorpayOrderID: res.order.RazorpayOrderID,
		CustomerID:      res.order.CustomerID,
		FromStatus:      res.fromStatus,
		ToStatus:        res.OrderStatus,
		Reason:          res.Reason,
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := c.publisher.PublishOrderStatusChanged(pubCtx, event); err != nil {
			util.EventsPublishFailedTotal.WithLabelValues(event.EventType).Inc()
			c.logger.Error("Failed to publish OrderStatusChanged event",
				zap.Int64("order_id", event.OrderID),
				zap.Error(err))
		}
	}()
}

func applyEventAmount(payment *models.Payment, event PaymentEvent) {
	if event.AmountPaise > 0 {
		payment.AmountPaise = event.AmountPaise
		payment.Amount = models.FromPaise(event.AmountPaise)
	}
	if event.Currency != "" {
		payment.Currency = event.Currency
	}
	if event.Signature != "" {
		payment.Signature = event.Signature
	}
}

// latestPerVariant keeps the newest ledger row of each variant.
func latestPerVariant(rows []models.StockTransaction) []models.StockTransaction {
	latest := make(map[int64]models.StockTransaction)
	for _, row := range rows {
		if prev, ok := latest[row.ProductVariantID]; !ok || row.ID > prev.ID {
			latest[row.ProductVariantID] = row
		}
	}
	out := make([]models.StockTransaction, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	return out
}

func markProcessed(ctx context.Context, tx store.Repository, payment *models.Payment) error {
	now := time.Now().UTC()
	payment.IsProcessed = true
	payment.ProcessedAt = &now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to mark payment processed: %w", err)
	}
	return nil
}

func ledgerMark(ctx context.Context, tx store.Repository, orderID int64) (int, error) {
	rows, err := tx.ListStockTransactionsByOrder(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to list stock transactions: %w", err)
	}
	return len(rows), nil
}

// ledgerSince returns the rows appended after mark. The ledger is
// append-only and listed in insertion order.
func ledgerSince(ctx context.Context, tx store.Repository, orderID int64, mark int) ([]models.StockTransaction, error) {
	rows, err := tx.ListStockTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock transactions: %w", err)
	}
	if mark >= len(rows) {
		return nil, nil
	}
	return rows[mark:], nil
}

func newResult(order *models.Order, payment *models.Payment, outcome Outcome, reason string, rows []models.StockTransaction, from models.OrderStatus) *ReconciliationResult {
	res := &ReconciliationResult{
		OrderID:           order.ID,
		RazorpayPaymentID: order.PaymentID,
		OrderStatus:       order.Status,
		Outcome:           outcome,
		Reason:            reason,
		Transactions:      rows,
		order:             order,
		fromStatus:        from,
	}
	if payment != nil {
		res.RazorpayPaymentID = payment.RazorpayPaymentID
		res.PaymentStatus = payment.Status
		res.IsAmountValid = payment.IsAmountValid
	}
	return res
}

func duplicateResult(order *models.Order, payment *models.Payment) *ReconciliationResult {
	res := newResult(order, payment, outcomeFor(order.Status, payment), "", nil, order.Status)
	res.Duplicate = true
	return res
}

// outcomeFor derives the outcome a prior reconciliation produced.
func outcomeFor(status models.OrderStatus, payment *models.Payment) Outcome {
	if payment != nil && payment.Status == models.PaymentStatusFailed {
		if status == models.OrderStatusFailed {
			return OutcomeSignatureInvalid
		}
		return OutcomePaymentFailed
	}
	switch status {
	case models.OrderStatusFlagged:
		return OutcomeFlagged
	case models.OrderStatusFailed:
		return OutcomeInsufficientStock
	case models.OrderStatusRefunded:
		return OutcomeRefunded
	case models.OrderStatusPartiallyRefunded:
		return OutcomePartiallyRefunded
	}
	return OutcomePaid
}

func metadata(fields map[string]interface{}) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}
