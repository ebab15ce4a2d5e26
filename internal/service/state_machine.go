package service

import (
	"context"
	"fmt"
	"sort"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType is an input of the order state machine.
type EventType string

const (
	EventPaymentCaptured   EventType = "PaymentCaptured"
	EventRefundIssued      EventType = "RefundIssued"
	EventReviewApproved    EventType = "ReviewApproved"
	EventReviewRejected    EventType = "ReviewRejected"
	EventInsufficientStock EventType = "InsufficientStock"
	EventOrderExpired      EventType = "OrderExpired"
)

// Transition reasons recorded in status history and reconciliation results.
const (
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonOrderExpired      = "order_expired"
	ReasonReviewRejected    = "review_rejected"
)

// transitions is the complete set of allowed status moves. Failed and
// Refunded have no outgoing edges.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusCreated:           {models.OrderStatusPaid, models.OrderStatusFailed},
	models.OrderStatusPaid:              {models.OrderStatusFlagged, models.OrderStatusRefunded, models.OrderStatusPartiallyRefunded},
	models.OrderStatusFlagged:           {models.OrderStatusPaid, models.OrderStatusFailed},
	models.OrderStatusPartiallyRefunded: {models.OrderStatusPartiallyRefunded, models.OrderStatusRefunded},
}

// eventRules lists the statuses an event may start from and its nominal target.
var eventRules = map[EventType]struct {
	from   []models.OrderStatus
	target models.OrderStatus
}{
	EventPaymentCaptured:   {[]models.OrderStatus{models.OrderStatusCreated}, models.OrderStatusPaid},
	EventRefundIssued:      {[]models.OrderStatus{models.OrderStatusPaid, models.OrderStatusPartiallyRefunded}, models.OrderStatusRefunded},
	EventReviewApproved:    {[]models.OrderStatus{models.OrderStatusFlagged}, models.OrderStatusPaid},
	EventReviewRejected:    {[]models.OrderStatus{models.OrderStatusFlagged}, models.OrderStatusFailed},
	EventInsufficientStock: {[]models.OrderStatus{models.OrderStatusCreated, models.OrderStatusFlagged}, models.OrderStatusFailed},
	EventOrderExpired:      {[]models.OrderStatus{models.OrderStatusCreated}, models.OrderStatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SignatureCheck carries the checkout callback fields for the client path.
type SignatureCheck struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// RefundItem is a returned quantity of one variant.
type RefundItem struct {
	VariantID int64 `json:"product_variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// RefundRequest describes one gateway refund applied to an order.
type RefundRequest struct {
	RazorpayRefundID string
	AmountPaise      int64
	Items            []RefundItem
}

// OrderEvent is the input of Transition. Payment is required for
// PaymentCaptured, Refund for RefundIssued. Signature is set only when the
// capture comes from the client callback.
type OrderEvent struct {
	Type      EventType
	Payment   *models.Payment
	Signature *SignatureCheck
	Refund    *RefundRequest
	Reason    string
}

// StateMachine owns every order status change and the stock side effects
// that go with it.
type StateMachine struct {
	ledger   *Ledger
	verifier *PaymentVerifier
	logger   *zap.Logger
}

// NewStateMachine creates a new order state machine
func NewStateMachine(ledger *Ledger, verifier *PaymentVerifier) *StateMachine {
	return &StateMachine{
		ledger:   ledger,
		verifier: verifier,
		logger:   util.GetLogger(),
	}
}

// Transition applies event to order inside one atomic scope and returns the
// updated order. A precondition mismatch returns *InvalidTransitionError.
func (sm *StateMachine) Transition(ctx context.Context, repo store.Repository, order *models.Order, event OrderEvent) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "StateMachine.Transition")
	defer span.End()

	rule, ok := eventRules[event.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, event.Type)
	}
	if !statusIn(order.Status, rule.from) {
		err := &InvalidTransitionError{From: order.Status, To: rule.target, Event: event.Type}
		util.RecordError(span, err)
		return nil, err
	}

	err := repo.WithTx(ctx, func(tx store.Repository) error {
		switch event.Type {
		case EventPaymentCaptured:
			return sm.onPaymentCaptured(ctx, tx, order, event)
		case EventRefundIssued:
			return sm.onRefundIssued(ctx, tx, order, event)
		case EventReviewApproved:
			if err := sm.moveTo(ctx, tx, order, models.OrderStatusPaid, event.Type, event.Reason); err != nil {
				return err
			}
			return sm.commitStock(ctx, tx, order)
		default:
			reason := event.Reason
			if reason == "" {
				reason = defaultFailReason(event.Type)
			}
			if err := sm.moveTo(ctx, tx, order, models.OrderStatusFailed, event.Type, reason); err != nil {
				return err
			}
			return sm.releaseReservations(ctx, tx, order)
		}
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return order, nil
}

func (sm *StateMachine) onPaymentCaptured(ctx context.Context, tx store.Repository, order *models.Order, event OrderEvent) error {
	payment := event.Payment
	if payment == nil {
		return fmt.Errorf("%w: payment required for %s", ErrInvalidRequest, event.Type)
	}

	if event.Signature != nil {
		res := sm.verifier.Verify(order, event.Signature.GatewayOrderID, event.Signature.GatewayPaymentID, event.Signature.Signature)
		if !res.OK {
			util.SignatureFailuresTotal.WithLabelValues("checkout").Inc()
			sm.logger.Warn("Checkout signature rejected",
				zap.Int64("order_id", order.ID),
				zap.String("payment_id", payment.RazorpayPaymentID),
				zap.String("detail", res.Detail))
			if err := sm.moveTo(ctx, tx, order, models.OrderStatusFailed, event.Type, res.Reason); err != nil {
				return err
			}
			return sm.releaseReservations(ctx, tx, order)
		}
	}

	payment.IsAmountValid = sm.verifier.CheckAmount(order, payment.AmountPaise, payment.Currency)

	paid := decimal.Min(models.FromPaise(payment.AmountPaise), order.Amount)
	order.PaidAmount = paid
	order.DueAmount = order.Amount.Sub(paid)
	order.PaymentID = payment.RazorpayPaymentID
	order.Signature = payment.Signature

	if err := sm.moveTo(ctx, tx, order, models.OrderStatusPaid, event.Type, ""); err != nil {
		return err
	}

	if !payment.IsAmountValid {
		sm.logger.Warn("Payment amount mismatch, order flagged for review",
			zap.Int64("order_id", order.ID),
			zap.Int64("expected_paise", order.AmountPaise()),
			zap.Int64("received_paise", payment.AmountPaise),
			zap.String("currency", payment.Currency))
		return sm.moveTo(ctx, tx, order, models.OrderStatusFlagged, event.Type, ReasonAmountMismatch)
	}

	return sm.commitStock(ctx, tx, order)
}

func (sm *StateMachine) onRefundIssued(ctx context.Context, tx store.Repository, order *models.Order, event OrderEvent) error {
	refund := event.Refund
	if refund == nil || refund.AmountPaise <= 0 {
		return fmt.Errorf("%w: refund amount required for %s", ErrInvalidRequest, event.Type)
	}

	order.RefundedAmount = order.RefundedAmount.Add(models.FromPaise(refund.AmountPaise))
	full := order.RefundedAmount.GreaterThanOrEqual(order.PaidAmount)

	outstanding, err := sm.ledger.OutstandingReduced(ctx, tx, order.ID)
	if err != nil {
		return err
	}

	target := models.OrderStatusPartiallyRefunded
	if full {
		target = models.OrderStatusRefunded
	}

	returns := make(map[int64]int)
	switch {
	case len(refund.Items) > 0:
		for _, item := range refund.Items {
			returns[item.VariantID] += item.Quantity
		}
		for variantID, qty := range returns {
			if qty <= 0 || qty > outstanding[variantID] {
				return fmt.Errorf("%w: cannot restore %d of variant %d, %d outstanding",
					ErrInvalidStockChange, qty, variantID, outstanding[variantID])
			}
		}
	case full:
		returns = outstanding
	}

	for _, variantID := range sortedKeys(returns) {
		if _, err := sm.ledger.ApplyStockChange(ctx, tx, StockChange{
			OrderID:     order.ID,
			VariantID:   variantID,
			Delta:       returns[variantID],
			Type:        models.StockTransactionRestore,
			OrderStatus: target,
		}); err != nil {
			return err
		}
	}

	return sm.moveTo(ctx, tx, order, target, event.Type, refund.RazorpayRefundID)
}

// commitStock converts any active reservation and then writes one reduce row
// per order line.
func (sm *StateMachine) commitStock(ctx context.Context, tx store.Repository, order *models.Order) error {
	if err := sm.releaseReservations(ctx, tx, order); err != nil {
		return err
	}

	records, err := tx.GetOrderRecords(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to get order records: %w", err)
	}

	for _, rec := range byVariant(records) {
		if _, err := sm.ledger.ApplyStockChange(ctx, tx, StockChange{
			OrderID:     order.ID,
			VariantID:   rec.ProductVariantID,
			Delta:       -rec.Quantity,
			Type:        models.StockTransactionReduce,
			OrderStatus: order.Status,
		}); err != nil {
			return err
		}
	}
	return nil
}

// reserveStock writes one reserve row per order line.
func (sm *StateMachine) reserveStock(ctx context.Context, tx store.Repository, order *models.Order, records []models.OrderRecord) error {
	for _, rec := range byVariant(records) {
		if _, err := sm.ledger.ApplyStockChange(ctx, tx, StockChange{
			OrderID:     order.ID,
			VariantID:   rec.ProductVariantID,
			Delta:       -rec.Quantity,
			Type:        models.StockTransactionReserve,
			OrderStatus: order.Status,
		}); err != nil {
			return err
		}
	}
	return nil
}

// releaseReservations reverses every active reserve row of the order. The
// release rows snapshot the order status already persisted in this scope.
func (sm *StateMachine) releaseReservations(ctx context.Context, tx store.Repository, order *models.Order) error {
	active, err := sm.ledger.ActiveReservations(ctx, tx, order.ID)
	if err != nil {
		return err
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].ProductVariantID < active[j].ProductVariantID
	})
	for _, row := range active {
		if _, err := sm.ledger.Reverse(ctx, tx, row.ID); err != nil {
			return fmt.Errorf("failed to release reservation %d: %w", row.ID, err)
		}
	}
	return nil
}

func (sm *StateMachine) moveTo(ctx context.Context, tx store.Repository, order *models.Order, to models.OrderStatus, event EventType, reason string) error {
	from := order.Status
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to, Event: event}
	}

	order.Status = to
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   to,
		Event:      string(event),
		Reason:     reason,
	}); err != nil {
		return fmt.Errorf("failed to record status history: %w", err)
	}

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if to == models.OrderStatusFailed {
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()
	}
	sm.logger.Info("Order status transition",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(event)),
		zap.String("reason", reason))
	return nil
}

func defaultFailReason(event EventType) string {
	switch event {
	case EventInsufficientStock:
		return ReasonInsufficientStock
	case EventOrderExpired:
		return ReasonOrderExpired
	case EventReviewRejected:
		return ReasonReviewRejected
	}
	return string(event)
}

// byVariant returns the lines ordered by variant id. Every scope locks
// variant rows in this order so concurrent orders cannot deadlock.
func byVariant(records []models.OrderRecord) []models.OrderRecord {
	sorted := append([]models.OrderRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ProductVariantID < sorted[j].ProductVariantID
	})
	return sorted
}

func sortedKeys(m map[int64]int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func statusIn(status models.OrderStatus, set []models.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
