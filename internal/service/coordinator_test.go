package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileCaptureCommitsStockOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, b := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, models.OrderStatusPaid, res.OrderStatus)
	assert.Equal(t, models.PaymentStatusCaptured, res.PaymentStatus)
	assert.True(t, res.IsAmountValid)
	require.Len(t, res.Transactions, 2)

	for i := 0; i < 5; i++ {
		again, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, OutcomePaid, again.Outcome)
		assert.Empty(t, again.Transactions)
	}

	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))

	rows := f.ledgerRows(t, o.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, models.StockTransactionReduce, rows[0].TransactionType)
	assert.Equal(t, -2, rows[0].Quantity)
	assert.Equal(t, models.StockTransactionReduce, rows[1].TransactionType)
	assert.Equal(t, -1, rows[1].Quantity)

	payment, err := f.repo.GetPaymentByRazorpayID(ctx, "pay_100")
	require.NoError(t, err)
	assert.True(t, payment.IsProcessed)
	assert.NotNil(t, payment.ProcessedAt)

	cached, ok := f.cache.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, 8, cached)
}

func TestReconcileAmountMismatchFlagsOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, b := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_400", 40000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, res.Outcome)
	assert.Equal(t, models.OrderStatusFlagged, res.OrderStatus)
	assert.False(t, res.IsAmountValid)
	assert.Empty(t, res.Transactions)

	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))

	payment, err := f.repo.GetPaymentByRazorpayID(ctx, "pay_400")
	require.NoError(t, err)
	assert.False(t, payment.IsAmountValid)
	assert.True(t, payment.IsProcessed)

	approved, err := f.coord.ResolveReview(ctx, o.ID, true, "approved by finance")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, approved.OrderStatus)
	assert.Len(t, approved.Transactions, 2)
	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))
}

func TestResolveReviewRejectFailsOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, _ := f.order100(t)

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_400", 40000))
	require.NoError(t, err)

	res, err := f.coord.ResolveReview(ctx, o.ID, false, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, res.OrderStatus)
	assert.Equal(t, ReasonReviewRejected, f.lastHistory(t, o.ID).Reason)
	assert.Equal(t, 10, f.stock(t, a.ID))

	_, err = f.coord.ResolveReview(ctx, o.ID, true, "")
	assert.True(t, IsInvalidTransition(err))
}

func TestReconcileInsufficientStockFailsOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.variant(t, "SKU-A", 200, 10)
	scarce := f.variant(t, "SKU-S", 100, 1)
	o := f.order(t, "order_scarce",
		OrderItemRequest{VariantID: a.ID, Quantity: 2},
		OrderItemRequest{VariantID: scarce.ID, Quantity: 2},
	)

	res, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_scarce", o.AmountPaise()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientStock, res.Outcome)
	assert.Equal(t, models.OrderStatusFailed, res.OrderStatus)

	// the reduction of the first line rolled back with the rest
	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, scarce.ID))
	assert.Empty(t, f.ledgerRows(t, o.ID))

	payment, err := f.repo.GetPaymentByRazorpayID(ctx, "pay_scarce")
	require.NoError(t, err)
	assert.True(t, payment.IsProcessed)
	assert.Equal(t, models.PaymentStatusCaptured, payment.Status)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(payment.Metadata, &meta))
	assert.Equal(t, ReasonInsufficientStock, meta["reason"])
	assert.Equal(t, true, meta["refund_required"])

	again, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_scarce", o.AmountPaise()))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, OutcomeInsufficientStock, again.Outcome)
}

func TestReconcileConvertsReservation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	o, a, b := f.order100(t)

	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)

	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))

	rows := f.ledgerRows(t, o.ID)
	require.Len(t, rows, 6)
	assert.Equal(t, 0, sumQuantity(rows, models.StockTransactionReserve, models.StockTransactionRelease))
	assert.Equal(t, -3, sumQuantity(rows, models.StockTransactionReduce))
	for _, row := range rows {
		if row.TransactionType == models.StockTransactionReserve {
			assert.True(t, row.IsReversed)
		}
	}
}

func TestClientSignatureFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	o, a, b := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, clientEvent(o, "pay_forged", "deadbeef"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignatureInvalid, res.Outcome)
	assert.Equal(t, models.OrderStatusFailed, res.OrderStatus)

	rows := f.ledgerRows(t, o.ID)
	assert.Equal(t, 0, sumQuantity(rows, models.StockTransactionReserve, models.StockTransactionRelease))
	assert.Equal(t, 0, sumQuantity(rows, models.StockTransactionReduce))
	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))

	payment, err := f.repo.GetPaymentByRazorpayID(ctx, "pay_forged")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCreated, payment.Status)
	assert.False(t, payment.IsProcessed)
	assert.Nil(t, payment.ProcessedAt)
}

func TestClientAndWebhookShareIdempotencyKey(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, _ := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, clientEvent(o, "pay_1", checkoutSignature(o.RazorpayOrderID, "pay_1")))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)

	webhook, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_1", 50000))
	require.NoError(t, err)
	assert.True(t, webhook.Duplicate)

	replay, err := f.coord.Reconcile(ctx, o.ID, clientEvent(o, "pay_1", "00ff"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, OutcomeSignatureInvalid, replay.Outcome)

	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Len(t, f.ledgerRows(t, o.ID), 2)
}

func TestConcurrentReconcileAppliesOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, b := f.order100(t)

	const deliveries = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var event PaymentEvent
			if i%2 == 0 {
				event = capturedEvent(o, "pay_race", 50000)
			} else {
				event = clientEvent(o, "pay_race", checkoutSignature(o.RazorpayOrderID, "pay_race"))
			}
			res, err := f.coord.Reconcile(ctx, o.ID, event)
			if !assert.NoError(t, err) {
				return
			}
			if !res.Duplicate {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))
	assert.Len(t, f.ledgerRows(t, o.ID), 2)
}

func TestPaymentFailedKeepsOrderOpen(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, _ := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, PaymentEvent{
		Kind: PaymentEventFailed, Source: SourceWebhook, RazorpayOrderID: o.RazorpayOrderID,
		RazorpayPaymentID: "pay_declined", AmountPaise: 50000, Currency: "INR",
		ErrorCode: "BAD_REQUEST_ERROR", ErrorDescription: "card declined",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentFailed, res.Outcome)
	assert.Equal(t, models.OrderStatusCreated, res.OrderStatus)
	assert.Equal(t, models.PaymentStatusFailed, res.PaymentStatus)

	// the customer retries with a new payment
	retry, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_retry", 50000))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, retry.OrderStatus)
	assert.Equal(t, 8, f.stock(t, a.ID))

	payments, err := f.repo.ListPaymentsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestRefundRestoresStockAndIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, b := f.order100(t)

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)

	partial := PaymentEvent{
		Kind: PaymentEventRefunded, Source: SourceAdmin, RazorpayPaymentID: "pay_100",
		Refund: &RefundRequest{
			RazorpayRefundID: "rfnd_1",
			AmountPaise:      20000,
			Items:            []RefundItem{{VariantID: a.ID, Quantity: 1}},
		},
	}
	res, err := f.coord.Reconcile(ctx, o.ID, partial)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartiallyRefunded, res.Outcome)
	assert.Equal(t, 9, f.stock(t, a.ID))

	again, err := f.coord.Reconcile(ctx, o.ID, partial)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 9, f.stock(t, a.ID))

	full, err := f.coord.Reconcile(ctx, o.ID, PaymentEvent{
		Kind: PaymentEventRefunded, Source: SourceWebhook, RazorpayPaymentID: "pay_100",
		Refund: &RefundRequest{RazorpayRefundID: "rfnd_2", AmountPaise: 30000},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, full.Outcome)
	assert.Equal(t, models.OrderStatusRefunded, full.OrderStatus)
	assert.Equal(t, models.PaymentStatusRefunded, full.PaymentStatus)

	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))

	rows := f.ledgerRows(t, o.ID)
	assert.Equal(t, 0, sumQuantity(rows, models.StockTransactionReduce, models.StockTransactionRestore))
}

func TestRefundRejectsMoreThanOutstanding(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, _ := f.order100(t)

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)

	_, err = f.coord.Reconcile(ctx, o.ID, PaymentEvent{
		Kind: PaymentEventRefunded, Source: SourceAdmin, RazorpayPaymentID: "pay_100",
		Refund: &RefundRequest{
			RazorpayRefundID: "rfnd_x",
			AmountPaise:      10000,
			Items:            []RefundItem{{VariantID: a.ID, Quantity: 3}},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidStockChange)

	// nothing from the rejected refund survives
	_, err = f.repo.GetRefundByRazorpayID(ctx, "rfnd_x")
	assert.Error(t, err)
	assert.Equal(t, models.OrderStatusPaid, f.reload(t, o.ID).Status)
	assert.Equal(t, 8, f.stock(t, a.ID))
}

func TestExpireOrderReleasesReservation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	o, a, b := f.order100(t)

	res, err := f.coord.ExpireOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, res.OrderStatus)

	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))
	assert.Equal(t, 0, sumQuantity(f.ledgerRows(t, o.ID), models.StockTransactionReserve, models.StockTransactionRelease))

	for _, row := range f.ledgerRows(t, o.ID) {
		if row.TransactionType == models.StockTransactionRelease {
			assert.Equal(t, models.OrderStatusFailed, row.OrderStatus)
		}
	}
}

func TestReconcilePublishesStatusChange(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, _, _ := f.order100(t)

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)
	_, err = f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)
	f.coord.Wait()

	events := f.pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeOrderStatusChanged, events[0].EventType)
	assert.Equal(t, o.ID, events[0].OrderID)
	assert.Equal(t, models.OrderStatusCreated, events[0].FromStatus)
	assert.Equal(t, models.OrderStatusPaid, events[0].ToStatus)
	assert.NotEmpty(t, events[0].EventID)
}

func TestReconcilePublishFailureDoesNotFailReconcile(t *testing.T) {
	f := newFixture(t, false)
	f.pub.err = assert.AnError
	o, _, _ := f.order100(t)

	res, err := f.coord.Reconcile(context.Background(), o.ID, capturedEvent(o, "pay_100", 50000))
	require.NoError(t, err)
	f.coord.Wait()
	assert.Equal(t, models.OrderStatusPaid, res.OrderStatus)
}

func TestReconcileRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, _, _ := f.order100(t)

	_, err := f.coord.Reconcile(ctx, o.ID, PaymentEvent{Kind: PaymentEventCaptured})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.Reconcile(ctx, o.ID, PaymentEvent{Kind: "disputed", RazorpayPaymentID: "pay_1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	wrongOrder := capturedEvent(o, "pay_1", 50000)
	wrongOrder.RazorpayOrderID = "order_other"
	_, err = f.coord.Reconcile(ctx, o.ID, wrongOrder)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.Reconcile(ctx, 9999, capturedEvent(o, "pay_1", 50000))
	assert.Error(t, err)
}

func (f *fixture) lastHistory(t *testing.T, orderID int64) models.OrderStatusHistory {
	t.Helper()
	history, err := f.repo.GetStatusHistory(context.Background(), orderID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	return history[len(history)-1]
}

func TestReverseStockTransactionRestoresStock(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, a, _ := f.order100(t)

	res, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_rev", 50000))
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	reduced := res.Transactions[0]
	require.Equal(t, a.ID, reduced.ProductVariantID)

	inverse, err := f.coord.ReverseStockTransaction(ctx, reduced.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inverse.Quantity)
	assert.Equal(t, 10, f.stock(t, a.ID))

	cached, ok := f.cache.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, 10, cached)

	_, err = f.coord.ReverseStockTransaction(ctx, reduced.ID)
	assert.ErrorIs(t, err, ErrAlreadyReversed)
	assert.Equal(t, 10, f.stock(t, a.ID))

	_, err = f.coord.ReverseStockTransaction(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResultErrReportsSignatureFailure(t *testing.T) {
	assert.NoError(t, (&ReconciliationResult{Outcome: OutcomePaid}).Err())
	assert.NoError(t, (&ReconciliationResult{Outcome: OutcomeFlagged}).Err())

	err := (&ReconciliationResult{Outcome: OutcomeSignatureInvalid, Reason: ReasonSignatureMismatch}).Err()
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.ErrorIs(t, (&ReconciliationResult{Outcome: OutcomeSignatureInvalid}).Err(), ErrSignatureMismatch)
}

func TestStockChangesApplyInVariantOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.variant(t, "SKU-A", 200, 10)
	b := f.variant(t, "SKU-B", 100, 5)
	require.Less(t, a.ID, b.ID)

	// lines listed with the higher variant id first
	o := f.order(t, "order_rev",
		OrderItemRequest{VariantID: b.ID, Quantity: 1},
		OrderItemRequest{VariantID: a.ID, Quantity: 2},
	)

	_, err := f.coord.Reconcile(ctx, o.ID, capturedEvent(o, "pay_rev_order", 50000))
	require.NoError(t, err)

	rows := f.ledgerRows(t, o.ID)
	require.Len(t, rows, 6)
	for i := 0; i < len(rows); i += 2 {
		assert.Equal(t, rows[i].TransactionType, rows[i+1].TransactionType)
		assert.Equal(t, a.ID, rows[i].ProductVariantID, "row %d", i)
		assert.Equal(t, b.ID, rows[i+1].ProductVariantID, "row %d", i+1)
	}
	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 4, f.stock(t, b.ID))
}

type deadlineStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	deadlines []time.Time
}

func (s *deadlineStore) WithTx(ctx context.Context, fn func(tx store.Repository) error) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.mu.Lock()
		s.deadlines = append(s.deadlines, deadline)
		s.mu.Unlock()
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestLockedWorkEndsBeforeLockExpires(t *testing.T) {
	f := newFixture(t, false)
	o, _, _ := f.order100(t)

	const ttl = 2 * time.Second
	repo := &deadlineStore{MemoryStore: f.repo}
	coord := NewCoordinator(repo, f.sm, NewLocalLocker(), nil, nil, ttl)

	before := time.Now()
	res, err := coord.Reconcile(context.Background(), o.ID, capturedEvent(o, "pay_ttl", 50000))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)

	require.NotEmpty(t, repo.deadlines)
	for _, deadline := range repo.deadlines {
		assert.Less(t, deadline.Sub(before), ttl)
	}
}

func TestLateStockMirrorDoesNotOverwriteNewer(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.variant(t, "SKU-A", 100, 10)
	first := f.order(t, "order_m1", OrderItemRequest{VariantID: a.ID, Quantity: 1})
	second := f.order(t, "order_m2", OrderItemRequest{VariantID: a.ID, Quantity: 2})

	res1, err := f.coord.Reconcile(ctx, first.ID, capturedEvent(first, "pay_m1", 10000))
	require.NoError(t, err)
	_, err = f.coord.Reconcile(ctx, second.ID, capturedEvent(second, "pay_m2", 20000))
	require.NoError(t, err)
	require.Equal(t, 7, f.stock(t, a.ID))

	// the first reconciliation's mirror write arriving after the second one
	f.coord.mirrorStock(ctx, res1.Transactions)

	cached, ok := f.cache.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, 7, cached)
}
