package service

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKeySecret     = "rzp_key_secret_test"
	testWebhookSecret = "rzp_webhook_secret_test"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.OrderStatusChangedEvent
	err    error
}

func (f *fakePublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakePublisher) published() []*models.OrderStatusChangedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.OrderStatusChangedEvent(nil), f.events...)
}

type fakeCache struct {
	mu       sync.Mutex
	stock    map[int64]int
	versions map[int64]int64
}

func (f *fakeCache) SetStock(ctx context.Context, variantID int64, stock int, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.versions[variantID]; ok && version <= current {
		return nil
	}
	f.stock[variantID] = stock
	f.versions[variantID] = version
	return nil
}

func (f *fakeCache) get(variantID int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stock[variantID]
	return v, ok
}

type fixture struct {
	repo     *store.MemoryStore
	ledger   *Ledger
	verifier *PaymentVerifier
	sm       *StateMachine
	coord    *Coordinator
	locker   *LocalLocker
	orders   *OrderService
	webhooks *WebhookProcessor
	pub      *fakePublisher
	cache    *fakeCache
}

func newFixture(t *testing.T, reserveOnCheckout bool) *fixture {
	t.Helper()

	f := &fixture{
		repo:     store.NewMemoryStore(),
		ledger:   NewLedger(),
		verifier: NewPaymentVerifier(testKeySecret, testWebhookSecret),
		pub:      &fakePublisher{},
		cache:    &fakeCache{stock: make(map[int64]int), versions: make(map[int64]int64)},
		locker:   NewLocalLocker(),
	}
	f.sm = NewStateMachine(f.ledger, f.verifier)
	f.coord = NewCoordinator(f.repo, f.sm, f.locker, f.pub, f.cache, 5*time.Second)
	f.orders = NewOrderService(f.repo, f.sm, f.cache, reserveOnCheckout)
	f.webhooks = NewWebhookProcessor(f.repo, f.coord, f.verifier, 5*time.Second)
	return f
}

func (f *fixture) variant(t *testing.T, sku string, price int64, stock int) *models.ProductVariant {
	t.Helper()
	v, err := f.orders.CreateVariant(context.Background(), &CreateVariantRequest{
		ProductID: 1,
		Price:     decimal.NewFromInt(price),
		Stock:     stock,
		SKU:       sku,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) order(t *testing.T, razorpayOrderID string, items ...OrderItemRequest) *models.Order {
	t.Helper()
	resp, err := f.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		CustomerID:      42,
		RazorpayOrderID: razorpayOrderID,
		Items:           items,
	})
	require.NoError(t, err)
	return f.reload(t, resp.OrderID)
}

func (f *fixture) reload(t *testing.T, orderID int64) *models.Order {
	t.Helper()
	o, err := f.repo.GetOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func (f *fixture) stock(t *testing.T, variantID int64) int {
	t.Helper()
	v, err := f.repo.GetVariant(context.Background(), variantID)
	require.NoError(t, err)
	return v.Stock
}

func (f *fixture) ledgerRows(t *testing.T, orderID int64) []models.StockTransaction {
	t.Helper()
	rows, err := f.repo.ListStockTransactionsByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return rows
}

// order100 builds the reference order: amount 500, variant A (qty 2 of 10)
// and variant B (qty 1 of 5).
func (f *fixture) order100(t *testing.T) (*models.Order, *models.ProductVariant, *models.ProductVariant) {
	t.Helper()
	a := f.variant(t, "SKU-A", 200, 10)
	b := f.variant(t, "SKU-B", 100, 5)
	o := f.order(t, "order_100",
		OrderItemRequest{VariantID: a.ID, Quantity: 2},
		OrderItemRequest{VariantID: b.ID, Quantity: 1},
	)
	require.True(t, decimal.NewFromInt(500).Equal(o.Amount))
	return o, a, b
}

func capturedEvent(o *models.Order, paymentID string, amountPaise int64) PaymentEvent {
	return PaymentEvent{
		Kind:              PaymentEventCaptured,
		Source:            SourceWebhook,
		RazorpayOrderID:   o.RazorpayOrderID,
		RazorpayPaymentID: paymentID,
		AmountPaise:       amountPaise,
		Currency:          "INR",
	}
}

func clientEvent(o *models.Order, paymentID, signature string) PaymentEvent {
	return PaymentEvent{
		Kind:              PaymentEventCaptured,
		Source:            SourceClient,
		RazorpayOrderID:   o.RazorpayOrderID,
		RazorpayPaymentID: paymentID,
		Signature:         signature,
	}
}

func checkoutSignature(razorpayOrderID, paymentID string) string {
	return ComputeSignature([]byte(testKeySecret), []byte(razorpayOrderID+"|"+paymentID))
}

func paymentWebhook(t *testing.T, event, razorpayOrderID, paymentID string, amountPaise int64) []byte {
	t.Helper()
	hook := models.RazorpayWebhook{
		Entity:   "event",
		Event:    event,
		Contains: []string{"payment"},
		Payload: models.RazorpayPayload{
			Payment: &models.RazorpayPaymentWrapper{Entity: models.RazorpayPaymentEntity{
				ID:       paymentID,
				Amount:   amountPaise,
				Currency: "INR",
				Status:   "captured",
				OrderID:  razorpayOrderID,
				Method:   "upi",
				Captured: true,
			}},
		},
		CreatedAt: time.Now().Unix(),
	}
	body, err := json.Marshal(hook)
	require.NoError(t, err)
	return body
}

func refundWebhook(t *testing.T, paymentID, refundID string, amountPaise int64) []byte {
	t.Helper()
	hook := models.RazorpayWebhook{
		Entity:   "event",
		Event:    models.RazorpayEventRefundProcessed,
		Contains: []string{"refund"},
		Payload: models.RazorpayPayload{
			Refund: &models.RazorpayRefundWrapper{Entity: models.RazorpayRefundEntity{
				ID:        refundID,
				Amount:    amountPaise,
				Currency:  "INR",
				PaymentID: paymentID,
				Status:    "processed",
			}},
		},
	}
	body, err := json.Marshal(hook)
	require.NoError(t, err)
	return body
}

func signedHeaders(body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderRazorpaySignature, ComputeSignature([]byte(testWebhookSecret), body))
	h.Set("Content-Type", "application/json")
	return h
}

func sumQuantity(rows []models.StockTransaction, types ...models.StockTransactionType) int {
	total := 0
	for _, row := range rows {
		for _, typ := range types {
			if row.TransactionType == typ {
				total += row.Quantity
			}
		}
	}
	return total
}
