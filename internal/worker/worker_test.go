package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/service"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*models.OrderStatusChangedEvent
}

func (n *recordingNotifier) NotifyStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func TestNotificationWorkerSkipsInternalStatuses(t *testing.T) {
	n := &recordingNotifier{}
	w := NewNotificationWorker(nil, n)

	for _, to := range []models.OrderStatus{models.OrderStatusFlagged, models.OrderStatusPaid, models.OrderStatusRefunded} {
		value, err := json.Marshal(&models.OrderStatusChangedEvent{
			BaseEvent: models.BaseEvent{EventID: "evt", EventType: models.EventTypeOrderStatusChanged},
			OrderID:   1,
			ToStatus:  to,
		})
		require.NoError(t, err)
		require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	}

	require.Len(t, n.events, 2)
	assert.Equal(t, models.OrderStatusPaid, n.events[0].ToStatus)
	assert.Equal(t, models.OrderStatusRefunded, n.events[1].ToStatus)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier().NotifyStatusChanged(context.Background(), &models.OrderStatusChangedEvent{OrderID: 1}))
}

type fakeExpirer struct {
	mu      sync.Mutex
	expired []int64
	stale   map[int64]bool
}

func (f *fakeExpirer) ExpireOrder(ctx context.Context, orderID int64) (*service.ReconciliationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[orderID] {
		return nil, &service.InvalidTransitionError{From: models.OrderStatusPaid, To: models.OrderStatusFailed, Event: service.EventOrderExpired}
	}
	f.expired = append(f.expired, orderID)
	return &service.ReconciliationResult{OrderID: orderID, OrderStatus: models.OrderStatusFailed}, nil
}

func seedOrder(t *testing.T, repo store.Repository, gatewayID string, status models.OrderStatus) int64 {
	t.Helper()
	o := &models.Order{
		RazorpayOrderID: gatewayID,
		CustomerID:      1,
		Amount:          decimal.NewFromInt(100),
		DueAmount:       decimal.NewFromInt(100),
		Currency:        "INR",
		Status:          status,
		Receipt:         "rcpt_" + gatewayID,
	}
	require.NoError(t, repo.CreateOrder(context.Background(), o))
	return o.ID
}

func TestExpiryWorkerSweepsCreatedOrders(t *testing.T) {
	repo := store.NewMemoryStore()
	created := seedOrder(t, repo, "order_1", models.OrderStatusCreated)
	raced := seedOrder(t, repo, "order_2", models.OrderStatusCreated)
	seedOrder(t, repo, "order_3", models.OrderStatusPaid)

	expirer := &fakeExpirer{stale: map[int64]bool{raced: true}}
	// a negative age makes every Created order stale
	w := NewExpiryWorker(repo, expirer, -time.Minute, time.Hour)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{created}, expirer.expired)
}

func TestExpiryWorkerLeavesFreshOrders(t *testing.T) {
	repo := store.NewMemoryStore()
	seedOrder(t, repo, "order_1", models.OrderStatusCreated)

	expirer := &fakeExpirer{}
	w := NewExpiryWorker(repo, expirer, time.Hour, time.Hour)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, expirer.expired)
}

func TestExpiryWorkerStopsOnCancel(t *testing.T) {
	w := NewExpiryWorker(store.NewMemoryStore(), &fakeExpirer{}, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("expiry worker did not stop")
	}
}

func TestExpiryWorkerWithCoordinator(t *testing.T) {
	repo := store.NewMemoryStore()
	ledger := service.NewLedger()
	sm := service.NewStateMachine(ledger, service.NewPaymentVerifier("k", "w"))
	coord := service.NewCoordinator(repo, sm, service.NewLocalLocker(), nil, nil, time.Second)
	orders := service.NewOrderService(repo, sm, nil, true)

	v, err := orders.CreateVariant(context.Background(), &service.CreateVariantRequest{
		ProductID: 1, Price: decimal.NewFromInt(50), Stock: 4, SKU: "SKU-1",
	})
	require.NoError(t, err)
	resp, err := orders.CreateOrder(context.Background(), &service.CreateOrderRequest{
		CustomerID: 1, RazorpayOrderID: "order_exp",
		Items: []service.OrderItemRequest{{VariantID: v.ID, Quantity: 3}},
	})
	require.NoError(t, err)

	w := NewExpiryWorker(repo, coord, -time.Minute, time.Hour)
	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := repo.GetOrderByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, o.Status)

	restocked, err := repo.GetVariant(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, restocked.Stock)
}
