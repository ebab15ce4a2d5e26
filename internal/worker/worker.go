package worker

import (
	"context"
	"time"

	"reconciliation-service/internal/broker"
	"reconciliation-service/internal/models"
	"reconciliation-service/internal/service"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"go.uber.org/zap"
)

// Notifier delivers an order status change to the customer
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by the global logger
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

func (n *LogNotifier) NotifyStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	n.logger.Info("Customer notification",
		zap.Int64("order_id", event.OrderID),
		zap.Int64("customer_id", event.CustomerID),
		zap.String("from", string(event.FromStatus)),
		zap.String("to", string(event.ToStatus)),
		zap.String("reason", event.Reason))
	return nil
}

// NotificationWorker consumes order status changes and notifies customers
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	notifier     Notifier
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifier Notifier) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		notifier:     notifier,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderStatusChanged(w.handleStatusChanged)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	// only terminal and review outcomes concern the customer
	switch event.ToStatus {
	case models.OrderStatusCreated, models.OrderStatusFlagged:
		return nil
	}
	return w.notifier.NotifyStatusChanged(ctx, event)
}

// OrderExpirer fails a stale order
type OrderExpirer interface {
	ExpireOrder(ctx context.Context, orderID int64) (*service.ReconciliationResult, error)
}

const expiryBatchSize = 100

// ExpiryWorker periodically fails Created orders that never got paid
type ExpiryWorker struct {
	repo     store.Repository
	expirer  OrderExpirer
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(repo store.Repository, expirer OrderExpirer, maxAge, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{
		repo:     repo,
		expirer:  expirer,
		maxAge:   maxAge,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps on every tick until ctx is done
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry worker",
		zap.Duration("max_age", w.maxAge),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping expiry worker")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep expires one batch of stale orders and returns how many it failed.
// Orders that moved on since the listing are skipped.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-w.maxAge)
	orders, err := w.repo.ListOrdersByStatusBefore(ctx, models.OrderStatusCreated, cutoff, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := w.expirer.ExpireOrder(ctx, o.ID)
		switch {
		case err == nil:
			expired++
		case service.IsInvalidTransition(err):
			w.logger.Debug("Order no longer expirable", zap.Int64("order_id", o.ID))
		default:
			w.logger.Error("Failed to expire order", zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}

	if expired > 0 {
		w.logger.Info("Expired stale orders", zap.Int("count", expired))
	}
	return expired, nil
}
