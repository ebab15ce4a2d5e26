package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reconciliation-service/internal/models"
)

// MemoryStore is an in-process Repository. A single mutex serializes every
// call and WithTx holds it for the whole scope, so row locks are implicit.
type MemoryStore struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

type memState struct {
	variants map[int64]models.ProductVariant
	orders   map[int64]models.Order
	records  []models.OrderRecord
	payments map[int64]models.Payment
	refunds  []models.Refund
	stockTxs []models.StockTransaction
	webhooks []models.WebhookLog
	history  []models.OrderStatusHistory
	nextID   map[string]int64
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		st: &memState{
			variants: make(map[int64]models.ProductVariant),
			orders:   make(map[int64]models.Order),
			payments: make(map[int64]models.Payment),
			nextID:   make(map[string]int64),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		variants: make(map[int64]models.ProductVariant, len(s.variants)),
		orders:   make(map[int64]models.Order, len(s.orders)),
		records:  append([]models.OrderRecord(nil), s.records...),
		payments: make(map[int64]models.Payment, len(s.payments)),
		refunds:  append([]models.Refund(nil), s.refunds...),
		stockTxs: append([]models.StockTransaction(nil), s.stockTxs...),
		webhooks: append([]models.WebhookLog(nil), s.webhooks...),
		history:  append([]models.OrderStatusHistory(nil), s.history...),
		nextID:   make(map[string]int64, len(s.nextID)),
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	return c
}

func (s *memState) id(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

// lock takes the store mutex unless the caller is already inside WithTx.
func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx runs fn atomically; on error every change made by fn is discarded.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if m.inTx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	err := fn(&MemoryStore{mu: m.mu, st: m.st, inTx: true})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) CreateVariant(ctx context.Context, v *models.ProductVariant) error {
	defer m.lock()()

	for _, existing := range m.st.variants {
		if v.SKU != "" && existing.SKU == v.SKU {
			return fmt.Errorf("%w: sku %s", ErrDuplicate, v.SKU)
		}
	}
	now := time.Now()
	v.ID = m.st.id("variants")
	v.CreatedAt, v.UpdatedAt = now, now
	m.st.variants[v.ID] = *v
	return nil
}

func (m *MemoryStore) GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	defer m.lock()()

	v, ok := m.st.variants[id]
	if !ok {
		return nil, fmt.Errorf("variant %d: %w", id, ErrNotFound)
	}
	return &v, nil
}

func (m *MemoryStore) LockVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	return m.GetVariant(ctx, id)
}

func (m *MemoryStore) UpdateVariantStock(ctx context.Context, id int64, stock int) error {
	defer m.lock()()

	v, ok := m.st.variants[id]
	if !ok {
		return fmt.Errorf("variant %d: %w", id, ErrNotFound)
	}
	if stock < 0 {
		return fmt.Errorf("variant %d: stock %d violates non-negative constraint", id, stock)
	}
	v.Stock = stock
	v.UpdatedAt = time.Now()
	m.st.variants[id] = v
	return nil
}

func (m *MemoryStore) ListVariants(ctx context.Context) ([]models.ProductVariant, error) {
	defer m.lock()()

	out := make([]models.ProductVariant, 0, len(m.st.variants))
	for _, v := range m.st.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	defer m.lock()()

	for _, existing := range m.st.orders {
		if existing.RazorpayOrderID == order.RazorpayOrderID {
			return fmt.Errorf("%w: razorpay_order_id %s", ErrDuplicate, order.RazorpayOrderID)
		}
	}
	now := time.Now()
	order.ID = m.st.id("orders")
	order.CreatedAt, order.UpdatedAt = now, now
	m.st.orders[order.ID] = *order
	return nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	defer m.lock()()

	o, ok := m.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (m *MemoryStore) GetOrderByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (*models.Order, error) {
	defer m.lock()()

	for _, o := range m.st.orders {
		if o.RazorpayOrderID == razorpayOrderID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", razorpayOrderID, ErrNotFound)
}

func (m *MemoryStore) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return m.GetOrderByID(ctx, id)
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	defer m.lock()()

	existing, ok := m.st.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %d: %w", order.ID, ErrNotFound)
	}
	existing.PaidAmount = order.PaidAmount
	existing.DueAmount = order.DueAmount
	existing.RefundedAmount = order.RefundedAmount
	existing.Status = order.Status
	existing.PaymentID = order.PaymentID
	existing.Signature = order.Signature
	existing.UpdatedAt = time.Now()
	m.st.orders[order.ID] = existing
	order.UpdatedAt = existing.UpdatedAt
	return nil
}

func (m *MemoryStore) ListOrdersByStatusBefore(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]models.Order, error) {
	defer m.lock()()

	var out []models.Order
	for _, o := range m.st.orders {
		if o.Status == status && o.CreatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateOrderRecord(ctx context.Context, rec *models.OrderRecord) error {
	defer m.lock()()

	if _, ok := m.st.orders[rec.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", rec.OrderID, ErrNotFound)
	}
	rec.ID = m.st.id("order_records")
	m.st.records = append(m.st.records, *rec)
	return nil
}

func (m *MemoryStore) GetOrderRecords(ctx context.Context, orderID int64) ([]models.OrderRecord, error) {
	defer m.lock()()

	var out []models.OrderRecord
	for _, r := range m.st.records {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	defer m.lock()()

	h.ID = m.st.id("order_status_history")
	h.CreatedAt = time.Now()
	m.st.history = append(m.st.history, *h)
	return nil
}

func (m *MemoryStore) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	defer m.lock()()

	var out []models.OrderStatusHistory
	for _, h := range m.st.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	defer m.lock()()

	for _, existing := range m.st.payments {
		if existing.RazorpayPaymentID == p.RazorpayPaymentID {
			return fmt.Errorf("%w: razorpay_payment_id %s", ErrDuplicate, p.RazorpayPaymentID)
		}
	}
	now := time.Now()
	p.ID = m.st.id("payments")
	p.CreatedAt, p.UpdatedAt = now, now
	m.st.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	defer m.lock()()

	existing, ok := m.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	p.RazorpayPaymentID = existing.RazorpayPaymentID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	m.st.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error) {
	defer m.lock()()

	for _, p := range m.st.payments {
		if p.RazorpayPaymentID == razorpayPaymentID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payment %s: %w", razorpayPaymentID, ErrNotFound)
}

func (m *MemoryStore) LockPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error) {
	return m.GetPaymentByRazorpayID(ctx, razorpayPaymentID)
}

func (m *MemoryStore) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error) {
	defer m.lock()()

	var out []models.Payment
	for _, p := range m.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRefund(ctx context.Context, r *models.Refund) error {
	defer m.lock()()

	for _, existing := range m.st.refunds {
		if existing.RazorpayRefundID == r.RazorpayRefundID {
			return fmt.Errorf("%w: razorpay_refund_id %s", ErrDuplicate, r.RazorpayRefundID)
		}
	}
	r.ID = m.st.id("refunds")
	r.CreatedAt = time.Now()
	m.st.refunds = append(m.st.refunds, *r)
	return nil
}

func (m *MemoryStore) GetRefundByRazorpayID(ctx context.Context, razorpayRefundID string) (*models.Refund, error) {
	defer m.lock()()

	for _, r := range m.st.refunds {
		if r.RazorpayRefundID == razorpayRefundID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("refund %s: %w", razorpayRefundID, ErrNotFound)
}

func (m *MemoryStore) InsertStockTransaction(ctx context.Context, st *models.StockTransaction) error {
	defer m.lock()()

	if st.NewStock != st.PreviousStock+st.Quantity {
		return fmt.Errorf("stock transaction violates new_stock = previous_stock + quantity")
	}
	st.ID = m.st.id("stock_transactions")
	st.CreatedAt = time.Now()
	m.st.stockTxs = append(m.st.stockTxs, *st)
	return nil
}

func (m *MemoryStore) GetStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error) {
	defer m.lock()()

	for _, st := range m.st.stockTxs {
		if st.ID == id {
			return &st, nil
		}
	}
	return nil, fmt.Errorf("stock transaction %d: %w", id, ErrNotFound)
}

func (m *MemoryStore) LockStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error) {
	return m.GetStockTransaction(ctx, id)
}

func (m *MemoryStore) MarkStockTransactionReversed(ctx context.Context, id, reversedBy int64) error {
	defer m.lock()()

	for i := range m.st.stockTxs {
		st := &m.st.stockTxs[i]
		if st.ID != id || st.IsReversed {
			continue
		}
		st.IsReversed = true
		st.ReversedByTransactionID = &reversedBy
		return nil
	}
	return fmt.Errorf("stock transaction %d: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListStockTransactionsByOrder(ctx context.Context, orderID int64) ([]models.StockTransaction, error) {
	defer m.lock()()

	var out []models.StockTransaction
	for _, st := range m.st.stockTxs {
		if st.OrderID == orderID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	defer m.lock()()

	l.ID = m.st.id("webhook_logs")
	l.CreatedAt = time.Now()
	m.st.webhooks = append(m.st.webhooks, *l)
	return nil
}

func (m *MemoryStore) FindProcessedWebhookLog(ctx context.Context, razorpayPaymentID, event, razorpayRefundID string) (*models.WebhookLog, error) {
	defer m.lock()()

	for _, l := range m.st.webhooks {
		if l.RazorpayPaymentID == razorpayPaymentID && l.Event == event &&
			l.RazorpayRefundID == razorpayRefundID && l.Status == models.WebhookLogStatusProcessed {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("processed webhook %s/%s: %w", razorpayPaymentID, event, ErrNotFound)
}

func (m *MemoryStore) ListWebhookLogsByPayment(ctx context.Context, razorpayPaymentID string) ([]models.WebhookLog, error) {
	defer m.lock()()

	var out []models.WebhookLog
	for _, l := range m.st.webhooks {
		if l.RazorpayPaymentID == razorpayPaymentID {
			out = append(out, l)
		}
	}
	return out, nil
}
