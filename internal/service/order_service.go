package service

import (
	"context"
	"errors"
	"fmt"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultCurrency = "INR"

// OrderService handles checkout and read-side order logic
type OrderService struct {
	repo              store.Repository
	sm                *StateMachine
	cache             StockCache
	reserveOnCheckout bool
	logger            *zap.Logger
}

// NewOrderService creates a new order service. cache may be nil.
func NewOrderService(repo store.Repository, sm *StateMachine, cache StockCache, reserveOnCheckout bool) *OrderService {
	return &OrderService{
		repo:              repo,
		sm:                sm,
		cache:             cache,
		reserveOnCheckout: reserveOnCheckout,
		logger:            util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout submission
type CreateOrderRequest struct {
	CustomerID      int64              `json:"customer_id" binding:"required"`
	RazorpayOrderID string             `json:"razorpay_order_id" binding:"required"`
	Currency        string             `json:"currency,omitempty"`
	Receipt         string             `json:"receipt,omitempty"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// OrderItemRequest represents a line in a checkout submission
type OrderItemRequest struct {
	VariantID int64 `json:"product_variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID         int64              `json:"order_id"`
	RazorpayOrderID string             `json:"razorpay_order_id"`
	Amount          decimal.Decimal    `json:"amount"`
	Status          models.OrderStatus `json:"status"`
	Existing        bool               `json:"existing"`
}

// OrderView is the full read model of one order
type OrderView struct {
	Order             *models.Order               `json:"order"`
	Records           []models.OrderRecord        `json:"records"`
	Payments          []models.Payment            `json:"payments"`
	StockTransactions []models.StockTransaction   `json:"stock_transactions"`
	History           []models.OrderStatusHistory `json:"history"`
}

// CreateVariantRequest represents a request to register a sellable variant
type CreateVariantRequest struct {
	ProductID        int64           `json:"product_id" binding:"required"`
	UnitValueID      int64           `json:"unit_value_id"`
	Price            decimal.Decimal `json:"price" binding:"required"`
	Stock            int             `json:"stock" binding:"min=0"`
	SKU              string          `json:"sku" binding:"required"`
	IsDefaultVariant bool            `json:"is_default_variant"`
}

// CreateOrder creates an order and its lines atomically. Submissions are
// idempotent on razorpay_order_id.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	if existing, err := s.existingOrder(ctx, req.RazorpayOrderID); err != nil || existing != nil {
		return existing, err
	}

	var order *models.Order
	var reserved []models.StockTransaction
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		records, total, err := s.buildRecords(ctx, tx, req.Items)
		if err != nil {
			return err
		}

		order = &models.Order{
			RazorpayOrderID: req.RazorpayOrderID,
			CustomerID:      req.CustomerID,
			Amount:          total,
			PaidAmount:      decimal.Zero,
			DueAmount:       total,
			RefundedAmount:  decimal.Zero,
			Currency:        req.Currency,
			Status:          models.OrderStatusCreated,
			Receipt:         req.Receipt,
		}
		if order.Currency == "" {
			order.Currency = defaultCurrency
		}
		if order.Receipt == "" {
			order.Receipt = "rcpt_" + uuid.New().String()[:8]
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for i := range records {
			records[i].OrderID = order.ID
			if err := tx.CreateOrderRecord(ctx, &records[i]); err != nil {
				return fmt.Errorf("failed to create order record: %w", err)
			}
		}

		if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
			OrderID:  order.ID,
			ToStatus: models.OrderStatusCreated,
			Event:    "OrderCreated",
		}); err != nil {
			return fmt.Errorf("failed to record status history: %w", err)
		}

		if !s.reserveOnCheckout {
			return nil
		}
		if err := s.sm.reserveStock(ctx, tx, order, records); err != nil {
			return err
		}
		reserved, err = tx.ListStockTransactionsByOrder(ctx, order.ID)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		// lost a race with a concurrent submission of the same gateway order
		return s.existingOrder(ctx, req.RazorpayOrderID)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.mirrorStock(ctx, reserved)
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("razorpay_order_id", order.RazorpayOrderID),
		zap.String("amount", order.Amount.StringFixed(2)),
		zap.Bool("reserved", s.reserveOnCheckout))

	return &CreateOrderResponse{
		OrderID:         order.ID,
		RazorpayOrderID: order.RazorpayOrderID,
		Amount:          order.Amount,
		Status:          order.Status,
	}, nil
}

func (s *OrderService) existingOrder(ctx context.Context, razorpayOrderID string) (*CreateOrderResponse, error) {
	order, err := s.repo.GetOrderByRazorpayOrderID(ctx, razorpayOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("razorpay_order_id", razorpayOrderID),
		zap.Int64("order_id", order.ID))
	return &CreateOrderResponse{
		OrderID:         order.ID,
		RazorpayOrderID: order.RazorpayOrderID,
		Amount:          order.Amount,
		Status:          order.Status,
		Existing:        true,
	}, nil
}

// buildRecords prices every line from its variant
func (s *OrderService) buildRecords(ctx context.Context, tx store.Repository, items []OrderItemRequest) ([]models.OrderRecord, decimal.Decimal, error) {
	records := make([]models.OrderRecord, 0, len(items))
	total := decimal.Zero

	for _, item := range items {
		variant, err := tx.GetVariant(ctx, item.VariantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, total, fmt.Errorf("%w: variant %d not found", ErrInvalidRequest, item.VariantID)
		}
		if err != nil {
			return nil, total, fmt.Errorf("failed to get variant: %w", err)
		}
		if !variant.IsActive {
			return nil, total, fmt.Errorf("%w: variant %d is not active", ErrInvalidRequest, item.VariantID)
		}

		lineTotal := variant.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		records = append(records, models.OrderRecord{
			ProductVariantID: variant.ID,
			ProductID:        variant.ProductID,
			Quantity:         item.Quantity,
			Price:            variant.Price,
			Total:            lineTotal,
		})
		total = total.Add(lineTotal)
	}
	return records, total, nil
}

// GetOrder retrieves an order with its lines, payments, ledger and history
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	view := &OrderView{Order: order}
	if view.Records, err = s.repo.GetOrderRecords(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get order records: %w", err)
	}
	if view.Payments, err = s.repo.ListPaymentsByOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if view.StockTransactions, err = s.repo.ListStockTransactionsByOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to list stock transactions: %w", err)
	}
	if view.History, err = s.repo.GetStatusHistory(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	return view, nil
}

// GetOrderIDByRazorpayOrderID maps a gateway order id to the local order
func (s *OrderService) GetOrderIDByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (int64, error) {
	order, err := s.repo.GetOrderByRazorpayOrderID(ctx, razorpayOrderID)
	if err != nil {
		return 0, err
	}
	return order.ID, nil
}

// CreateVariant registers a variant with its opening stock
func (s *OrderService) CreateVariant(ctx context.Context, req *CreateVariantRequest) (*models.ProductVariant, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateVariant")
	defer span.End()

	if req.Stock < 0 || !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive and stock non-negative", ErrInvalidRequest)
	}

	variant := &models.ProductVariant{
		ProductID:        req.ProductID,
		UnitValueID:      req.UnitValueID,
		Price:            req.Price,
		Stock:            req.Stock,
		SKU:              req.SKU,
		IsDefaultVariant: req.IsDefaultVariant,
		IsActive:         true,
	}
	if err := s.repo.CreateVariant(ctx, variant); err != nil {
		return nil, fmt.Errorf("failed to create variant: %w", err)
	}

	if s.cache != nil {
		// version 0 sits below every ledger row
		if err := s.cache.SetStock(ctx, variant.ID, variant.Stock, 0); err != nil {
			s.logger.Warn("Failed to mirror stock", zap.Int64("variant_id", variant.ID), zap.Error(err))
		}
	}
	return variant, nil
}

// GetVariant retrieves a variant by ID
func (s *OrderService) GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	return s.repo.GetVariant(ctx, variantID)
}

// ListVariants retrieves all variants
func (s *OrderService) ListVariants(ctx context.Context) ([]models.ProductVariant, error) {
	return s.repo.ListVariants(ctx)
}

func (s *OrderService) mirrorStock(ctx context.Context, rows []models.StockTransaction) {
	if s.cache == nil {
		return
	}
	for _, row := range latestPerVariant(rows) {
		if err := s.cache.SetStock(ctx, row.ProductVariantID, row.NewStock, row.ID); err != nil {
			s.logger.Warn("Failed to mirror stock", zap.Int64("variant_id", row.ProductVariantID), zap.Error(err))
		}
	}
}

func validateOrderRequest(req *CreateOrderRequest) error {
	if req == nil || req.RazorpayOrderID == "" || req.CustomerID == 0 {
		return fmt.Errorf("%w: customer_id and razorpay_order_id are required", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for variant %d", ErrInvalidRequest, item.VariantID)
		}
	}
	return nil
}
