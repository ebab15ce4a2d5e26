package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/service"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const verifyFailedMessage = "Payment verification failed"

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	coord    *service.Coordinator
	webhooks *service.WebhookProcessor
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are run by /ready.
func NewHandler(
	orders *service.OrderService,
	coord *service.Coordinator,
	webhooks *service.WebhookProcessor,
	checks map[string]ReadinessCheck,
) *Handler {
	return &Handler{
		orders:   orders,
		coord:    coord,
		webhooks: webhooks,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhook/payment", h.handleWebhook)
	router.POST("/order/verify", h.verifyPayment)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/variants", h.createVariant)
		v1.GET("/variants", h.listVariants)
		v1.GET("/variants/:id", h.getVariant)

		admin := v1.Group("/admin")
		admin.POST("/orders/:id/review", h.reviewOrder)
		admin.POST("/orders/:id/refunds", h.refundOrder)
		admin.POST("/stock-transactions/:id/reverse", h.reverseStockTransaction)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// handleWebhook accepts a gateway delivery. Once the audit row is written the
// gateway always gets 200 so it does not retry.
func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	entry, err := h.webhooks.Handle(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": entry.Status,
		"log_id": entry.ID,
	})
}

// verifyPayment handles the client-side checkout callback. Failures share one
// message so the caller learns nothing about which check failed.
func (h *Handler) verifyPayment(c *gin.Context) {
	var req models.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": verifyFailedMessage})
		return
	}

	ctx := c.Request.Context()
	res, err := h.verify(ctx, &req)
	if err != nil {
		h.logger.Warn("Payment verification rejected",
			zap.String("razorpay_order_id", req.RazorpayOrderID),
			zap.String("payment_id", req.RazorpayPaymentID),
			zap.Error(err))

		status := errorStatus(err)
		if status != http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": verifyFailedMessage})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   res.OrderID,
		"status":     res.OrderStatus,
		"payment_id": res.RazorpayPaymentID,
		"outcome":    res.Outcome,
	})
}

func (h *Handler) verify(ctx context.Context, req *models.VerifyPaymentRequest) (*service.ReconciliationResult, error) {
	orderID, err := h.orders.GetOrderIDByRazorpayOrderID(ctx, req.RazorpayOrderID)
	if err != nil {
		return nil, err
	}

	res, err := h.coord.Reconcile(ctx, orderID, service.PaymentEvent{
		Kind:              service.PaymentEventCaptured,
		Source:            service.SourceClient,
		RazorpayOrderID:   req.RazorpayOrderID,
		RazorpayPaymentID: req.RazorpayPaymentID,
		Signature:         req.RazorpaySignature,
	})
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create order", err)
		return
	}

	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "Invalid order ID")
	if !ok {
		return
	}

	view, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *Handler) createVariant(c *gin.Context) {
	var req service.CreateVariantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	variant, err := h.orders.CreateVariant(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create variant", err)
		return
	}
	c.JSON(http.StatusCreated, variant)
}

func (h *Handler) getVariant(c *gin.Context) {
	variantID, ok := parseID(c, "Invalid variant ID")
	if !ok {
		return
	}

	variant, err := h.orders.GetVariant(c.Request.Context(), variantID)
	if err != nil {
		respondError(c, "Variant not found", err)
		return
	}
	c.JSON(http.StatusOK, variant)
}

func (h *Handler) listVariants(c *gin.Context) {
	variants, err := h.orders.ListVariants(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list variants", err)
		return
	}
	if variants == nil {
		variants = []models.ProductVariant{}
	}
	c.JSON(http.StatusOK, gin.H{
		"variants": variants,
		"count":    len(variants),
	})
}

type reviewRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

func (h *Handler) reviewOrder(c *gin.Context) {
	orderID, ok := parseID(c, "Invalid order ID")
	if !ok {
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.coord.ResolveReview(c.Request.Context(), orderID, *req.Approve, req.Note)
	if err != nil {
		respondError(c, "Failed to resolve review", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type refundRequest struct {
	RazorpayPaymentID string               `json:"razorpay_payment_id" binding:"required"`
	RazorpayRefundID  string               `json:"razorpay_refund_id" binding:"required"`
	AmountPaise       int64                `json:"amount_paise" binding:"required,min=1"`
	Items             []service.RefundItem `json:"items" binding:"omitempty,dive"`
}

func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := parseID(c, "Invalid order ID")
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.coord.Reconcile(c.Request.Context(), orderID, service.PaymentEvent{
		Kind:              service.PaymentEventRefunded,
		Source:            service.SourceAdmin,
		RazorpayPaymentID: req.RazorpayPaymentID,
		Refund: &service.RefundRequest{
			RazorpayRefundID: req.RazorpayRefundID,
			AmountPaise:      req.AmountPaise,
			Items:            req.Items,
		},
	})
	if err != nil {
		respondError(c, "Failed to apply refund", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) reverseStockTransaction(c *gin.Context) {
	transactionID, ok := parseID(c, "Invalid stock transaction ID")
	if !ok {
		return
	}

	inverse, err := h.coord.ReverseStockTransaction(c.Request.Context(), transactionID)
	if err != nil {
		respondError(c, "Failed to reverse stock transaction", err)
		return
	}
	c.JSON(http.StatusCreated, inverse)
}

func parseID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, message string, err error) {
	c.JSON(errorStatus(err), gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func errorStatus(err error) int {
	switch {
	case service.IsInvalidTransition(err),
		errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrAlreadyReversed):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidStockChange),
		errors.Is(err, service.ErrSignatureMismatch):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// requestLogger emits one structured line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}
