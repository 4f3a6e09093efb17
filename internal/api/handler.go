package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/service"
	"p2c-service/internal/util"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders          *service.OrderService
	payments        *service.PaymentService
	recon           *service.ReconciliationService
	inventory       *service.InventoryLedger
	signatureHeader string
	checks          map[string]ReadinessCheck
	logger          *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	recon *service.ReconciliationService,
	inventory *service.InventoryLedger,
	signatureHeader string,
) *Handler {
	if signatureHeader == "" {
		signatureHeader = "X-Signature"
	}
	return &Handler{
		orders:          orders,
		payments:        payments,
		recon:           recon,
		inventory:       inventory,
		signatureHeader: signatureHeader,
		checks:          map[string]ReadinessCheck{},
		logger:          util.Component("api"),
	}
}

// AddReadinessCheck registers a dependency probed by /ready.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)

		v1.POST("/payments/p2c/preregister", h.preRegister)
		v1.POST("/payments/p2c", h.charge)
		v1.POST("/payments/webhook", h.webhook)
		v1.GET("/payments/:control/status", h.pollStatus)
		v1.GET("/payments/:control/events", h.events)

		v1.GET("/inventory/:sku", h.getInventory)
		v1.POST("/inventory/:sku/recalculate", h.recalculate)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
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
			"status": "not_ready",
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

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	view, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err, nil)
		return
	}

	c.JSON(http.StatusCreated, view)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	view, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) preRegister(c *gin.Context) {
	var req service.ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.payments.PreRegister(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// charge runs a synchronous P2C charge. A declined charge still returns
// the transaction so the client can show the voucher.
func (h *Handler) charge(c *gin.Context) {
	var req service.ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.payments.Charge(c.Request.Context(), &req)
	if err != nil {
		if resp != nil {
			h.fail(c, err, resp)
		} else {
			h.fail(c, err, nil)
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.recon.OnWebhook(c.Request.Context(), body, c.GetHeader(h.signatureHeader))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) pollStatus(c *gin.Context) {
	res, err := h.recon.PollStatus(c.Request.Context(), c.Param("control"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) events(c *gin.Context) {
	events, err := h.payments.Events(c.Request.Context(), c.Param("control"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) getInventory(c *gin.Context) {
	sku := c.Param("sku")
	item, err := h.inventory.Get(c.Request.Context(), sku)
	if err != nil {
		h.fail(c, err, nil)
		return
	}

	resp := gin.H{
		"item":      item,
		"available": item.Available(),
	}
	if q := c.Query("quantity"); q != "" {
		qty, err := strconv.Atoi(q)
		if err != nil {
			badRequest(c, err)
			return
		}
		ok, err := h.inventory.CheckAvailability(c.Request.Context(), sku, qty)
		if err != nil {
			h.fail(c, err, nil)
			return
		}
		resp["can_reserve"] = ok
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) recalculate(c *gin.Context) {
	item, released, err := h.inventory.Recalculate(c.Request.Context(), c.Param("sku"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item":     item,
		"released": released,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"kind":    apperr.KindValidation,
		"details": err.Error(),
	})
}

// fail writes err with its kind-mapped status. body, when present, is the
// partial result returned alongside the error.
func (h *Handler) fail(c *gin.Context, err error, body any) {
	status := apperr.HTTPStatus(err)
	out := gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err),
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		out["error"] = appErr.Message
		if appErr.Code != "" {
			out["code"] = appErr.Code
		}
		if appErr.Voucher != "" {
			out["voucher"] = appErr.Voucher
		}
	}

	var insufficient *apperr.InsufficientInventoryError
	if errors.As(err, &insufficient) {
		out["sku"] = insufficient.SKU
		out["requested"] = insufficient.Requested
		out["available"] = insufficient.Available
	}

	if body != nil {
		out["payment"] = body
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			out["error"] = "internal error"
		}
	}
	c.JSON(status, out)
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
