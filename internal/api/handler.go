package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID      = "X-User-ID"
	headerUserRole    = "X-User-Role"
	headerIdempotency = "Idempotency-Key"
	callerKey         = "caller"
)

type CartService interface {
	View(ctx context.Context, buyerID int64) (*service.CartView, error)
	AddItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error)
	UpdateItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error)
	RemoveItem(ctx context.Context, buyerID, productID int64) error
	Clear(ctx context.Context, buyerID int64) error
}

type OrderService interface {
	CreateOrder(ctx context.Context, caller models.Caller, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, caller models.Caller, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, caller models.Caller, buyerID int64) ([]models.Order, error)
	UpdateStatus(ctx context.Context, caller models.Caller, orderID int64, next models.OrderStatus) (*models.Order, error)
	CancelOrder(ctx context.Context, caller models.Caller, orderID int64) (*models.Order, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, caller models.Caller, orderID int64, method models.PaymentMethod) (*service.InitiateResult, error)
	ApplyDirect(ctx context.Context, caller models.Caller, orderID int64, next models.PaymentStatus, transactionID string) (*models.Order, error)
	HandleNotification(ctx context.Context, n service.Notification) (*service.WebhookResult, error)
}

type RefundService interface {
	RequestRefund(ctx context.Context, caller models.Caller, orderID int64, req service.RefundRequest) (*models.Order, error)
}

// NotificationRelay is implemented by *broker.NotificationRelay.
type NotificationRelay interface {
	RelayPaymentNotification(ctx context.Context, event *models.PaymentNotificationEvent) error
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the handler's collaborators. Relay is optional; when set, webhooks
// are queued instead of processed inline.
type Services struct {
	Carts    CartService
	Orders   OrderService
	Payments PaymentService
	Refunds  RefundService
	Relay    NotificationRelay
}

// Options controls response behaviour
type Options struct {
	// Development exposes internal error details to clients.
	Development bool
	CORSOrigin  string
	Readiness   map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	return &Handler{
		svc:    svc,
		opts:   opts,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(corsMiddleware(h.opts.CORSOrigin))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", h.paymentWebhook)

	authed := v1.Group("", identityMiddleware())
	{
		authed.GET("/cart", h.viewCart)
		authed.POST("/cart/items", h.addCartItem)
		authed.PUT("/cart/items/:productId", h.updateCartItem)
		authed.DELETE("/cart/items/:productId", h.removeCartItem)
		authed.DELETE("/cart", h.clearCart)

		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.PUT("/orders/:id/status", h.updateOrderStatus)
		authed.POST("/orders/:id/cancel", h.cancelOrder)

		authed.POST("/orders/:id/payment", h.initiatePayment)
		authed.PUT("/orders/:id/payment", h.applyPayment)
		authed.POST("/orders/:id/refund", h.requestRefund)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency and reports the ones that fail
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.opts.Readiness {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = "unavailable"
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not_ready",
			"dependencies": failed,
			"time":         time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// identityMiddleware reads the caller set by the upstream auth proxy
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || buyerID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid " + headerUserID,
			})
			return
		}

		role := models.RoleUser
		if models.Role(c.GetHeader(headerUserRole)) == models.RoleAdmin {
			role = models.RoleAdmin
		}

		c.Set(callerKey, models.Caller{BuyerID: buyerID, Role: role})
		c.Next()
	}
}

func callerFrom(c *gin.Context) models.Caller {
	return c.MustGet(callerKey).(models.Caller)
}

// corsMiddleware allows the storefront frontend origin
func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers",
				"Content-Type, Authorization, "+headerUserID+", "+headerUserRole+", "+headerIdempotency)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps a service error onto its status. Details of unexpected errors
// are only returned in development.
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)

	body := gin.H{"error": code}
	if apperr.IsInternal(err) {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		if h.opts.Development {
			body["details"] = err.Error()
		}
	} else if !errors.Is(err, apperr.ErrGateway) || h.opts.Development {
		body["details"] = err.Error()
	}

	c.JSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": "validation_error", "details": message}
	if err != nil && h.opts.Development {
		body["cause"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "invalid "+name, nil)
		return 0, false
	}
	return id, true
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
