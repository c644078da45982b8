package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// amountTolerance is how far a caller-supplied subtotal or total may drift from the computed one.
var amountTolerance = decimal.RequireFromString("0.01")

// DefaultCashAddress stands in for the shipping address of cash orders placed without one.
const DefaultCashAddress = "address to confirm on delivery"

// OrderConfig carries the checkout policy knobs
type OrderConfig struct {
	CashAddressFallback string
	IdempotencyTTL      time.Duration
	CheckoutLockTTL     time.Duration
}

// OrderService turns carts into orders and drives the fulfilment lifecycle
type OrderService struct {
	repo   Repository
	ledger *InventoryLedger
	guard  CheckoutGuard
	events EventPublisher
	cfg    OrderConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService creates a new order service. guard may be nil, in which case
// idempotency keys and the per-buyer checkout lock are not enforced.
func NewOrderService(
	repo Repository,
	ledger *InventoryLedger,
	guard CheckoutGuard,
	events EventPublisher,
	cfg OrderConfig,
) *OrderService {
	if cfg.CashAddressFallback == "" {
		cfg.CashAddressFallback = DefaultCashAddress
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.CheckoutLockTTL <= 0 {
		cfg.CheckoutLockTTL = 30 * time.Second
	}
	return &OrderService{
		repo:   repo,
		ledger: ledger,
		guard:  guard,
		events: events,
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// CreateOrderRequest represents a checkout request. Either Shipping or
// ShippingAddress supplies the address.
type CreateOrderRequest struct {
	Shipping        *models.ShippingInfo `json:"shipping_info,omitempty"`
	ShippingAddress string               `json:"shipping_address,omitempty"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	Subtotal        decimal.Decimal      `json:"subtotal"`
	ShippingCost    decimal.Decimal      `json:"shipping_cost"`
	Total           decimal.Decimal      `json:"total"`
	IdempotencyKey  string               `json:"-"`
}

// CreateOrder converts the buyer's cart into an order. Stock reservation, order item
// creation and cart clearing commit together or not at all.
func (s *OrderService) CreateOrder(ctx context.Context, caller models.Caller, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder",
		attribute.Int64("buyer_id", caller.BuyerID),
		attribute.String("payment_method", string(req.PaymentMethod)))
	defer span.End()

	address, err := s.validateCheckout(req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if existing := s.lookupIdempotent(ctx, caller.BuyerID, req.IdempotencyKey); existing != nil {
		return existing, nil
	}

	release, err := s.lockCheckout(ctx, caller.BuyerID)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	defer release()

	var order *models.Order
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		var txErr error
		order, txErr = s.buildOrder(ctx, tx, caller.BuyerID, address, req)
		return txErr
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		util.RecordError(span, err)
		s.logger.Warn("Checkout failed",
			zap.Int64("buyer_id", caller.BuyerID),
			zap.Error(err))
		return nil, err
	}

	if s.guard != nil && req.IdempotencyKey != "" {
		if err := s.guard.SetIdempotentOrder(ctx, caller.BuyerID, req.IdempotencyKey, order.ID, s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to store idempotency key", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.PaymentMethod)).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("items", len(order.Items)))

	s.publishOrderCreated(ctx, order)
	return order, nil
}

func (s *OrderService) validateCheckout(req *CreateOrderRequest) (string, error) {
	if req.PaymentMethod == "" {
		return "", fmt.Errorf("%w: payment_method is required", apperr.ErrValidation)
	}
	if !req.PaymentMethod.Valid() {
		return "", fmt.Errorf("%w: unsupported payment_method %q", apperr.ErrValidation, req.PaymentMethod)
	}
	if !req.Subtotal.IsPositive() {
		return "", fmt.Errorf("%w: subtotal must be greater than zero", apperr.ErrValidation)
	}
	if !req.Total.IsPositive() {
		return "", fmt.Errorf("%w: total must be greater than zero", apperr.ErrValidation)
	}
	if req.ShippingCost.IsNegative() {
		return "", fmt.Errorf("%w: shipping_cost must not be negative", apperr.ErrValidation)
	}

	address := strings.TrimSpace(req.ShippingAddress)
	if req.Shipping != nil {
		address = req.Shipping.Format()
	}
	if address == "" {
		if req.PaymentMethod != models.PaymentMethodCash {
			return "", fmt.Errorf("%w: shipping address is required", apperr.ErrValidation)
		}
		address = s.cfg.CashAddressFallback
	}
	return address, nil
}

func (s *OrderService) buildOrder(ctx context.Context, tx store.Tx, buyerID int64, address string, req *CreateOrderRequest) (*models.Order, error) {
	cart, err := tx.GetCartByBuyer(ctx, buyerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: buyer %d has no items to check out", apperr.ErrEmptyCart, buyerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	cartItems, err := tx.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	if len(cartItems) == 0 {
		return nil, fmt.Errorf("%w: buyer %d has no items to check out", apperr.ErrEmptyCart, buyerID)
	}

	subtotal := decimal.Zero
	for _, item := range cartItems {
		subtotal = subtotal.Add(item.LineTotal())
	}
	subtotal = subtotal.Round(2)
	tax := decimal.Zero
	total := subtotal.Add(req.ShippingCost).Add(tax).Round(2)

	if subtotal.Sub(req.Subtotal).Abs().GreaterThan(amountTolerance) {
		return nil, fmt.Errorf("%w: subtotal %s does not match cart subtotal %s",
			apperr.ErrValidation, req.Subtotal.StringFixed(2), subtotal.StringFixed(2))
	}
	if total.Sub(req.Total).Abs().GreaterThan(amountTolerance) {
		return nil, fmt.Errorf("%w: total %s does not match subtotal plus shipping %s",
			apperr.ErrValidation, req.Total.StringFixed(2), total.StringFixed(2))
	}

	// Lock product rows in id order so concurrent checkouts sharing products cannot deadlock.
	if err := lockProducts(ctx, tx, cartItems); err != nil {
		return nil, err
	}

	order := &models.Order{
		BuyerID:         buyerID,
		ShippingAddress: address,
		PaymentMethod:   req.PaymentMethod,
		Subtotal:        subtotal,
		ShippingCost:    req.ShippingCost.Round(2),
		Tax:             tax,
		Total:           total,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	order.Items = make([]models.OrderItem, 0, len(cartItems))
	for _, ci := range cartItems {
		if _, err := s.ledger.Reserve(ctx, tx, ci.ProductID, ci.Quantity); err != nil {
			return nil, err
		}

		item := models.OrderItem{
			OrderID:         order.ID,
			ProductID:       ci.ProductID,
			Quantity:        ci.Quantity,
			PriceAtPurchase: ci.PriceSnapshot,
		}
		if err := tx.CreateOrderItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	if _, err := tx.ClearCart(ctx, cart.ID); err != nil {
		return nil, fmt.Errorf("failed to clear cart: %w", err)
	}
	return order, nil
}

func lockProducts(ctx context.Context, tx store.Tx, items []models.CartItem) error {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// lookupIdempotent returns the order already created under key, or nil.
// Redis being unavailable only disables the shortcut.
func (s *OrderService) lookupIdempotent(ctx context.Context, buyerID int64, key string) *models.Order {
	if s.guard == nil || key == "" {
		return nil
	}

	orderID, found, err := s.guard.GetIdempotentOrder(ctx, buyerID, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.Int64("buyer_id", buyerID), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn("Idempotent order could not be loaded", zap.Int64("order_id", orderID), zap.Error(err))
		return nil
	}

	s.logger.Info("Duplicate checkout request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", orderID))
	return order
}

// lockCheckout takes the buyer's checkout lock and returns its release func.
func (s *OrderService) lockCheckout(ctx context.Context, buyerID int64) (func(), error) {
	if s.guard == nil {
		return func() {}, nil
	}

	token := uuid.New().String()
	acquired, err := s.guard.AcquireCheckoutLock(ctx, buyerID, token, s.cfg.CheckoutLockTTL)
	if err != nil {
		s.logger.Warn("Checkout lock unavailable, relying on row locks", zap.Int64("buyer_id", buyerID), zap.Error(err))
		return func() {}, nil
	}
	if !acquired {
		return nil, fmt.Errorf("%w: a checkout is already in progress for buyer %d", apperr.ErrConflict, buyerID)
	}

	return func() {
		if err := s.guard.ReleaseCheckoutLock(context.WithoutCancel(ctx), buyerID, token); err != nil {
			s.logger.Warn("Failed to release checkout lock", zap.Int64("buyer_id", buyerID), zap.Error(err))
		}
	}, nil
}

func (s *OrderService) publishOrderCreated(ctx context.Context, order *models.Order) {
	if s.events == nil {
		return
	}

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtPurchase,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated, s.now()),
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		PaymentMethod: order.PaymentMethod,
		Total:         order.Total,
		Items:         items,
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// GetOrder retrieves an order with its items for its owner or an admin
func (s *OrderService) GetOrder(ctx context.Context, caller models.Caller, orderID int64) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order) {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrForbidden, orderID)
	}
	return order, nil
}

// ListOrders lists a buyer's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, caller models.Caller, buyerID int64) ([]models.Order, error) {
	if buyerID != caller.BuyerID && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: orders of buyer %d", apperr.ErrForbidden, buyerID)
	}
	return s.repo.ListOrdersByBuyer(ctx, buyerID)
}

func (s *OrderService) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items
	return order, nil
}

// UpdateStatus moves an order along its lifecycle. Admin only.
func (s *OrderService) UpdateStatus(ctx context.Context, caller models.Caller, orderID int64, next models.OrderStatus) (*models.Order, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can change order status", apperr.ErrForbidden)
	}
	return s.transition(ctx, orderID, next, nil)
}

// CancelOrder cancels an order. Owners may cancel only while the order is pending and
// unpaid; admins follow the regular lifecycle rules. Reserved stock is returned.
func (s *OrderService) CancelOrder(ctx context.Context, caller models.Caller, orderID int64) (*models.Order, error) {
	return s.transition(ctx, orderID, models.OrderStatusCancelled, func(o *models.Order) error {
		if !caller.CanAccess(o) {
			return fmt.Errorf("%w: order %d", apperr.ErrForbidden, orderID)
		}
		if caller.IsAdmin() {
			return nil
		}
		if o.Status != models.OrderStatusPending {
			return fmt.Errorf("%w: order %d is %s", apperr.ErrInvalidTransition, orderID, o.Status)
		}
		if o.PaymentStatus == models.PaymentStatusPaid {
			return fmt.Errorf("%w: order %d is already paid", apperr.ErrInvalidState, orderID)
		}
		return nil
	})
}

func (s *OrderService) transition(ctx context.Context, orderID int64, next models.OrderStatus, check func(*models.Order) error) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Transition",
		attribute.Int64("order_id", orderID),
		attribute.String("to", string(next)))
	defer span.End()

	var (
		order   *models.Order
		from    models.OrderStatus
		changed bool
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if order, err = tx.GetOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		if check != nil {
			if err := check(order); err != nil {
				return err
			}
		}

		from = order.Status
		if changed, err = models.ApplyOrderStatus(order, next, s.now()); err != nil || !changed {
			return err
		}

		if next == models.OrderStatusCancelled {
			items, err := tx.GetOrderItems(ctx, orderID)
			if err != nil {
				return fmt.Errorf("failed to load order items: %w", err)
			}
			for _, item := range items {
				if _, err := s.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
		}

		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if changed {
		util.OrderStatusTransitionsTotal.WithLabelValues(string(next)).Inc()
		s.logger.Info("Order status changed",
			zap.Int64("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(next)))
		s.publishStatusChanged(ctx, orderID, from, next)
	}
	return order, nil
}

func (s *OrderService) publishStatusChanged(ctx context.Context, orderID int64, from, to models.OrderStatus) {
	if s.events == nil {
		return
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged, s.now()),
		OrderID:   orderID,
		From:      from,
		To:        to,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, apperr.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	default:
		return "db_error"
	}
}
