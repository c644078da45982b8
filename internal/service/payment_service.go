package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Sources of a payment status change
const (
	SourceDirect  = "direct"
	SourceWebhook = "webhook"
	SourceRefund  = "refund"
)

// NotificationTypePayment is the only gateway notification type that is acted on.
const NotificationTypePayment = "payment"

// PaymentService tracks the payment lifecycle of orders
type PaymentService struct {
	repo     Repository
	gateway  PaymentGateway
	dedup    NotificationDeduper
	events   EventPublisher
	dedupTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service. dedup may be nil.
func NewPaymentService(
	repo Repository,
	gw PaymentGateway,
	dedup NotificationDeduper,
	events EventPublisher,
	dedupTTL time.Duration,
) *PaymentService {
	if dedupTTL <= 0 {
		dedupTTL = 48 * time.Hour
	}
	return &PaymentService{
		repo:     repo,
		gateway:  gw,
		dedup:    dedup,
		events:   events,
		dedupTTL: dedupTTL,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// InitiateResult is returned by Initiate. RedirectURL is only set for gateway payments.
type InitiateResult struct {
	Order        *models.Order `json:"order"`
	PreferenceID string        `json:"preference_id,omitempty"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
}

// Initiate records the payment method and, for gateway payments, opens a hosted
// checkout for the order. The payment status stays pending.
func (s *PaymentService) Initiate(ctx context.Context, caller models.Caller, orderID int64, method models.PaymentMethod) (*InitiateResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate",
		attribute.Int64("order_id", orderID),
		attribute.String("payment_method", string(method)))
	defer span.End()

	if !method.Valid() {
		return nil, fmt.Errorf("%w: unsupported payment_method %q", apperr.ErrValidation, method)
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order) {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrForbidden, orderID)
	}
	if err := checkPayable(order); err != nil {
		return nil, err
	}

	result := &InitiateResult{}
	if method == models.PaymentMethodGateway {
		session, err := s.openCheckout(ctx, order)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		result.PreferenceID = session.ID
		result.RedirectURL = session.RedirectURL
	}

	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := checkPayable(locked); err != nil {
			return err
		}
		locked.PaymentMethod = method
		if result.PreferenceID != "" {
			preferenceID := result.PreferenceID
			locked.PreferenceID = &preferenceID
		}
		result.Order = locked
		return tx.UpdateOrder(ctx, locked)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Payment initiated",
		zap.Int64("order_id", orderID),
		zap.String("payment_method", string(method)),
		zap.String("preference_id", result.PreferenceID))
	return result, nil
}

func checkPayable(o *models.Order) error {
	if o.PaymentStatus == models.PaymentStatusPaid {
		return fmt.Errorf("%w: order %d is already paid", apperr.ErrInvalidTransition, o.ID)
	}
	if o.Status == models.OrderStatusCancelled {
		return fmt.Errorf("%w: order %d is cancelled", apperr.ErrInvalidState, o.ID)
	}
	return nil
}

func (s *PaymentService) openCheckout(ctx context.Context, order *models.Order) (*gateway.CheckoutSession, error) {
	items, err := s.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	lines := make([]gateway.CheckoutItem, 0, len(items)+1)
	for _, item := range items {
		title := fmt.Sprintf("Product %d", item.ProductID)
		if product, err := s.repo.GetProduct(ctx, item.ProductID); err == nil {
			title = product.Name
		}
		lines = append(lines, gateway.NewCheckoutItem(
			strconv.FormatInt(item.ProductID, 10), title, item.Quantity, item.PriceAtPurchase))
	}
	if order.ShippingCost.IsPositive() {
		lines = append(lines, gateway.NewCheckoutItem("shipping", "Shipping", 1, order.ShippingCost))
	}

	return s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		Items:             lines,
		ExternalReference: order.ExternalReference(),
	})
}

// ApplyDirect records the shop's confirmation of a transfer or cash payment. Admin only.
// Paid and cancelled orders cannot be re-processed.
func (s *PaymentService) ApplyDirect(ctx context.Context, caller models.Caller, orderID int64, next models.PaymentStatus, transactionID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ApplyDirect",
		attribute.Int64("order_id", orderID),
		attribute.String("status", string(next)))
	defer span.End()

	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown payment status %q", apperr.ErrValidation, next)
	}
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can confirm payments", apperr.ErrForbidden)
	}

	var (
		order   *models.Order
		change  statusChange
		changed bool
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if order, err = tx.GetOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		if order.PaymentMethod == models.PaymentMethodGateway {
			return fmt.Errorf("%w: order %d is paid through the gateway", apperr.ErrValidation, orderID)
		}
		if err := checkPayable(order); err != nil {
			return err
		}

		if order.PaymentStatus == next && (transactionID == "" || sameTransaction(order, transactionID)) {
			return nil
		}

		change = s.apply(order, next, transactionID)
		changed = true
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if changed {
		s.afterChange(ctx, order, change, SourceDirect)
	}
	return order, nil
}

// WebhookResult describes what a gateway notification did
type WebhookResult struct {
	OrderID int64                `json:"order_id,omitempty"`
	Found   bool                 `json:"found"`
	Applied bool                 `json:"applied"`
	Status  models.PaymentStatus `json:"status,omitempty"`
}

// ApplyWebhook applies a gateway-reported status to the order named by externalReference.
// Re-delivery of the status the order already has writes nothing. Unknown orders are
// dropped without error.
func (s *PaymentService) ApplyWebhook(ctx context.Context, externalReference, gatewayStatus, transactionID string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ApplyWebhook",
		attribute.String("external_reference", externalReference),
		attribute.String("gateway_status", gatewayStatus))
	defer span.End()

	orderID, ok := models.ParseExternalReference(externalReference)
	if !ok {
		s.logger.Warn("Dropping notification with unknown reference", zap.String("external_reference", externalReference))
		util.WebhooksReceivedTotal.WithLabelValues("unknown_order").Inc()
		return &WebhookResult{}, nil
	}

	next := models.MapGatewayStatus(gatewayStatus)
	result := &WebhookResult{OrderID: orderID, Status: next}

	var (
		order  *models.Order
		change statusChange
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result.Found = true

		if order.PaymentStatus == next {
			return nil
		}

		change = s.apply(order, next, transactionID)
		result.Applied = true
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		util.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	switch {
	case !result.Found:
		s.logger.Warn("Dropping notification for unknown order", zap.Int64("order_id", orderID))
		util.WebhooksReceivedTotal.WithLabelValues("unknown_order").Inc()
	case !result.Applied:
		s.logger.Debug("Notification already applied",
			zap.Int64("order_id", orderID),
			zap.String("status", string(next)))
		util.WebhooksReceivedTotal.WithLabelValues("duplicate").Inc()
	default:
		util.WebhooksReceivedTotal.WithLabelValues("applied").Inc()
		s.afterChange(ctx, order, change, SourceWebhook)
	}
	return result, nil
}

// Notification is the gateway webhook payload
type Notification struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data NotificationData `json:"data"`
}

type NotificationData struct {
	ID string `json:"id"`
}

// HandleNotification resolves a payment notification against the gateway and applies
// the result. Gateway failures are returned so the sender retries; notifications that
// can never succeed are dropped.
func (s *PaymentService) HandleNotification(ctx context.Context, n Notification) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleNotification",
		attribute.String("type", n.Type),
		attribute.String("payment_id", n.Data.ID))
	defer span.End()

	if n.Type != NotificationTypePayment || n.Data.ID == "" {
		s.logger.Debug("Ignoring notification", zap.String("type", n.Type), zap.String("data_id", n.Data.ID))
		util.WebhooksReceivedTotal.WithLabelValues("ignored").Inc()
		return &WebhookResult{}, nil
	}

	if s.dedup != nil && n.ID != "" {
		first, err := s.dedup.MarkNotificationSeen(ctx, n.ID, s.dedupTTL)
		switch {
		case err != nil:
			s.logger.Warn("Notification dedup unavailable", zap.String("notification_id", n.ID), zap.Error(err))
		case !first:
			util.WebhooksReceivedTotal.WithLabelValues("duplicate").Inc()
			return &WebhookResult{}, nil
		}
	}

	result, err := s.resolveNotification(ctx, n)
	if err != nil {
		util.RecordError(span, err)
		if s.dedup != nil && n.ID != "" {
			if ferr := s.dedup.ForgetNotification(context.WithoutCancel(ctx), n.ID); ferr != nil {
				s.logger.Warn("Failed to clear notification mark", zap.String("notification_id", n.ID), zap.Error(ferr))
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *PaymentService) resolveNotification(ctx context.Context, n Notification) (*WebhookResult, error) {
	payment, err := s.gateway.LookupPayment(ctx, n.Data.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("Dropping notification for unknown payment", zap.String("payment_id", n.Data.ID))
		util.WebhooksReceivedTotal.WithLabelValues("unknown_payment").Inc()
		return &WebhookResult{}, nil
	}
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("gateway_error").Inc()
		return nil, err
	}

	transactionID := payment.ID.String()
	if transactionID == "" {
		transactionID = n.Data.ID
	}
	return s.ApplyWebhook(ctx, payment.ExternalReference, payment.Status, transactionID)
}

func sameTransaction(o *models.Order, transactionID string) bool {
	return o.TransactionID != nil && *o.TransactionID == transactionID
}

type statusChange struct {
	paymentFrom models.PaymentStatus
	orderFrom   models.OrderStatus
}

func (s *PaymentService) apply(order *models.Order, next models.PaymentStatus, transactionID string) statusChange {
	change := statusChange{paymentFrom: order.PaymentStatus, orderFrom: order.Status}
	models.ApplyPaymentStatus(order, next, transactionID, s.now())
	return change
}

func (s *PaymentService) afterChange(ctx context.Context, order *models.Order, change statusChange, source string) {
	util.PaymentStatusChangesTotal.WithLabelValues(source, string(order.PaymentStatus)).Inc()
	s.logger.Info("Payment status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(change.paymentFrom)),
		zap.String("to", string(order.PaymentStatus)),
		zap.String("source", source))

	if order.Status != change.orderFrom {
		util.OrderStatusTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	}

	if s.events == nil {
		return
	}

	txID := ""
	if order.TransactionID != nil {
		txID = *order.TransactionID
	}
	event := &models.PaymentStatusChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentStatusChanged, s.now()),
		OrderID:       order.ID,
		From:          change.paymentFrom,
		To:            order.PaymentStatus,
		TransactionID: txID,
		Source:        source,
	}
	if err := s.events.PublishPaymentStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentStatusChanged event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	if order.Status != change.orderFrom {
		statusEvent := &models.OrderStatusChangedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged, s.now()),
			OrderID:   order.ID,
			From:      change.orderFrom,
			To:        order.Status,
		}
		if err := s.events.PublishOrderStatusChanged(ctx, statusEvent); err != nil {
			s.logger.Error("Failed to publish OrderStatusChanged event", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}
}
