package service

import (
	"context"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/google/uuid"
)

// Repository is the persistence used by the services; *store.Store implements it.
type Repository interface {
	store.Carts
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error)
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// EventPublisher is implemented by *broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// CheckoutGuard is implemented by *redisclient.Client.
type CheckoutGuard interface {
	GetIdempotentOrder(ctx context.Context, buyerID int64, key string) (int64, bool, error)
	SetIdempotentOrder(ctx context.Context, buyerID int64, key string, orderID int64, ttl time.Duration) error
	AcquireCheckoutLock(ctx context.Context, buyerID int64, token string, ttl time.Duration) (bool, error)
	ReleaseCheckoutLock(ctx context.Context, buyerID int64, token string) error
}

// NotificationDeduper is implemented by *redisclient.Client.
type NotificationDeduper interface {
	MarkNotificationSeen(ctx context.Context, notificationID string, ttl time.Duration) (bool, error)
	ForgetNotification(ctx context.Context, notificationID string) error
}

// PaymentGateway is implemented by *gateway.Client.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error)
	LookupPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error)
}

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
	}
}
