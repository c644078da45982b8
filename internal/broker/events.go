package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// eventWriter is satisfied by *Producer.
type eventWriter interface {
	PublishEvent(ctx context.Context, key, eventType string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer eventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer eventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishPaymentStatusChanged publishes PaymentStatusChanged event
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderRefunded publishes OrderRefunded event
func (ep *EventPublisher) PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// NotificationRelay forwards gateway webhooks onto the notifications topic so the
// payment worker can process them outside the request
type NotificationRelay struct {
	producer eventWriter
}

// NewNotificationRelay creates a new notification relay
func NewNotificationRelay(producer eventWriter) *NotificationRelay {
	return &NotificationRelay{producer: producer}
}

// RelayPaymentNotification publishes a notification keyed by the gateway resource id
func (r *NotificationRelay) RelayPaymentNotification(ctx context.Context, event *models.PaymentNotificationEvent) error {
	return r.producer.PublishEvent(ctx, "payment-"+event.DataID, event.EventType, event)
}

// EventHandler routes incoming messages by event type
type EventHandler struct {
	onPaymentNotification func(context.Context, *models.PaymentNotificationEvent) error
	logger                *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentNotification registers a handler for relayed gateway notifications
func (eh *EventHandler) OnPaymentNotification(handler func(context.Context, *models.PaymentNotificationEvent) error) {
	eh.onPaymentNotification = handler
}

// HandleMessage routes messages to appropriate handlers. Malformed messages are
// dropped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentNotification:
		if eh.onPaymentNotification == nil {
			return nil
		}
		var event models.PaymentNotificationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			eh.logger.Error("Dropping malformed notification", zap.String("event_id", baseEvent.EventID), zap.Error(err))
			return nil
		}
		return eh.onPaymentNotification(ctx, &event)

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
