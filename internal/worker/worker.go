package worker

import (
	"context"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// Consumer is implemented by *broker.Consumer
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationHandler is implemented by *service.PaymentService
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n service.Notification) (*service.WebhookResult, error)
}

// PaymentNotificationWorker applies gateway notifications relayed through Kafka
type PaymentNotificationWorker struct {
	consumer     Consumer
	eventHandler *broker.EventHandler
	payments     NotificationHandler
	logger       *zap.Logger
}

// NewPaymentNotificationWorker creates a new payment notification worker
func NewPaymentNotificationWorker(consumer Consumer, payments NotificationHandler) *PaymentNotificationWorker {
	w := &PaymentNotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentNotification(w.handleNotification)
	return w
}

// Start consumes until ctx is cancelled
func (w *PaymentNotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentNotificationWorker) Stop() error {
	w.logger.Info("Stopping payment notification worker")
	return w.consumer.Close()
}

// handleNotification returns an error only when the notification should be retried,
// which keeps the message uncommitted.
func (w *PaymentNotificationWorker) handleNotification(ctx context.Context, event *models.PaymentNotificationEvent) error {
	res, err := w.payments.HandleNotification(ctx, service.Notification{
		ID:   event.NotificationID,
		Type: event.Type,
		Data: service.NotificationData{ID: event.DataID},
	})
	if err != nil {
		w.logger.Warn("Payment notification failed, will retry",
			zap.String("event_id", event.EventID),
			zap.String("data_id", event.DataID),
			zap.Error(err))
		return err
	}

	w.logger.Debug("Payment notification processed",
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", res.OrderID),
		zap.Bool("applied", res.Applied))
	return nil
}
