package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConsumer struct {
	messages []kafka.Message
	failures []error
	closed   bool
}

func (f *fakeConsumer) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range f.messages {
		f.failures = append(f.failures, handler(ctx, msg))
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

type fakePayments struct {
	received []service.Notification
	err      error
}

func (f *fakePayments) HandleNotification(_ context.Context, n service.Notification) (*service.WebhookResult, error) {
	f.received = append(f.received, n)
	if f.err != nil {
		return nil, f.err
	}
	return &service.WebhookResult{OrderID: 5, Found: true, Applied: true}, nil
}

func notificationMessage(t *testing.T, event models.PaymentNotificationEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestPaymentNotificationWorker(t *testing.T) {
	util.SetLogger(zap.NewNop())

	consumer := &fakeConsumer{messages: []kafka.Message{
		notificationMessage(t, models.PaymentNotificationEvent{
			BaseEvent:      models.BaseEvent{EventID: "n-1", EventType: models.EventTypePaymentNotification},
			NotificationID: "n-1",
			Type:           "payment",
			DataID:         "555",
		}),
		{Value: []byte("not json")},
		notificationMessage(t, models.PaymentNotificationEvent{
			BaseEvent: models.BaseEvent{EventID: "x", EventType: models.EventTypeOrderCreated},
		}),
	}}
	payments := &fakePayments{}
	w := NewPaymentNotificationWorker(consumer, payments)

	require.NoError(t, w.Start(context.Background()))

	require.Len(t, payments.received, 1)
	assert.Equal(t, service.Notification{ID: "n-1", Type: "payment", Data: service.NotificationData{ID: "555"}}, payments.received[0])
	assert.Equal(t, []error{nil, nil, nil}, consumer.failures)

	require.NoError(t, w.Stop())
	assert.True(t, consumer.closed)
}

func TestPaymentNotificationWorkerRetriesFailures(t *testing.T) {
	util.SetLogger(zap.NewNop())

	gatewayDown := errors.New("lookup_payment: status 503")
	consumer := &fakeConsumer{messages: []kafka.Message{
		notificationMessage(t, models.PaymentNotificationEvent{
			BaseEvent: models.BaseEvent{EventID: "n-2", EventType: models.EventTypePaymentNotification},
			Type:      "payment",
			DataID:    "556",
		}),
	}}
	w := NewPaymentNotificationWorker(consumer, &fakePayments{err: gatewayDown})

	require.NoError(t, w.Start(context.Background()))
	require.Len(t, consumer.failures, 1)
	assert.ErrorIs(t, consumer.failures[0], gatewayDown)
}
