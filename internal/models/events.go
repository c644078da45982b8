package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderStatusChanged   = "ORDER_STATUS_CHANGED"
	EventTypePaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
	EventTypeOrderRefunded        = "ORDER_REFUNDED"
	EventTypePaymentNotification  = "PAYMENT_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published after the checkout transaction commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	BuyerID       int64           `json:"buyer_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Total         decimal.Decimal `json:"total"`
	Items         []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published when fulfilment status moves
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID int64       `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
}

// PaymentStatusChangedEvent published for every applied payment status change
type PaymentStatusChangedEvent struct {
	BaseEvent
	OrderID       int64         `json:"order_id"`
	From          PaymentStatus `json:"from"`
	To            PaymentStatus `json:"to"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Source        string        `json:"source"`
}

// OrderRefundedEvent published after a refund is recorded
type OrderRefundedEvent struct {
	BaseEvent
	OrderID  int64           `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	RefundID string          `json:"refund_id"`
	Manual   bool            `json:"manual"`
}

// PaymentNotificationEvent is a gateway webhook relayed onto Kafka
type PaymentNotificationEvent struct {
	BaseEvent
	NotificationID string `json:"notification_id,omitempty"`
	Type           string `json:"type"`
	DataID         string `json:"data_id"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
