package models

import (
	"fmt"
	"strings"
	"time"

	"storefront/internal/apperr"
)

// OrderStatus is the fulfilment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing: {OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusShipped:    {OrderStatusDelivered: true, OrderStatusCancelled: true},
	OrderStatusDelivered:  {OrderStatusCompleted: true, OrderStatusCancelled: true},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderNext[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanTransitionOrder reports whether an order may move from one status to another.
func CanTransitionOrder(from, to OrderStatus) bool {
	return orderNext[from][to]
}

// ApplyOrderStatus moves o to next and stamps ShippedAt/DeliveredAt the first time those
// statuses are reached. Re-applying the current status is a no-op and reports false.
func ApplyOrderStatus(o *Order, next OrderStatus, now time.Time) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: unknown order status %q", apperr.ErrValidation, next)
	}
	if o.Status == next {
		return false, nil
	}
	if !CanTransitionOrder(o.Status, next) {
		return false, fmt.Errorf("%w: order %d cannot move from %s to %s",
			apperr.ErrInvalidTransition, o.ID, o.Status, next)
	}

	o.Status = next
	switch next {
	case OrderStatusShipped:
		if o.ShippedAt == nil {
			o.ShippedAt = &now
		}
	case OrderStatusDelivered:
		if o.DeliveredAt == nil {
			o.DeliveredAt = &now
		}
	}
	return true, nil
}

// PaymentMethod is how the buyer pays for an order.
type PaymentMethod string

const (
	PaymentMethodGateway  PaymentMethod = "gateway"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCash     PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodGateway, PaymentMethodTransfer, PaymentMethodCash:
		return true
	}
	return false
}

// PaymentStatus is the payment lifecycle of an order in local vocabulary.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusDisputed   PaymentStatus = "disputed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusChargeback PaymentStatus = "chargeback"
	PaymentStatusUnknown    PaymentStatus = "unknown"
)

var paymentStatuses = map[PaymentStatus]bool{
	PaymentStatusPending:    true,
	PaymentStatusAuthorized: true,
	PaymentStatusProcessing: true,
	PaymentStatusPaid:       true,
	PaymentStatusFailed:     true,
	PaymentStatusCancelled:  true,
	PaymentStatusDisputed:   true,
	PaymentStatusRefunded:   true,
	PaymentStatusChargeback: true,
	PaymentStatusUnknown:    true,
}

func (s PaymentStatus) Valid() bool {
	return paymentStatuses[s]
}

// gateway vocabulary -> local vocabulary
var gatewayStatuses = map[string]PaymentStatus{
	"approved":     PaymentStatusPaid,
	"pending":      PaymentStatusPending,
	"authorized":   PaymentStatusAuthorized,
	"in_process":   PaymentStatusProcessing,
	"in_mediation": PaymentStatusDisputed,
	"rejected":     PaymentStatusFailed,
	"cancelled":    PaymentStatusCancelled,
	"refunded":     PaymentStatusRefunded,
	"charged_back": PaymentStatusChargeback,
}

// MapGatewayStatus translates a gateway payment status. Anything unrecognised is unknown.
func MapGatewayStatus(gatewayStatus string) PaymentStatus {
	if s, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(gatewayStatus))]; ok {
		return s
	}
	return PaymentStatusUnknown
}

// ApplyPaymentStatus records a new payment status on o. An empty transactionID keeps the
// stored one. Becoming paid stamps PaymentDate and advances a pending order to processing.
func ApplyPaymentStatus(o *Order, next PaymentStatus, transactionID string, now time.Time) {
	o.PaymentStatus = next
	if transactionID != "" {
		o.TransactionID = &transactionID
	}
	if next != PaymentStatusPaid {
		return
	}
	o.PaymentDate = &now
	if o.Status == OrderStatusPending {
		o.Status = OrderStatusProcessing
	}
}
