package models

import (
	"errors"
	"testing"
	"time"

	"storefront/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapGatewayStatus(t *testing.T) {
	tests := map[string]PaymentStatus{
		"approved":     PaymentStatusPaid,
		"pending":      PaymentStatusPending,
		"authorized":   PaymentStatusAuthorized,
		"in_process":   PaymentStatusProcessing,
		"in_mediation": PaymentStatusDisputed,
		"rejected":     PaymentStatusFailed,
		"cancelled":    PaymentStatusCancelled,
		"refunded":     PaymentStatusRefunded,
		"charged_back": PaymentStatusChargeback,
		"APPROVED":     PaymentStatusPaid,
		"expired":      PaymentStatusUnknown,
		"":             PaymentStatusUnknown,
	}

	for in, want := range tests {
		assert.Equal(t, want, MapGatewayStatus(in), "gateway status %q", in)
	}
}

func TestApplyOrderStatusStampsOnce(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)
	o := &Order{ID: 1, Status: OrderStatusProcessing}

	changed, err := ApplyOrderStatus(o, OrderStatusShipped, first)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, o.ShippedAt)
	assert.Equal(t, first, *o.ShippedAt)

	changed, err = ApplyOrderStatus(o, OrderStatusShipped, later)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, *o.ShippedAt)

	_, err = ApplyOrderStatus(o, OrderStatusDelivered, later)
	require.NoError(t, err)
	_, err = ApplyOrderStatus(o, OrderStatusDelivered, later.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, later, *o.DeliveredAt)
	assert.Equal(t, first, *o.ShippedAt)
}

func TestApplyOrderStatusTransitions(t *testing.T) {
	now := time.Now()

	o := &Order{Status: OrderStatusPending}
	_, err := ApplyOrderStatus(o, OrderStatusShipped, now)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = ApplyOrderStatus(o, OrderStatus("lost"), now)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	for _, from := range []OrderStatus{OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered} {
		assert.True(t, CanTransitionOrder(from, OrderStatusCancelled), "cancel from %s", from)
	}

	done := &Order{Status: OrderStatusCompleted}
	_, err = ApplyOrderStatus(done, OrderStatusCancelled, now)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	cancelled := &Order{Status: OrderStatusCancelled}
	_, err = ApplyOrderStatus(cancelled, OrderStatusProcessing, now)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestApplyPaymentStatus(t *testing.T) {
	now := time.Now()
	o := &Order{Status: OrderStatusPending, PaymentStatus: PaymentStatusPending}

	ApplyPaymentStatus(o, PaymentStatusPaid, "pay-1", now)
	assert.Equal(t, PaymentStatusPaid, o.PaymentStatus)
	assert.Equal(t, OrderStatusProcessing, o.Status)
	require.NotNil(t, o.TransactionID)
	assert.Equal(t, "pay-1", *o.TransactionID)
	assert.Equal(t, now, *o.PaymentDate)

	shipped := &Order{Status: OrderStatusShipped, PaymentStatus: PaymentStatusDisputed, TransactionID: strPtr("pay-2")}
	ApplyPaymentStatus(shipped, PaymentStatusPaid, "", now)
	assert.Equal(t, OrderStatusShipped, shipped.Status)
	assert.Equal(t, "pay-2", *shipped.TransactionID)
}

func TestExternalReference(t *testing.T) {
	assert.Equal(t, "order_42", ExternalReference(42))

	id, ok := ParseExternalReference("order_42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "order_", "order_x", "order_042", "ord_42", "order_-3", "order_42 "} {
		_, ok := ParseExternalReference(bad)
		assert.False(t, ok, bad)
	}
}

func TestShippingInfoFormat(t *testing.T) {
	info := ShippingInfo{FullName: "Ana Ruiz", Street: "Calle 1 123", City: "Lima", Country: "PE", Phone: "555"}
	assert.Equal(t, "Ana Ruiz, Calle 1 123, Lima, PE (tel. 555)", info.Format())
	assert.Equal(t, "", ShippingInfo{Phone: "555"}.Format())
}

func TestLineTotals(t *testing.T) {
	ci := CartItem{Quantity: 3, PriceSnapshot: decimal.RequireFromString("10.25")}
	assert.True(t, ci.LineTotal().Equal(decimal.RequireFromString("30.75")))

	oi := OrderItem{Quantity: 2, PriceAtPurchase: decimal.RequireFromString("9.99")}
	assert.True(t, oi.LineTotal().Equal(decimal.RequireFromString("19.98")))
}

func TestCallerAccess(t *testing.T) {
	o := &Order{BuyerID: 7}
	assert.True(t, Caller{BuyerID: 7, Role: RoleUser}.CanAccess(o))
	assert.False(t, Caller{BuyerID: 8, Role: RoleUser}.CanAccess(o))
	assert.True(t, Caller{BuyerID: 8, Role: RoleAdmin}.CanAccess(o))
}

func strPtr(s string) *string { return &s }
