package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog's view of an item for sale. The core only reads price and
// moves stock through the inventory ledger.
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Cart belongs to exactly one buyer and is cleared, never deleted, after checkout.
type Cart struct {
	ID        int64      `db:"id" json:"id"`
	BuyerID   int64      `db:"buyer_id" json:"buyer_id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	Items     []CartItem `db:"-" json:"items"`
}

// CartItem carries the unit price seen by the buyer when the item was added or last updated.
type CartItem struct {
	ID            int64           `db:"id" json:"id"`
	CartID        int64           `db:"cart_id" json:"cart_id"`
	ProductID     int64           `db:"product_id" json:"product_id"`
	Quantity      int             `db:"quantity" json:"quantity"`
	PriceSnapshot decimal.Decimal `db:"price_snapshot" json:"price_snapshot"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// LineTotal is quantity times the price snapshot.
func (ci CartItem) LineTotal() decimal.Decimal {
	return ci.PriceSnapshot.Mul(decimal.NewFromInt(int64(ci.Quantity)))
}

// Order is immutable after creation except for its status, payment and refund fields.
type Order struct {
	ID              int64           `db:"id" json:"id"`
	BuyerID         int64           `db:"buyer_id" json:"buyer_id"`
	ShippingAddress string          `db:"shipping_address" json:"shipping_address"`
	PaymentMethod   PaymentMethod   `db:"payment_method" json:"payment_method"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingCost    decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	Tax             decimal.Decimal `db:"tax" json:"tax"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentStatus   PaymentStatus   `db:"payment_status" json:"payment_status"`
	TransactionID   *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	PreferenceID    *string         `db:"preference_id" json:"preference_id,omitempty"`
	PaymentDate     *time.Time      `db:"payment_date" json:"payment_date,omitempty"`
	RefundID        *string         `db:"refund_id" json:"refund_id,omitempty"`
	RefundReason    *string         `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundDate      *time.Time      `db:"refund_date" json:"refund_date,omitempty"`
	ShippedAt       *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	Items           []OrderItem     `db:"-" json:"items,omitempty"`
}

// ExternalReference is the token correlating gateway checkouts and payments with this order.
func (o *Order) ExternalReference() string {
	return ExternalReference(o.ID)
}

// OrderItem is written once during checkout and never modified.
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	ProductID       int64           `db:"product_id" json:"product_id"`
	Quantity        int             `db:"quantity" json:"quantity"`
	PriceAtPurchase decimal.Decimal `db:"price_at_purchase" json:"price_at_purchase"`
}

// LineTotal is quantity times the purchase price.
func (oi OrderItem) LineTotal() decimal.Decimal {
	return oi.PriceAtPurchase.Mul(decimal.NewFromInt(int64(oi.Quantity)))
}

// ShippingInfo is the structured form of a shipping address.
type ShippingInfo struct {
	FullName   string `json:"full_name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

// Role is supplied by the identity collaborator.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	BuyerID int64
	Role    Role
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// CanAccess reports whether the caller owns the order or is an admin.
func (c Caller) CanAccess(o *Order) bool {
	return c.IsAdmin() || c.BuyerID == o.BuyerID
}

// ExternalReference formats the gateway correlation token for an order id.
func ExternalReference(orderID int64) string {
	return fmt.Sprintf("order_%d", orderID)
}

// ParseExternalReference extracts the order id from an "order_<id>" token.
func ParseExternalReference(ref string) (int64, bool) {
	raw, ok := strings.CutPrefix(ref, "order_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || ref != ExternalReference(id) {
		return 0, false
	}
	return id, true
}

// Format renders the address as a single line, skipping empty parts.
func (s ShippingInfo) Format() string {
	parts := make([]string, 0, 6)
	for _, p := range []string{s.FullName, s.Street, s.City, s.State, s.PostalCode, s.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	line := strings.Join(parts, ", ")
	if phone := strings.TrimSpace(s.Phone); phone != "" && line != "" {
		line += " (tel. " + phone + ")"
	}
	return line
}
