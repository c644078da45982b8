package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// CheckoutItem is one line of a hosted checkout. UnitPrice is sent as a JSON number.
type CheckoutItem struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Quantity  int         `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

// NewCheckoutItem builds a checkout line from a decimal price
func NewCheckoutItem(id, title string, quantity int, unitPrice decimal.Decimal) CheckoutItem {
	return CheckoutItem{
		ID:        id,
		Title:     title,
		Quantity:  quantity,
		UnitPrice: json.Number(unitPrice.StringFixed(2)),
	}
}

type CheckoutRequest struct {
	Items             []CheckoutItem
	ExternalReference string
}

// CheckoutSession is the gateway-side preference the buyer is redirected to.
type CheckoutSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"init_point"`
}

// Payment is the gateway's view of a payment.
type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"transaction_amount"`
}

type RefundRequest struct {
	PaymentID string
	// Amount nil refunds the full payment.
	Amount         *decimal.Decimal
	IdempotencyKey string
}

type Refund struct {
	ID     json.Number     `json:"id"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

type preferenceRequest struct {
	Items             []CheckoutItem `json:"items"`
	ExternalReference string         `json:"external_reference"`
	NotificationURL   string         `json:"notification_url,omitempty"`
	AutoReturn        string         `json:"auto_return,omitempty"`
	BackURLs          backURLs       `json:"back_urls"`
}

type backURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type refundBody struct {
	Amount json.Number `json:"amount"`
}
