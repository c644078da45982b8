package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, buyer_id, shipping_address, payment_method, subtotal, shipping_cost, tax, total,
	status, payment_status, transaction_id, preference_id, payment_date, refund_id, refund_reason,
	refund_date, shipped_at, delivered_at, created_at, updated_at`

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (buyer_id, shipping_address, payment_method, subtotal, shipping_cost, tax, total, status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, q.db, order, query,
		order.BuyerID, order.ShippingAddress, order.PaymentMethod, order.Subtotal,
		order.ShippingCost, order.Tax, order.Total, order.Status, order.PaymentStatus)
}

// GetOrder retrieves an order by ID
func (q *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderForUpdate retrieves an order and locks its row until the transaction ends
func (q *queries) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (q *queries) getOrder(ctx context.Context, query string, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.db, &order, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByBuyer retrieves orders for a buyer, newest first
func (q *queries) ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, q.db, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	return orders, err
}

// UpdateOrder writes the mutable fields of an order: lifecycle status, payment and refund data
func (q *queries) UpdateOrder(ctx context.Context, order *models.Order) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, payment_status = $2, payment_method = $3, transaction_id = $4,
			preference_id = $5, payment_date = $6, refund_id = $7, refund_reason = $8, refund_date = $9,
			shipped_at = $10, delivered_at = $11, updated_at = NOW()
		WHERE id = $12`,
		order.Status, order.PaymentStatus, order.PaymentMethod, order.TransactionID,
		order.PreferenceID, order.PaymentDate, order.RefundID, order.RefundReason, order.RefundDate,
		order.ShippedAt, order.DeliveredAt, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return requireRow(res, "order", order.ID)
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return sqlx.GetContext(ctx, q.db, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.PriceAtPurchase)
}

// GetOrderItems retrieves all items for an order
func (q *queries) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q.db, &items,
		"SELECT id, order_id, product_id, quantity, price_at_purchase FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}
