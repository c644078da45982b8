package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const cartItemColumns = `id, cart_id, product_id, quantity, price_snapshot, created_at, updated_at`

// GetOrCreateCart returns the buyer's cart, creating it on first access.
// The bool reports whether this call created it.
func (q *queries) GetOrCreateCart(ctx context.Context, buyerID int64) (*models.Cart, bool, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, q.db, &cart, `
		INSERT INTO carts (buyer_id) VALUES ($1)
		ON CONFLICT (buyer_id) DO NOTHING
		RETURNING id, buyer_id, created_at, updated_at`, buyerID)
	if err == nil {
		return &cart, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create cart: %w", err)
	}

	existing, err := q.GetCartByBuyer(ctx, buyerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetCartByBuyer retrieves the cart owned by a buyer
func (q *queries) GetCartByBuyer(ctx context.Context, buyerID int64) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, q.db, &cart,
		"SELECT id, buyer_id, created_at, updated_at FROM carts WHERE buyer_id = $1", buyerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cart for buyer %d", apperr.ErrNotFound, buyerID)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetCartItems retrieves the items of a cart in insertion order
func (q *queries) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	items := []models.CartItem{}
	err := sqlx.SelectContext(ctx, q.db, &items,
		"SELECT "+cartItemColumns+" FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

// UpsertCartItem inserts a cart line or merges quantity into the existing one,
// refreshing the price snapshot either way
func (q *queries) UpsertCartItem(ctx context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, q.db, &item, `
		INSERT INTO cart_items (cart_id, product_id, quantity, price_snapshot)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity,
			price_snapshot = EXCLUDED.price_snapshot,
			updated_at = NOW()
		RETURNING `+cartItemColumns,
		cartID, productID, quantity, price)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cart item: %w", err)
	}
	return &item, nil
}

// UpdateCartItem replaces the quantity and price snapshot of an existing line
func (q *queries) UpdateCartItem(ctx context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, q.db, &item, `
		UPDATE cart_items SET quantity = $1, price_snapshot = $2, updated_at = NOW()
		WHERE cart_id = $3 AND product_id = $4
		RETURNING `+cartItemColumns,
		quantity, price, cartID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d is not in the cart", apperr.ErrNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update cart item: %w", err)
	}
	return &item, nil
}

// DeleteCartItem removes one line from a cart
func (q *queries) DeleteCartItem(ctx context.Context, cartID, productID int64) error {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return fmt.Errorf("failed to delete cart item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: product %d is not in the cart", apperr.ErrNotFound, productID)
	}
	return nil
}

// ClearCart removes every line of a cart and returns how many were removed
func (q *queries) ClearCart(ctx context.Context, cartID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart: %w", err)
	}
	return res.RowsAffected()
}
