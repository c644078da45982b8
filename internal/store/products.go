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

const productColumns = `id, name, price, stock, created_at, updated_at`

// GetProduct retrieves a product by ID
func (q *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return q.getProduct(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
}

// GetProductForUpdate retrieves a product and locks its row (FOR UPDATE lock)
func (q *queries) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return q.getProduct(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id)
}

func (q *queries) getProduct(ctx context.Context, query string, id int64) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q.db, &product, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// SetProductStock writes the stock count computed by the inventory ledger
func (q *queries) SetProductStock(ctx context.Context, id int64, stock int) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE products SET stock = $1, updated_at = NOW() WHERE id = $2",
		stock, id)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	return requireRow(res, "product", id)
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", apperr.ErrNotFound, entity, id)
	}
	return nil
}
