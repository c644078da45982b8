package service

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// InventoryLedger moves product stock. Every call runs on the caller's transaction and
// locks the product row, so a reservation only persists if that transaction commits.
type InventoryLedger struct {
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{logger: util.GetLogger()}
}

// Reserve decrements stock by quantity and returns the new stock.
func (l *InventoryLedger) Reserve(ctx context.Context, tx store.Tx, productID int64, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", apperr.ErrValidation, quantity)
	}

	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		util.InventoryReservationsFailed.WithLabelValues("lookup").Inc()
		return 0, err
	}

	if product.Stock < quantity {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return 0, fmt.Errorf("%w: product %d (%s) has %d available, %d requested",
			apperr.ErrInsufficientStock, product.ID, product.Name, product.Stock, quantity)
	}

	newStock := product.Stock - quantity
	if err := tx.SetProductStock(ctx, productID, newStock); err != nil {
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}

	l.logger.Debug("Stock reserved",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("stock", newStock))
	return newStock, nil
}

// Release returns quantity to stock and returns the new stock.
func (l *InventoryLedger) Release(ctx context.Context, tx store.Tx, productID int64, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release")
	defer span.End()

	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", apperr.ErrValidation, quantity)
	}

	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return 0, err
	}

	newStock := product.Stock + quantity
	if err := tx.SetProductStock(ctx, productID, newStock); err != nil {
		return 0, fmt.Errorf("failed to release stock for product %d: %w", productID, err)
	}

	l.logger.Debug("Stock released",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("stock", newStock))
	return newStock, nil
}
