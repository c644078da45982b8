package store

import (
	"context"

	"storefront/internal/models"

	"github.com/shopspring/decimal"
)

// Tx is the set of queries available inside Store.WithTx. Row-locking reads
// (the ForUpdate variants) hold their lock until the transaction ends.
type Tx interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	SetProductStock(ctx context.Context, id int64, stock int) error

	GetCartByBuyer(ctx context.Context, buyerID int64) (*models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	ClearCart(ctx context.Context, cartID int64) (int64, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// Carts is the single-statement cart API used outside transactions.
type Carts interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetOrCreateCart(ctx context.Context, buyerID int64) (*models.Cart, bool, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	UpsertCartItem(ctx context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error)
	UpdateCartItem(ctx context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error)
	DeleteCartItem(ctx context.Context, cartID, productID int64) error
	ClearCart(ctx context.Context, cartID int64) (int64, error)
}

var (
	_ Tx    = (*queries)(nil)
	_ Carts = (*Store)(nil)
)
