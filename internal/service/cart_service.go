package service

import (
	"context"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService manages buyer carts
type CartService struct {
	repo   Repository
	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(repo Repository) *CartService {
	return &CartService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// CartView is a cart with its computed total
type CartView struct {
	CartID int64             `json:"cart_id"`
	Items  []models.CartItem `json:"items"`
	Total  decimal.Decimal   `json:"total"`
}

// GetOrCreateCart returns the buyer's cart and whether this call created it.
func (s *CartService) GetOrCreateCart(ctx context.Context, buyerID int64) (*models.Cart, bool, error) {
	cart, created, err := s.repo.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Debug("Cart created", zap.Int64("buyer_id", buyerID), zap.Int64("cart_id", cart.ID))
	}
	return cart, created, nil
}

// AddItem adds quantity of a product, merging with an existing line.
// Only the requested quantity is checked against stock; nothing is reserved.
func (s *CartService) AddItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	item, err := s.addItem(ctx, buyerID, productID, quantity)
	s.record("add", err)
	if err != nil {
		util.RecordError(span, err)
	}
	return item, err
}

func (s *CartService) addItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", apperr.ErrValidation)
	}

	product, err := s.checkStock(ctx, productID, quantity)
	if err != nil {
		return nil, err
	}

	cart, _, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	return s.repo.UpsertCartItem(ctx, cart.ID, productID, quantity, product.Price)
}

// UpdateItem sets the quantity of an existing line and refreshes its price snapshot.
func (s *CartService) UpdateItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItem")
	defer span.End()

	item, err := s.updateItem(ctx, buyerID, productID, quantity)
	s.record("update", err)
	if err != nil {
		util.RecordError(span, err)
	}
	return item, err
}

func (s *CartService) updateItem(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1, remove the item instead", apperr.ErrValidation)
	}

	cart, _, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	product, err := s.checkStock(ctx, productID, quantity)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCartItem(ctx, cart.ID, productID, quantity, product.Price)
}

// RemoveItem deletes a line from the cart
func (s *CartService) RemoveItem(ctx context.Context, buyerID, productID int64) error {
	cart, _, err := s.GetOrCreateCart(ctx, buyerID)
	if err == nil {
		err = s.repo.DeleteCartItem(ctx, cart.ID, productID)
	}
	s.record("remove", err)
	return err
}

// Clear removes every item. Clearing an empty cart succeeds.
func (s *CartService) Clear(ctx context.Context, buyerID int64) error {
	cart, _, err := s.GetOrCreateCart(ctx, buyerID)
	if err == nil {
		_, err = s.repo.ClearCart(ctx, cart.ID)
	}
	s.record("clear", err)
	return err
}

// View returns the cart items and their total rounded to cents
func (s *CartService) View(ctx context.Context, buyerID int64) (*CartView, error) {
	cart, _, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}

	return &CartView{
		CartID: cart.ID,
		Items:  items,
		Total:  total.Round(2),
	}, nil
}

func (s *CartService) checkStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if quantity > product.Stock {
		return nil, fmt.Errorf("%w: product %d (%s) has %d available, %d requested",
			apperr.ErrInsufficientStock, product.ID, product.Name, product.Stock, quantity)
	}
	return product, nil
}

func (s *CartService) record(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	util.CartOperationsTotal.WithLabelValues(operation, result).Inc()
}
