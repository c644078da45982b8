package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	util.SetLogger(zap.NewNop())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string {
	return &s
}

// memState is the data behind memStore. It is cloned at the start of every transaction
// and restored when the transaction fails.
type memState struct {
	products   map[int64]models.Product
	carts      map[int64]models.Cart // by buyer
	cartItems  []models.CartItem
	orders     map[int64]models.Order
	orderItems []models.OrderItem
	nextID     int64
}

func (st *memState) clone() *memState {
	c := &memState{
		products:   make(map[int64]models.Product, len(st.products)),
		carts:      make(map[int64]models.Cart, len(st.carts)),
		cartItems:  append([]models.CartItem(nil), st.cartItems...),
		orders:     make(map[int64]models.Order, len(st.orders)),
		orderItems: append([]models.OrderItem(nil), st.orderItems...),
		nextID:     st.nextID,
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.carts {
		c.carts[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	return c
}

// memStore is an in-memory Repository and store.Tx. Transactions are serialized,
// which stands in for the row locks of the real store.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *memState

	orderWrites     int
	failItemInserts int // CreateOrderItem fails once this many items exist, when > 0
}

var (
	_ Repository = (*memStore)(nil)
	_ store.Tx   = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{st: &memState{
		products: map[int64]models.Product{},
		carts:    map[int64]models.Cart{},
		orders:   map[int64]models.Order{},
	}}
}

func (m *memStore) id() int64 {
	m.st.nextID++
	return m.st.nextID
}

func (m *memStore) addProduct(name, price string, stock int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.st.products[id] = models.Product{ID: id, Name: name, Price: dec(price), Stock: stock}
	return id
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.products[id].Stock
}

func (m *memStore) setStock(id int64, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.st.products[id]
	p.Stock = stock
	m.st.products[id] = p
}

func (m *memStore) setPrice(id int64, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.st.products[id]
	p.Price = dec(price)
	m.st.products[id] = p
}

func (m *memStore) putOrder(o models.Order, items ...models.OrderItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	m.st.orders[o.ID] = o
	for _, item := range items {
		item.ID = m.id()
		item.OrderID = o.ID
		m.st.orderItems = append(m.st.orderItems, item)
	}
	return o.ID
}

func (m *memStore) order(id int64) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.orders[id]
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.orders)
}

func (m *memStore) orderItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.orderItems)
}

func (m *memStore) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderWrites
}

func (m *memStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.st.clone()
	writes := m.orderWrites
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.orderWrites = writes
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	return &p, nil
}

func (m *memStore) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return m.GetProduct(ctx, id)
}

func (m *memStore) SetProductStock(_ context.Context, id int64, stock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.products[id]
	if !ok {
		return fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	if stock < 0 {
		return errors.New("stock check constraint violated")
	}
	p.Stock = stock
	m.st.products[id] = p
	return nil
}

func (m *memStore) GetOrCreateCart(_ context.Context, buyerID int64) (*models.Cart, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.st.carts[buyerID]; ok {
		return &c, false, nil
	}
	c := models.Cart{ID: m.id(), BuyerID: buyerID}
	m.st.carts[buyerID] = c
	return &c, true, nil
}

func (m *memStore) GetCartByBuyer(_ context.Context, buyerID int64) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.carts[buyerID]
	if !ok {
		return nil, fmt.Errorf("%w: cart for buyer %d", apperr.ErrNotFound, buyerID)
	}
	return &c, nil
}

func (m *memStore) GetCartItems(_ context.Context, cartID int64) ([]models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []models.CartItem{}
	for _, item := range m.st.cartItems {
		if item.CartID == cartID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *memStore) cartItemIndex(cartID, productID int64) int {
	for i, item := range m.st.cartItems {
		if item.CartID == cartID && item.ProductID == productID {
			return i
		}
	}
	return -1
}

func (m *memStore) UpsertCartItem(_ context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.cartItemIndex(cartID, productID); i >= 0 {
		m.st.cartItems[i].Quantity += quantity
		m.st.cartItems[i].PriceSnapshot = price
		item := m.st.cartItems[i]
		return &item, nil
	}
	item := models.CartItem{ID: m.id(), CartID: cartID, ProductID: productID, Quantity: quantity, PriceSnapshot: price}
	m.st.cartItems = append(m.st.cartItems, item)
	return &item, nil
}

func (m *memStore) UpdateCartItem(_ context.Context, cartID, productID int64, quantity int, price decimal.Decimal) (*models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.cartItemIndex(cartID, productID)
	if i < 0 {
		return nil, fmt.Errorf("%w: product %d is not in the cart", apperr.ErrNotFound, productID)
	}
	m.st.cartItems[i].Quantity = quantity
	m.st.cartItems[i].PriceSnapshot = price
	item := m.st.cartItems[i]
	return &item, nil
}

func (m *memStore) DeleteCartItem(_ context.Context, cartID, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.cartItemIndex(cartID, productID)
	if i < 0 {
		return fmt.Errorf("%w: product %d is not in the cart", apperr.ErrNotFound, productID)
	}
	m.st.cartItems = append(m.st.cartItems[:i], m.st.cartItems[i+1:]...)
	return nil
}

func (m *memStore) ClearCart(_ context.Context, cartID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.st.cartItems[:0:0]
	var removed int64
	for _, item := range m.st.cartItems {
		if item.CartID == cartID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	m.st.cartItems = kept
	return removed, nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.ID = m.id()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	stored.Items = nil
	m.st.orders[order.ID] = stored
	return nil
}

func (m *memStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failItemInserts > 0 && len(m.st.orderItems) >= m.failItemInserts {
		return errors.New("order_items insert failed")
	}
	item.ID = m.id()
	m.st.orderItems = append(m.st.orderItems, *item)
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, id)
	}
	return &o, nil
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *memStore) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []models.OrderItem{}
	for _, item := range m.st.orderItems {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *memStore) ListOrdersByBuyer(_ context.Context, buyerID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := []models.Order{}
	for _, o := range m.st.orders {
		if o.BuyerID == buyerID {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (m *memStore) UpdateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.orders[order.ID]; !ok {
		return fmt.Errorf("%w: order %d", apperr.ErrNotFound, order.ID)
	}
	stored := *order
	stored.Items = nil
	m.st.orders[order.ID] = stored
	m.orderWrites++
	return nil
}

type fakeEvents struct {
	mu            sync.Mutex
	created       []*models.OrderCreatedEvent
	statusChanged []*models.OrderStatusChangedEvent
	paymentStatus []*models.PaymentStatusChangedEvent
	refunded      []*models.OrderRefundedEvent
	err           error
}

func (f *fakeEvents) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, e)
	return f.err
}

func (f *fakeEvents) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanged = append(f.statusChanged, e)
	return f.err
}

func (f *fakeEvents) PublishPaymentStatusChanged(_ context.Context, e *models.PaymentStatusChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentStatus = append(f.paymentStatus, e)
	return f.err
}

func (f *fakeEvents) PublishOrderRefunded(_ context.Context, e *models.OrderRefundedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, e)
	return f.err
}

type fakeGuard struct {
	mu          sync.Mutex
	idempotency map[string]int64
	locks       map[int64]string
	lockErr     error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{idempotency: map[string]int64{}, locks: map[int64]string{}}
}

func (g *fakeGuard) GetIdempotentOrder(_ context.Context, buyerID int64, key string) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.idempotency[fmt.Sprintf("%d:%s", buyerID, key)]
	return id, ok, nil
}

func (g *fakeGuard) SetIdempotentOrder(_ context.Context, buyerID int64, key string, orderID int64, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idempotency[fmt.Sprintf("%d:%s", buyerID, key)] = orderID
	return nil
}

func (g *fakeGuard) AcquireCheckoutLock(_ context.Context, buyerID int64, token string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lockErr != nil {
		return false, g.lockErr
	}
	if _, held := g.locks[buyerID]; held {
		return false, nil
	}
	g.locks[buyerID] = token
	return true, nil
}

func (g *fakeGuard) ReleaseCheckoutLock(_ context.Context, buyerID int64, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[buyerID] == token {
		delete(g.locks, buyerID)
	}
	return nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: map[string]bool{}}
}

func (d *fakeDedup) MarkNotificationSeen(_ context.Context, id string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *fakeDedup) ForgetNotification(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type fakeGateway struct {
	mu           sync.Mutex
	checkouts    []gateway.CheckoutRequest
	refunds      []gateway.RefundRequest
	payments     map[string]*gateway.Payment
	lookupErr    error
	refundErr    error
	lookups      int
	nextRefundID string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*gateway.Payment{}, nextRefundID: "9001"}
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, req)
	return &gateway.CheckoutSession{
		ID:          "pref-" + req.ExternalReference,
		RedirectURL: "https://gw.example/checkout/" + req.ExternalReference,
	}, nil
}

func (g *fakeGateway) LookupPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: lookup_payment: %w", apperr.ErrGateway, apperr.ErrNotFound)
	}
	return p, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return &gateway.Refund{ID: json.Number(g.nextRefundID), Status: "approved"}, nil
}

type fixture struct {
	store    *memStore
	events   *fakeEvents
	guard    *fakeGuard
	dedup    *fakeDedup
	gateway  *fakeGateway
	carts    *CartService
	orders   *OrderService
	payments *PaymentService
	refunds  *RefundService
	clock    time.Time
}

const cashFallback = "address to confirm on delivery"

var (
	buyer = models.Caller{BuyerID: 7, Role: models.RoleUser}
	other = models.Caller{BuyerID: 8, Role: models.RoleUser}
	admin = models.Caller{BuyerID: 1, Role: models.RoleAdmin}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemStore(),
		events:  &fakeEvents{},
		guard:   newFakeGuard(),
		dedup:   newFakeDedup(),
		gateway: newFakeGateway(),
		clock:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }

	f.carts = NewCartService(f.store)
	f.orders = NewOrderService(f.store, NewInventoryLedger(), f.guard, f.events, OrderConfig{
		CashAddressFallback: cashFallback,
	})
	f.orders.now = now
	f.payments = NewPaymentService(f.store, f.gateway, f.dedup, f.events, time.Hour)
	f.payments.now = now
	f.refunds = NewRefundService(f.store, f.gateway, f.events)
	f.refunds.now = now
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// checkout builds a valid request for the buyer's current cart.
func (f *fixture) checkout(t *testing.T, caller models.Caller, method models.PaymentMethod, shipping string) *CreateOrderRequest {
	t.Helper()
	view, err := f.carts.View(context.Background(), caller.BuyerID)
	if err != nil {
		t.Fatalf("view cart: %v", err)
	}
	ship := dec(shipping)
	return &CreateOrderRequest{
		ShippingAddress: "Av. Siempre Viva 742, Springfield",
		PaymentMethod:   method,
		Subtotal:        view.Total,
		ShippingCost:    ship,
		Total:           view.Total.Add(ship),
	}
}
