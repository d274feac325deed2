// Package ordertest provides an in-memory order and product store for tests.
package ordertest

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/google/uuid"
	"sort"
	"sync"
	"time"
)

type user struct {
	name, email string
}

// Store implements orders.Store and the product reads of orders.ProductRepo
// behind one mutex, so every operation is atomic.
type Store struct {
	mu       sync.Mutex
	products map[string]*orders.Product
	orders   map[string]*orders.Order
	users    map[string]user
	carts    map[string]int // user -> items left in cart
	seq      int

	// Fail, when set, is returned by every call.
	Fail error
}

func NewStore() *Store {
	return &Store{
		products: map[string]*orders.Product{},
		orders:   map[string]*orders.Order{},
		users:    map[string]user{},
		carts:    map[string]int{},
	}
}

func (s *Store) AddUser(id, name, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = user{name: name, email: email}
}

// AddProduct stores p, filling in an id when it has none, and returns the id.
func (s *Store) AddProduct(p orders.Product) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.products[p.ID] = &p
	return p.ID
}

func (s *Store) RemoveProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

// SetCart records n items in the user's cart.
func (s *Store) SetCart(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[userID] = n
}

func (s *Store) CartItems(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[userID]
}

// Stock returns the current stock of a product, -1 when it does not exist.
func (s *Store) Stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return -1
	}
	return p.Stock
}

// PutOrder stores o as is, for tests that need an order in a given state.
func (s *Store) PutOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		s.seq++
		o.CreatedAt = time.Unix(int64(s.seq), 0).UTC()
	}
	s.orders[o.ID] = &o
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// ---- products ----

func (s *Store) Get(ctx context.Context, id string) (*orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	p, ok := s.products[id]
	if !ok {
		return nil, &orders.Error{Kind: orders.ErrNotFound, Message: "Product not found: " + id}
	}
	cp := *p
	return &cp, nil
}

func (s *Store) List(ctx context.Context) ([]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- orders ----

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, 0, s.Fail
	}
	var all []orders.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		all = append(all, s.view(o))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	from := f.Offset()
	if from > total {
		from = total
	}
	to := from + f.Limit
	if to > total {
		to = total
	}
	return append([]orders.Order{}, all[from:to]...), total, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, &orders.Error{Kind: orders.ErrNotFound, Message: "Order not found"}
	}
	v := s.view(o)
	return &v, nil
}

// view copies o and joins the owner and live product fields.
func (s *Store) view(o *orders.Order) orders.Order {
	v := *o
	v.UserName = s.users[o.UserID].name
	v.UserEmail = s.users[o.UserID].email
	v.Items = make([]orders.OrderItem, len(o.Items))
	for i, it := range o.Items {
		if p, ok := s.products[it.ProductID]; ok {
			it.ProductName = p.Name
			it.ProductImages = append([]string(nil), p.Images...)
		}
		v.Items[i] = it
	}
	return v
}

func (s *Store) CreateOrder(ctx context.Context, in orders.NewOrder) (*orders.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, false, s.Fail
	}

	if in.IdempotencyKey != "" {
		for _, o := range s.orders {
			if o.UserID == in.UserID && o.IdempotencyKey == in.IdempotencyKey {
				v := s.view(o)
				return &v, true, nil
			}
		}
	}

	need := map[string]int{}
	o := &orders.Order{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		IdempotencyKey:     in.IdempotencyKey,
		Shipping:           in.Shipping,
		PaymentMethod:      in.PaymentMethod,
		TaxPriceCents:      in.TaxPriceCents,
		ShippingPriceCents: in.ShippingPriceCents,
		Notes:              in.Notes,
		Status:             orders.StatusPending,
	}
	for _, it := range in.Items {
		p, ok := s.products[it.ProductID]
		if !ok {
			return nil, false, &orders.Error{Kind: orders.ErrNotFound, Message: "Product not found: " + it.ProductID}
		}
		need[p.ID] += it.Quantity
		if p.Stock < need[p.ID] {
			return nil, false, &orders.Error{Kind: orders.ErrInsufficientStock, Message: fmt.Sprintf("Insufficient stock for %s", p.Name)}
		}
		price := p.EffectivePrice()
		o.Items = append(o.Items, orders.OrderItem{
			ProductID:  p.ID,
			Name:       p.Name,
			Image:      p.FirstImage(),
			PriceCents: price,
			Quantity:   it.Quantity,
		})
		o.ItemsPriceCents += price * int64(it.Quantity)
	}
	o.TotalPriceCents = o.ItemsPriceCents + o.TaxPriceCents + o.ShippingPriceCents

	for id, qty := range need {
		s.products[id].Stock -= qty
	}
	s.seq++
	o.CreatedAt = time.Unix(int64(s.seq), 0).UTC()
	o.UpdatedAt = o.CreatedAt
	s.orders[o.ID] = o
	s.carts[in.UserID] = 0

	v := s.view(o)
	return &v, false, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return &orders.Error{Kind: orders.ErrInvalidState, Message: "Order status changed concurrently, retry"}
	}
	o.Status = to
	if to == orders.StatusDelivered {
		o.IsDelivered = true
		o.DeliveredAt = &at
	}
	o.UpdatedAt = at
	return nil
}

func (s *Store) MarkPaid(ctx context.Context, id string, res orders.PaymentResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	o, ok := s.orders[id]
	if !ok || o.Status == orders.StatusCancelled {
		return &orders.Error{Kind: orders.ErrInvalidState, Message: "Cannot pay for a cancelled order"}
	}
	o.IsPaid = true
	o.PaidAt = &at
	o.PaymentResult = &res
	o.UpdatedAt = at
	return nil
}

func (s *Store) CancelOrder(ctx context.Context, id string) ([]orders.ItemQty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	o, ok := s.orders[id]
	if !ok || !o.Status.Cancellable() {
		return nil, &orders.Error{Kind: orders.ErrInvalidState, Message: "Cannot cancel order at this stage"}
	}
	o.Status = orders.StatusCancelled
	o.UpdatedAt = time.Now().UTC()

	restored := []orders.ItemQty{}
	for _, it := range o.Items {
		p, ok := s.products[it.ProductID]
		if !ok {
			continue
		}
		p.Stock += it.Quantity
		restored = append(restored, orders.ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return restored, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.orders[id]; !ok {
		return &orders.Error{Kind: orders.ErrNotFound, Message: "Order not found"}
	}
	delete(s.orders, id)
	return nil
}

var _ orders.Store = (*Store)(nil)
