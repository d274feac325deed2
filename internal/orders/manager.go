package orders

import (
	"context"
	"errors"
	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"strings"
	"time"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Store persists orders. Repo is the Postgres implementation.
type Store interface {
	ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	CreateOrder(ctx context.Context, in NewOrder) (*Order, bool, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	MarkPaid(ctx context.Context, id string, res PaymentResult, at time.Time) error
	CancelOrder(ctx context.Context, id string) ([]ItemQty, error)
	DeleteOrder(ctx context.Context, id string) error
}

// Cache is a best-effort read-through cache; misses and failures are silent.
// A miss returns a version token. SetOrder stores the order only if the order
// was not evicted after that token was read, and an empty token never stores.
type Cache interface {
	GetOrder(ctx context.Context, id string) (o *Order, version string, ok bool)
	SetOrder(ctx context.Context, o *Order, version string)
	EvictOrder(ctx context.Context, id string)
	LookupIdempotent(ctx context.Context, userID, key string) (string, bool)
	RememberIdempotent(ctx context.Context, userID, key, orderID string)
}

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Manager runs the order lifecycle: validation, authorization, state checks,
// and the side effects (cache, events, metrics) after each committed change.
type Manager struct {
	Store   Store
	Cache   Cache     // optional
	Events  Publisher // optional
	Metrics *metrics.Orders
	Logger  *zap.Logger
	Service string
	Now     func() time.Time
}

// CreateInput is a create request as received from the client.
type CreateInput struct {
	IdempotencyKey     string
	Items              []ItemInput
	Shipping           ShippingAddress
	PaymentMethod      string
	TaxPriceCents      int64
	ShippingPriceCents int64
	Notes              string
}

func (m *Manager) List(ctx context.Context, actor Actor, f ListFilter) (Page, error) {
	if !actor.IsAdmin() {
		return Page{}, newError(ErrForbidden, "Not authorized to list all orders")
	}
	f.UserID = ""
	return m.list(ctx, f)
}

func (m *Manager) ListMine(ctx context.Context, actor Actor, f ListFilter) (Page, error) {
	f.UserID = actor.UserID
	return m.list(ctx, f)
}

func (m *Manager) list(ctx context.Context, f ListFilter) (Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, newError(ErrInvalidInput, "Invalid order status: %s", f.Status)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}

	list, total, err := m.Store.ListOrders(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Orders:      list,
		Total:       total,
		TotalPages:  (total + f.Limit - 1) / f.Limit,
		CurrentPage: f.Page,
	}, nil
}

func (m *Manager) Get(ctx context.Context, actor Actor, id string) (*Order, error) {
	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(o) {
		return nil, newError(ErrForbidden, "Not authorized to access this order")
	}
	return o, nil
}

// load reads through the cache. The version is taken before the store read,
// so a mutation that commits in between makes the write-back a no-op.
func (m *Manager) load(ctx context.Context, id string) (*Order, error) {
	var version string
	if m.Cache != nil {
		o, v, ok := m.Cache.GetOrder(ctx, id)
		if ok {
			return o, nil
		}
		version = v
	}
	o, err := m.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Cache != nil {
		m.Cache.SetOrder(ctx, o, version)
	}
	return o, nil
}

// Create validates the request and hands it to the store, which reserves
// stock and persists the order atomically. existed is true when the
// idempotency key matched an earlier order.
func (m *Manager) Create(ctx context.Context, actor Actor, in CreateInput) (o *Order, existed bool, err error) {
	if err := validateCreate(in); err != nil {
		return nil, false, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && m.Cache != nil {
		if id, ok := m.Cache.LookupIdempotent(ctx, actor.UserID, key); ok {
			if o, err := m.Store.GetOrder(ctx, id); err == nil && o.UserID == actor.UserID {
				return o, true, nil
			}
		}
	}

	items := make([]ItemInput, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, ItemInput{ProductID: strings.TrimSpace(it.ProductID), Quantity: it.Quantity})
	}

	o, existed, err = m.Store.CreateOrder(ctx, NewOrder{
		UserID:             actor.UserID,
		IdempotencyKey:     key,
		Items:              items,
		Shipping:           in.Shipping,
		PaymentMethod:      strings.TrimSpace(in.PaymentMethod),
		TaxPriceCents:      in.TaxPriceCents,
		ShippingPriceCents: in.ShippingPriceCents,
		Notes:              in.Notes,
	})
	if err != nil {
		m.reject(err)
		return nil, false, err
	}
	if key != "" && m.Cache != nil {
		m.Cache.RememberIdempotent(ctx, actor.UserID, key, o.ID)
	}
	if existed {
		return o, true, nil
	}

	m.Metrics.Observe("created")
	m.publish(ctx, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Items:      itemQtys(o.Items),
		TotalCents: o.TotalPriceCents,
	})
	return o, false, nil
}

func validateCreate(in CreateInput) error {
	if len(in.Items) == 0 {
		return newError(ErrInvalidInput, "No order items")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return newError(ErrInvalidInput, "Each order item needs a product")
		}
		if it.Quantity < 1 {
			return newError(ErrInvalidInput, "Quantity for product %s must be at least 1", it.ProductID)
		}
	}
	if in.TaxPriceCents < 0 || in.ShippingPriceCents < 0 {
		return newError(ErrInvalidInput, "Prices must not be negative")
	}
	return nil
}

func (m *Manager) UpdateStatus(ctx context.Context, actor Actor, id, status string) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, newError(ErrForbidden, "Not authorized to update order status")
	}
	to := Status(strings.ToLower(strings.TrimSpace(status)))
	if !to.Valid() {
		return nil, newError(ErrInvalidInput, "Invalid order status: %s", status)
	}

	o, err := m.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if to == StatusCancelled && from.Cancellable() {
		m.Metrics.Reject("invalid_state")
		return nil, newError(ErrInvalidState, "Use the cancel operation to cancel an order")
	}
	if !CanTransition(from, to) {
		m.Metrics.Reject("invalid_state")
		return nil, newError(ErrInvalidState, "Cannot change order status from %s to %s", from, to)
	}

	if err := m.Store.UpdateStatus(ctx, id, from, to, m.now()); err != nil {
		m.reject(err)
		return nil, err
	}
	m.evict(ctx, id)
	m.Metrics.Observe("status_" + string(to))
	m.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, id, OrderStatusChangedPayload{
		OrderID: id, From: from, To: to,
	})
	return m.Store.GetOrder(ctx, id)
}

// MarkPaid records the payment provider result. Only the owner or an admin
// may mark an order paid.
func (m *Manager) MarkPaid(ctx context.Context, actor Actor, id string, res PaymentResult) (*Order, error) {
	o, err := m.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(o) {
		m.Metrics.Reject("forbidden")
		return nil, newError(ErrForbidden, "Not authorized to pay for this order")
	}
	if o.Status == StatusCancelled {
		m.Metrics.Reject("invalid_state")
		return nil, newError(ErrInvalidState, "Cannot pay for a cancelled order")
	}

	if err := m.Store.MarkPaid(ctx, id, res, m.now()); err != nil {
		m.reject(err)
		return nil, err
	}
	m.evict(ctx, id)
	m.Metrics.Observe("paid")
	m.publish(ctx, TopicOrderPaid, EventOrderPaid, id, OrderPaidPayload{
		OrderID: id, PaymentRef: res.ID, AmountCents: o.TotalPriceCents,
	})
	return m.Store.GetOrder(ctx, id)
}

func (m *Manager) Cancel(ctx context.Context, actor Actor, id string) (*Order, error) {
	o, err := m.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(o) {
		m.Metrics.Reject("forbidden")
		return nil, newError(ErrForbidden, "Not authorized to cancel this order")
	}
	if !o.Status.Cancellable() {
		m.Metrics.Reject("invalid_state")
		return nil, newError(ErrInvalidState, "Cannot cancel order at this stage")
	}

	restored, err := m.Store.CancelOrder(ctx, id)
	if err != nil {
		m.reject(err)
		return nil, err
	}
	m.evict(ctx, id)
	m.Metrics.Observe("cancelled")
	m.publish(ctx, TopicOrderCancelled, EventOrderCancelled, id, OrderCancelledPayload{
		OrderID: id, UserID: o.UserID, Restored: restored,
	})
	return m.Store.GetOrder(ctx, id)
}

// Delete removes the order permanently without restoring stock.
func (m *Manager) Delete(ctx context.Context, actor Actor, id string) error {
	if !actor.IsAdmin() {
		return newError(ErrForbidden, "Not authorized to delete orders")
	}
	if err := m.Store.DeleteOrder(ctx, id); err != nil {
		return err
	}
	m.evict(ctx, id)
	m.Metrics.Observe("deleted")
	m.publish(ctx, TopicOrderDeleted, EventOrderDeleted, id, OrderDeletedPayload{OrderID: id})
	return nil
}

func (m *Manager) evict(ctx context.Context, id string) {
	if m.Cache != nil {
		m.Cache.EvictOrder(ctx, id)
	}
}

func (m *Manager) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if m.Events == nil {
		return
	}
	ev, err := NewEnvelope(eventType, m.Service, TraceID(ctx), orderID, payload)
	if err != nil {
		m.logger().Error("build event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
		return
	}
	m.Events.Publish(topic, PartitionKey(orderID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, ev.EventVersion)...)
}

func (m *Manager) reject(err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		m.Metrics.Reject("insufficient_stock")
	case errors.Is(err, ErrNotFound):
		m.Metrics.Reject("not_found")
	case errors.Is(err, ErrInvalidState):
		m.Metrics.Reject("invalid_state")
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return zap.NewNop()
}

type traceKey struct{}

// WithTraceID attaches the request id that is copied into published events.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
