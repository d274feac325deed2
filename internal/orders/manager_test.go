package orders_test

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-food-orders/internal/metrics"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/orders/ordertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

var (
	alice = orders.Actor{UserID: "u-alice", Role: "user"}
	bob   = orders.Actor{UserID: "u-bob", Role: "user"}
	admin = orders.Actor{UserID: "u-admin", Role: orders.RoleAdmin}
)

type fixture struct {
	m      *orders.Manager
	store  *ordertest.Store
	events *ordertest.Publisher
	cache  *ordertest.Cache
	stats  *metrics.Orders
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  ordertest.NewStore(),
		events: &ordertest.Publisher{},
		cache:  ordertest.NewCache(),
		stats:  metrics.NewOrders(prometheus.NewRegistry(), "test"),
		clock:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.m = &orders.Manager{
		Store:   f.store,
		Cache:   f.cache,
		Events:  f.events,
		Metrics: f.stats,
		Service: "test",
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Minute)
			return f.clock
		},
	}
	f.store.AddUser(alice.UserID, "Alice", "alice@example.com")
	return f
}

func (f *fixture) product(name string, price int64, stock int) string {
	return f.store.AddProduct(orders.Product{Name: name, PriceCents: price, Stock: stock, Images: []string{name + ".jpg"}})
}

func (f *fixture) order(t *testing.T, actor orders.Actor, items ...orders.ItemInput) *orders.Order {
	t.Helper()
	o, existed, err := f.m.Create(context.Background(), actor, orders.CreateInput{Items: items, PaymentMethod: "card"})
	require.NoError(t, err)
	require.False(t, existed)
	return o
}

func item(id string, qty int) orders.ItemInput { return orders.ItemInput{ProductID: id, Quantity: qty} }

func TestCreateReservesStockAndClearsCart(t *testing.T) {
	f := newFixture(t)
	burger := f.product("Burger", 1000, 5)
	discount := int64(300)
	fries := f.store.AddProduct(orders.Product{Name: "Fries", PriceCents: 400, DiscountPriceCents: &discount, Stock: 10})
	f.store.SetCart(alice.UserID, 2)

	o, existed, err := f.m.Create(context.Background(), alice, orders.CreateInput{
		Items:              []orders.ItemInput{item(burger, 2), item(fries, 3)},
		Shipping:           orders.ShippingAddress{Street: "Jl. Merdeka 1", City: "Bandung"},
		PaymentMethod:      "card",
		TaxPriceCents:      150,
		ShippingPriceCents: 500,
	})
	require.NoError(t, err)
	assert.False(t, existed)

	assert.Equal(t, orders.StatusPending, o.Status)
	assert.False(t, o.IsPaid)
	assert.False(t, o.IsDelivered)
	assert.Equal(t, alice.UserID, o.UserID)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Burger", o.Items[0].Name)
	assert.Equal(t, "Burger.jpg", o.Items[0].Image)
	assert.Equal(t, int64(300), o.Items[1].PriceCents)
	assert.Equal(t, int64(2*1000+3*300), o.ItemsPriceCents)
	assert.Equal(t, int64(2900+150+500), o.TotalPriceCents)

	assert.Equal(t, 3, f.store.Stock(burger))
	assert.Equal(t, 7, f.store.Stock(fries))
	assert.Equal(t, 0, f.store.CartItems(alice.UserID))

	msgs := f.events.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, orders.TopicOrderCreated, msgs[0].Topic)
	assert.Equal(t, []byte(o.ID), msgs[0].Key)
	assert.Equal(t, orders.EventOrderCreated, msgs[0].Envelope.EventType)
	assert.Equal(t, o.ID, msgs[0].Envelope.CorrelationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.stats.Events.WithLabelValues("created")))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)

	cases := map[string]orders.CreateInput{
		"no items":       {},
		"blank product":  {Items: []orders.ItemInput{item(" ", 1)}},
		"zero quantity":  {Items: []orders.ItemInput{item(p, 0)}},
		"negative price": {Items: []orders.ItemInput{item(p, 1)}, TaxPriceCents: -1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.m.Create(context.Background(), alice, in)
			assert.ErrorIs(t, err, orders.ErrInvalidInput)
		})
	}

	_, _, err := f.m.Create(context.Background(), alice, orders.CreateInput{})
	assert.EqualError(t, err, "No order items")
	assert.Equal(t, 5, f.store.Stock(p))
	assert.Zero(t, f.store.OrderCount())
}

func TestCreateFailureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	burger := f.product("Burger", 1000, 5)
	fries := f.product("Fries", 400, 1)
	f.store.SetCart(alice.UserID, 2)

	_, _, err := f.m.Create(context.Background(), alice, orders.CreateInput{
		Items: []orders.ItemInput{item(burger, 2), item(fries, 2)},
	})
	require.ErrorIs(t, err, orders.ErrInsufficientStock)
	assert.EqualError(t, err, "Insufficient stock for Fries")

	_, _, err = f.m.Create(context.Background(), alice, orders.CreateInput{
		Items: []orders.ItemInput{item(burger, 1), item("missing", 1)},
	})
	require.ErrorIs(t, err, orders.ErrNotFound)

	assert.Equal(t, 5, f.store.Stock(burger))
	assert.Equal(t, 1, f.store.Stock(fries))
	assert.Equal(t, 2, f.store.CartItems(alice.UserID))
	assert.Zero(t, f.store.OrderCount())
	assert.Empty(t, f.events.Messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.stats.Rejections.WithLabelValues("insufficient_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.stats.Rejections.WithLabelValues("not_found")))
}

func TestCreateConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	p := f.product("Rendang", 2500, 2)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.m.Create(context.Background(), alice, orders.CreateInput{Items: []orders.ItemInput{item(p, 2)}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, orders.ErrInsufficientStock):
				short++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, short)
	assert.Equal(t, 0, f.store.Stock(p))
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	in := orders.CreateInput{IdempotencyKey: "key-1", Items: []orders.ItemInput{item(p, 2)}}

	first, existed, err := f.m.Create(context.Background(), alice, in)
	require.NoError(t, err)
	require.False(t, existed)

	again, existed, err := f.m.Create(context.Background(), alice, in)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, again.ID)

	// same key, other user: a new order
	other, existed, err := f.m.Create(context.Background(), bob, in)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotEqual(t, first.ID, other.ID)

	assert.Equal(t, 1, f.store.Stock(p))
	assert.Len(t, f.events.Messages(), 2)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))

	_, err := f.m.Get(context.Background(), bob, o.ID)
	assert.ErrorIs(t, err, orders.ErrForbidden)

	got, err := f.m.Get(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.UserName)
	assert.Equal(t, "alice@example.com", got.UserEmail)
	assert.Equal(t, "Burger", got.Items[0].ProductName)

	_, err = f.m.Get(context.Background(), admin, o.ID)
	assert.NoError(t, err)

	_, err = f.m.Get(context.Background(), admin, "nope")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestGetReadsThroughCache(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))

	_, err := f.m.Get(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.True(t, f.cache.Cached(o.ID))

	_, err = f.m.UpdateStatus(context.Background(), admin, o.ID, "processing")
	require.NoError(t, err)
	assert.False(t, f.cache.Cached(o.ID))

	got, err := f.m.Get(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, got.Status)
}

// pausingStore holds its first GetOrder result until release is closed.
type pausingStore struct {
	orders.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := s.Store.GetOrder(ctx, id)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.read)
		<-s.release
	}
	return o, err
}

func TestGetDoesNotCacheOrderChangedDuringRead(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))
	ps := &pausingStore{Store: f.store, read: make(chan struct{}), release: make(chan struct{})}
	f.m.Store = ps
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.m.Get(ctx, alice, o.ID)
		done <- err
	}()

	<-ps.read
	_, err := f.m.MarkPaid(ctx, alice, o.ID, orders.PaymentResult{ID: "pay-1", Status: "COMPLETED"})
	require.NoError(t, err)
	close(ps.release)
	require.NoError(t, <-done)

	assert.False(t, f.cache.Cached(o.ID))
	got, err := f.m.Get(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.True(t, f.cache.Cached(o.ID))
}

func TestCancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	p := f.product("Sate", 1500, 10)
	gone := f.product("Es Teh", 500, 10)
	o := f.order(t, alice, item(p, 3), item(gone, 1))
	require.Equal(t, 7, f.store.Stock(p))
	f.store.RemoveProduct(gone)

	got, err := f.m.Cancel(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 10, f.store.Stock(p))

	msgs := f.events.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, orders.TopicOrderCancelled, msgs[1].Topic)

	// second cancel is rejected and restores nothing
	_, err = f.m.Cancel(context.Background(), alice, o.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidState)
	assert.Equal(t, 10, f.store.Stock(p))
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	p := f.product("Sate", 1500, 10)
	o := f.order(t, alice, item(p, 2))

	_, err := f.m.Cancel(context.Background(), bob, o.ID)
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.m.Cancel(context.Background(), alice, "nope")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = f.m.UpdateStatus(context.Background(), admin, o.ID, "delivered")
	require.NoError(t, err)
	_, err = f.m.Cancel(context.Background(), admin, o.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidState)
	assert.EqualError(t, err, "Cannot cancel order at this stage")
	assert.Equal(t, 8, f.store.Stock(p))

	proc := f.order(t, alice, item(p, 1))
	_, err = f.m.UpdateStatus(context.Background(), admin, proc.ID, "processing")
	require.NoError(t, err)
	_, err = f.m.Cancel(context.Background(), admin, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, f.store.Stock(p))
}

func TestUpdateStatusDeliveredIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))

	first, err := f.m.UpdateStatus(context.Background(), admin, o.ID, "delivered")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, first.Status)
	assert.True(t, first.IsDelivered)
	require.NotNil(t, first.DeliveredAt)

	second, err := f.m.UpdateStatus(context.Background(), admin, o.ID, "Delivered")
	require.NoError(t, err)
	assert.True(t, second.IsDelivered)
	require.NotNil(t, second.DeliveredAt)
	assert.True(t, second.DeliveredAt.After(*first.DeliveredAt))
}

func TestUpdateStatusRules(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))
	ctx := context.Background()

	_, err := f.m.UpdateStatus(ctx, alice, o.ID, "processing")
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.m.UpdateStatus(ctx, admin, o.ID, "shipped")
	assert.ErrorIs(t, err, orders.ErrInvalidInput)

	_, err = f.m.UpdateStatus(ctx, admin, "nope", "processing")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = f.m.UpdateStatus(ctx, admin, o.ID, "cancelled")
	assert.ErrorIs(t, err, orders.ErrInvalidState)
	assert.Equal(t, 4, f.store.Stock(p))

	got, err := f.m.UpdateStatus(ctx, admin, o.ID, "processing")
	require.NoError(t, err)
	assert.False(t, got.IsDelivered)

	_, err = f.m.UpdateStatus(ctx, admin, o.ID, "pending")
	assert.ErrorIs(t, err, orders.ErrInvalidState)

	msgs := f.events.Messages()
	assert.Equal(t, orders.TopicOrderStatusChanged, msgs[len(msgs)-1].Topic)
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 1))
	res := orders.PaymentResult{ID: "pay-1", Status: "COMPLETED", UpdateTime: "2024-05-01T12:00:00Z", EmailAddress: "alice@example.com"}

	_, err := f.m.MarkPaid(context.Background(), bob, o.ID, res)
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.m.MarkPaid(context.Background(), alice, "nope", res)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	got, err := f.m.MarkPaid(context.Background(), alice, o.ID, res)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	require.NotNil(t, got.PaidAt)
	require.NotNil(t, got.PaymentResult)
	assert.Equal(t, res, *got.PaymentResult)

	cancelled := f.order(t, alice, item(p, 1))
	_, err = f.m.Cancel(context.Background(), alice, cancelled.ID)
	require.NoError(t, err)
	_, err = f.m.MarkPaid(context.Background(), admin, cancelled.ID, res)
	assert.ErrorIs(t, err, orders.ErrInvalidState)
}

func TestDeleteDoesNotRestoreStock(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	o := f.order(t, alice, item(p, 2))

	assert.ErrorIs(t, f.m.Delete(context.Background(), alice, o.ID), orders.ErrForbidden)
	require.NoError(t, f.m.Delete(context.Background(), admin, o.ID))
	assert.Equal(t, 3, f.store.Stock(p))

	_, err := f.m.Get(context.Background(), admin, o.ID)
	assert.ErrorIs(t, err, orders.ErrNotFound)
	assert.ErrorIs(t, f.m.Delete(context.Background(), admin, o.ID), orders.ErrNotFound)
	assert.Contains(t, f.events.Topics(), orders.TopicOrderDeleted)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 100)
	for i := 0; i < 5; i++ {
		f.order(t, alice, item(p, 1))
	}
	f.order(t, bob, item(p, 1))
	ctx := context.Background()

	_, err := f.m.List(ctx, alice, orders.ListFilter{})
	assert.ErrorIs(t, err, orders.ErrForbidden)

	page, err := f.m.List(ctx, admin, orders.ListFilter{Page: 2, Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Len(t, page.Orders, 2)

	page, err = f.m.List(ctx, admin, orders.ListFilter{Page: -1, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 1, page.TotalPages)
	assert.Len(t, page.Orders, 6)
	// newest first
	assert.Equal(t, bob.UserID, page.Orders[0].UserID)

	mine, err := f.m.ListMine(ctx, alice, orders.ListFilter{UserID: bob.UserID})
	require.NoError(t, err)
	assert.Equal(t, 5, mine.Total)
	for _, o := range mine.Orders {
		assert.Equal(t, alice.UserID, o.UserID)
	}

	_, err = f.m.List(ctx, admin, orders.ListFilter{Status: "shipped"})
	assert.ErrorIs(t, err, orders.ErrInvalidInput)

	done, err := f.m.List(ctx, admin, orders.ListFilter{Status: orders.StatusDelivered})
	require.NoError(t, err)
	assert.Zero(t, done.Total)
	assert.Zero(t, done.TotalPages)
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection refused")
	f.store.Fail = boom

	_, err := f.m.ListMine(context.Background(), alice, orders.ListFilter{})
	assert.ErrorIs(t, err, boom)
	_, _, err = f.m.Create(context.Background(), alice, orders.CreateInput{Items: []orders.ItemInput{item("p", 1)}})
	assert.ErrorIs(t, err, boom)
}

func TestTraceIDIsCopiedIntoEvents(t *testing.T) {
	f := newFixture(t)
	p := f.product("Burger", 1000, 5)
	ctx := orders.WithTraceID(context.Background(), "req-42")

	_, _, err := f.m.Create(ctx, alice, orders.CreateInput{Items: []orders.ItemInput{item(p, 1)}})
	require.NoError(t, err)
	assert.Equal(t, "req-42", f.events.Messages()[0].Envelope.TraceID)
}
