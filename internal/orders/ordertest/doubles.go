package ordertest

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"strconv"
	"sync"
)

// Message is one recorded Publish call.
type Message struct {
	Topic    string
	Key      []byte
	Envelope orders.Envelope
	Headers  []kafkago.Header
}

// Publisher records published events.
type Publisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *Publisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	var ev orders.Envelope
	_ = json.Unmarshal(value, &ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, Message{Topic: topic, Key: key, Envelope: ev, Headers: headers})
}

func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

// Topics lists the topics published to, in order.
func (p *Publisher) Topics() []string {
	var out []string
	for _, m := range p.Messages() {
		out = append(out, m.Topic)
	}
	return out
}

// Cache is a map-backed orders.Cache. Every eviction bumps the order's
// version, like the Redis cache does.
type Cache struct {
	mu       sync.Mutex
	orders   map[string]orders.Order
	versions map[string]int
	idem     map[string]string
}

func NewCache() *Cache {
	return &Cache{orders: map[string]orders.Order{}, versions: map[string]int{}, idem: map[string]string{}}
}

func (c *Cache) GetOrder(ctx context.Context, id string) (*orders.Order, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, strconv.Itoa(c.versions[id]), false
	}
	return &o, "", true
}

func (c *Cache) SetOrder(ctx context.Context, o *orders.Order, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == "" || version != strconv.Itoa(c.versions[o.ID]) {
		return
	}
	c.orders[o.ID] = *o
}

func (c *Cache) EvictOrder(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
	c.versions[id]++
}

func (c *Cache) Cached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.orders[id]
	return ok
}

func (c *Cache) LookupIdempotent(ctx context.Context, userID, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.idem[userID+"/"+key]
	return id, ok
}

func (c *Cache) RememberIdempotent(ctx context.Context, userID, key, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idem[userID+"/"+key] = orderID
}

var _ orders.Cache = (*Cache)(nil)
