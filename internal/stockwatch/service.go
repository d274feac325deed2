package stockwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/metrics"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type ProductGetter interface {
	Get(ctx context.Context, id string) (*orders.Product, error)
}

// Service watches order.created and raises product.stock.low when an order
// leaves a product at or below Threshold.
type Service struct {
	Products    ProductGetter
	Redis       redis.Cmdable
	Events      orders.Publisher
	Metrics     *metrics.Orders
	Threshold   int
	ServiceName string
	Logger      *zap.Logger
}

// HandleOrderCreated: dipasang sebagai handler consumer.
func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.HeaderValue(m, "x-event-type"); t != "" && t != orders.EventOrderCreated {
		return nil
	}

	// 1) decode envelope
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// pesan rusak tidak akan pernah sukses; log lalu commit
		s.logger().Warn("drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}

	// 2) dedup via Redis (pakai event_id)
	dkey := redisx.DedupKey(s.ServiceName, env.EventID)
	claimed, err := redisx.Claim(ctx, s.Redis, dkey, redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup claim: %w", err)
	}
	if !claimed {
		return nil
	}

	if err := s.check(ctx, env); err != nil {
		// lepas claim supaya retry dari consumer diproses ulang
		_ = redisx.Release(ctx, s.Redis, dkey)
		return err
	}
	return nil
}

func (s *Service) check(ctx context.Context, env orders.Envelope) error {
	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		if seen[it.ProductID] {
			continue
		}
		seen[it.ProductID] = true

		prod, err := s.Products.Get(ctx, it.ProductID)
		if err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				continue
			}
			return err
		}
		if prod.Stock > s.Threshold {
			continue
		}
		s.publishLow(env, p.OrderID, prod)
	}
	return nil
}

func (s *Service) publishLow(src orders.Envelope, orderID string, p *orders.Product) {
	ev, err := orders.NewEnvelope(orders.EventStockLow, s.ServiceName, src.TraceID, orderID, orders.StockLowPayload{
		ProductID: p.ID,
		Name:      p.Name,
		Stock:     p.Stock,
		Threshold: s.Threshold,
		OrderID:   orderID,
	})
	if err != nil {
		s.logger().Error("build stock low event", zap.String("product_id", p.ID), zap.Error(err))
		return
	}
	// key = product_id, alert per produk tetap berurutan
	s.Events.Publish(orders.TopicStockLow, []byte(p.ID), kafkax.MustMarshal(ev),
		kafkax.EventHeaders(orders.EventStockLow, ev.EventVersion)...)
	s.Metrics.Observe("stock_low")
	s.logger().Info("stock low",
		zap.String("product_id", p.ID), zap.Int("stock", p.Stock), zap.String("order_id", orderID))
}

func (s *Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}
