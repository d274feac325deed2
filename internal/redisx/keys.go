package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotency create order: idem:order:create:{user_id}:{key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Cache order: order:{order_id} -> order JSON
	KeyOrder = "order:%s"

	// Versi cache order, naik tiap evict: order:ver:{order_id} -> counter
	KeyOrderVersion = "order:ver:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency  = 24 * time.Hour
	TTLOrderCache   = 5 * time.Minute
	TTLOrderVersion = 24 * time.Hour
	TTLDedup        = 48 * time.Hour
)

func IdemOrderCreateKey(userID, key string) string {
	return fmt.Sprintf(KeyIdemOrderCreate, userID, key)
}

func OrderKey(orderID string) string { return fmt.Sprintf(KeyOrder, orderID) }

func OrderVersionKey(orderID string) string { return fmt.Sprintf(KeyOrderVersion, orderID) }

func DedupKey(service, id string) string { return fmt.Sprintf(KeyDedup, service, id) }
