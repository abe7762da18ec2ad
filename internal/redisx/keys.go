package redisx

import "time"

const (
	// Dedup delivery: dedup:{service}:{id} (id = provider:event_id or envelope event_id)
	KeyDedup = "dedup:%s:%s"

	// Cache status order: order_status:{external_ref} -> {"order_id": "...", "status": "..."}
	KeyOrderStatus = "order_status:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
