package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCompleted = "OrderCompleted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "storefront-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type IssuedLicense struct {
	LicenseID string     `json:"license_id"`
	Key       string     `json:"key"`
	ProductID string     `json:"product_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type OrderCompletedPayload struct {
	OrderID     string          `json:"order_id"`
	ExternalRef string          `json:"external_ref"`
	Provider    string          `json:"provider"`
	UserID      string          `json:"user_id,omitempty"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	CouponCode  string          `json:"coupon_code,omitempty"`
	Licenses    []IssuedLicense `json:"licenses"`
}
