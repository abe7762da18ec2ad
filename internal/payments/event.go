// Package payments authenticates provider notifications and normalises them
// into a single Event shape, so reconciliation never looks at provider
// payloads directly.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingSecret    = errors.New("provider secret not configured")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrAmountMismatch   = errors.New("amount mismatch")
)

type Provider string

const (
	ProviderStripe   Provider = "stripe"
	ProviderCoinbase Provider = "coinbase"
	ProviderPayPal   Provider = "paypal"
)

type Kind string

const (
	KindConfirmed Kind = "confirmed"
	KindFailed    Kind = "failed"
	KindDelayed   Kind = "delayed"
	KindIgnored   Kind = "ignored"
)

// Event is a provider notification after verification and decoding.
type Event struct {
	Provider Provider
	Kind     Kind
	EventID  string // provider event id, used for delivery dedup
	Type     string // provider native type, for logs

	ExternalRef string // session id / charge code / paypal order id
	OrderID     string

	BuyerID    string
	BuyerEmail string
	BuyerName  string

	ProductIDs  []string
	CouponRef   string
	AmountCents int64
	Currency    string

	// RequireAmountMatch makes reconciliation refuse an existing order whose
	// stored amount differs from AmountCents.
	RequireAmountMatch bool
}

// DedupKey identifies one delivery of one provider event.
func (e *Event) DedupKey() string {
	if e.EventID == "" {
		return ""
	}
	return string(e.Provider) + ":" + e.EventID
}

// parseProductIDs accepts the JSON-encoded list stored in provider metadata.
func parseProductIDs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: productIds: %v", ErrMalformedPayload, err)
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// EncodeProductIDs is the inverse of parseProductIDs, used when creating
// provider checkouts.
func EncodeProductIDs(ids []string) string {
	b, _ := json.Marshal(ids)
	return string(b)
}
