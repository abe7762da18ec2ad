package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	CoinbaseSignatureHeader = "X-CC-Webhook-Signature"
	CoinbaseAPIURL          = "https://api.commerce.coinbase.com"
	coinbaseAPIVersion      = "2018-03-22"
)

// VerifyCoinbase checks the hex HMAC-SHA256 of the raw body.
func VerifyCoinbase(payload []byte, signature, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrMissingSecret
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: unreadable %s", ErrInvalidSignature, CoinbaseSignatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

type coinbaseMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type coinbaseCharge struct {
	ID       string                   `json:"id"`
	Code     string                   `json:"code"`
	Metadata map[string]any           `json:"metadata"`
	Pricing  map[string]coinbaseMoney `json:"pricing"`
}

// The top-level id arrives as a JSON number; event.id is the stable
// identifier.
type coinbaseWebhook struct {
	ID    json.RawMessage `json:"id"`
	Event struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data coinbaseCharge `json:"data"`
	} `json:"event"`
}

// DecodeCoinbase reads a Coinbase Commerce webhook body. The charge code is
// the order's external reference.
func DecodeCoinbase(payload []byte) (*Event, error) {
	var wh coinbaseWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: coinbase webhook: %v", ErrMalformedPayload, err)
	}
	ev := wh.Event
	out := &Event{Provider: ProviderCoinbase, EventID: ev.ID, Type: ev.Type, Kind: KindIgnored}
	if out.EventID == "" && len(wh.ID) > 0 && string(wh.ID) != "null" {
		out.EventID = strings.Trim(string(wh.ID), `"`)
	}

	switch ev.Type {
	case "charge:confirmed", "charge:resolved":
		out.Kind = KindConfirmed
	case "charge:failed":
		out.Kind = KindFailed
	case "charge:delayed":
		out.Kind = KindDelayed
	default:
		return out, nil
	}

	charge := ev.Data
	if charge.Code == "" {
		return nil, fmt.Errorf("%w: charge without code", ErrMalformedPayload)
	}

	ids, err := metadataProductIDs(charge.Metadata["productIds"])
	if err != nil {
		return nil, err
	}

	out.ExternalRef = charge.Code
	out.OrderID = metadataString(charge.Metadata, "orderId")
	out.BuyerID = metadataString(charge.Metadata, "userId")
	out.BuyerEmail = metadataString(charge.Metadata, "email")
	out.BuyerName = metadataString(charge.Metadata, "name")
	out.CouponRef = metadataString(charge.Metadata, "couponId")
	out.ProductIDs = ids

	if local, ok := charge.Pricing["local"]; ok && local.Amount != "" {
		amt, err := ParseMinor(local.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		out.AmountCents = amt
		out.Currency = strings.ToUpper(local.Currency)
	}
	return out, nil
}

func metadataString(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// Metadata values are strings when the charge is created by this service,
// but a raw JSON array is accepted too.
func metadataProductIDs(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseProductIDs(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("%w: productIds entry %v", ErrMalformedPayload, x)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: productIds of type %T", ErrMalformedPayload, v)
	}
}

// ChargeRequest describes a hosted crypto checkout.
type ChargeRequest struct {
	Name        string
	Description string
	AmountCents int64
	Currency    string
	UserID      string
	Email       string
	ProductIDs  []string
	CouponCode  string
	RedirectURL string
	CancelURL   string
}

type CoinbaseClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewCoinbaseClient(baseURL, apiKey string) *CoinbaseClient {
	if baseURL == "" {
		baseURL = CoinbaseAPIURL
	}
	return &CoinbaseClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateCharge returns the charge code and its hosted payment page.
func (c *CoinbaseClient) CreateCharge(ctx context.Context, req ChargeRequest) (code, hostedURL string, err error) {
	if c.APIKey == "" {
		return "", "", ErrMissingSecret
	}
	meta := map[string]string{
		"productIds": EncodeProductIDs(req.ProductIDs),
	}
	if req.UserID != "" {
		meta["userId"] = req.UserID
	}
	if req.Email != "" {
		meta["email"] = req.Email
	}
	if req.CouponCode != "" {
		meta["couponId"] = req.CouponCode
	}
	body, err := json.Marshal(map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"pricing_type": "fixed_price",
		"local_price":  coinbaseMoney{Amount: FormatMinor(req.AmountCents), Currency: strings.ToUpper(req.Currency)},
		"metadata":     meta,
		"redirect_url": req.RedirectURL,
		"cancel_url":   req.CancelURL,
	})
	if err != nil {
		return "", "", err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-CC-Api-Key", c.APIKey)
	hreq.Header.Set("X-CC-Version", coinbaseAPIVersion)

	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		return "", "", fmt.Errorf("coinbase create charge: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("coinbase create charge: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Data struct {
			Code      string `json:"code"`
			HostedURL string `json:"hosted_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", fmt.Errorf("coinbase create charge: decode: %w", err)
	}
	if out.Data.Code == "" {
		return "", "", fmt.Errorf("coinbase create charge: response without code")
	}
	return out.Data.Code, out.Data.HostedURL, nil
}
