package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const PayPalSandboxURL = "https://api-m.sandbox.paypal.com"

var ErrAlreadyCaptured = errors.New("paypal order already captured")

// PayPalClient talks to the Orders v2 API. There are no PayPal webhooks in
// this service: the capture response, fetched server-side with a fresh OAuth
// token, is what the order is trusted on.
type PayPalClient struct {
	BaseURL  string
	ClientID string
	Secret   string
	HTTP     *http.Client
}

func NewPayPalClient(baseURL, clientID, secret string) *PayPalClient {
	if baseURL == "" {
		baseURL = PayPalSandboxURL
	}
	return &PayPalClient{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		ClientID: clientID,
		Secret:   secret,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// PayPalCapture is the part of a capture response reconciliation relies on.
type PayPalCapture struct {
	OrderID    string
	Status     string // order status, COMPLETED on success
	CaptureID  string
	Value      string // captured amount, e.g. "19.99"
	Currency   string
	PayerEmail string
	PayerName  string
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (c *PayPalClient) token(ctx context.Context) (string, error) {
	if c.ClientID == "" || c.Secret == "" {
		return "", ErrMissingSecret
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ClientID, c.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token: status %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("paypal token: decode: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("paypal token: empty access_token")
	}
	return out.AccessToken, nil
}

func (c *PayPalClient) do(ctx context.Context, path string, body any, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode/100 != 2 {
		var pe paypalError
		_ = json.Unmarshal(raw, &pe)
		for _, d := range pe.Details {
			if d.Issue == "ORDER_ALREADY_CAPTURED" {
				return ErrAlreadyCaptured
			}
		}
		return fmt.Errorf("status %d: %s %s", resp.StatusCode, pe.Name, pe.Message)
	}
	return json.Unmarshal(raw, out)
}

// CreateOrder opens a PayPal order with intent CAPTURE and returns its id.
func (c *PayPalClient) CreateOrder(ctx context.Context, amountCents int64, currency, referenceID string) (string, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": referenceID,
			"amount":       paypalMoney{CurrencyCode: strings.ToUpper(currency), Value: FormatMinor(amountCents)},
		}},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "/v2/checkout/orders", body, &out); err != nil {
		return "", fmt.Errorf("paypal create order: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("paypal create order: response without id")
	}
	return out.ID, nil
}

// Capture captures an approved order.
func (c *PayPalClient) Capture(ctx context.Context, orderID string) (*PayPalCapture, error) {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Payer  struct {
			Email string `json:"email_address"`
			Name  struct {
				Given   string `json:"given_name"`
				Surname string `json:"surname"`
			} `json:"name"`
		} `json:"payer"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string      `json:"id"`
					Status string      `json:"status"`
					Amount paypalMoney `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	if err := c.do(ctx, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", nil, &out); err != nil {
		if errors.Is(err, ErrAlreadyCaptured) || errors.Is(err, ErrMissingSecret) {
			return nil, err
		}
		return nil, fmt.Errorf("paypal capture %s: %w", orderID, err)
	}

	capt := &PayPalCapture{
		OrderID:    out.ID,
		Status:     out.Status,
		PayerEmail: out.Payer.Email,
		PayerName:  strings.TrimSpace(out.Payer.Name.Given + " " + out.Payer.Name.Surname),
	}
	if capt.OrderID == "" {
		capt.OrderID = orderID
	}
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		pc := out.PurchaseUnits[0].Payments.Captures[0]
		capt.CaptureID = pc.ID
		capt.Value = pc.Amount.Value
		capt.Currency = pc.Amount.CurrencyCode
		if capt.Status == "" {
			capt.Status = pc.Status
		}
	}
	return capt, nil
}

// CheckDeclaredAmount rejects a capture whose amount differs from what the
// client claimed to pay. An empty declaration skips the check.
func CheckDeclaredAmount(declared string, c *PayPalCapture) error {
	if strings.TrimSpace(declared) == "" {
		return nil
	}
	if !AmountsMatch(declared, c.Value) {
		return fmt.Errorf("%w: declared %s, captured %s", ErrAmountMismatch, declared, c.Value)
	}
	return nil
}

// DecodePayPalCapture turns a capture response into an Event. Amount and
// currency always come from the capture, never from the client.
func DecodePayPalCapture(c *PayPalCapture, email, name string) (*Event, error) {
	if c == nil || c.OrderID == "" {
		return nil, fmt.Errorf("%w: capture without order id", ErrMalformedPayload)
	}
	out := &Event{
		Provider:           ProviderPayPal,
		EventID:            c.CaptureID,
		Type:               "capture:" + strings.ToLower(c.Status),
		ExternalRef:        c.OrderID,
		Currency:           strings.ToUpper(c.Currency),
		BuyerEmail:         c.PayerEmail,
		BuyerName:          c.PayerName,
		RequireAmountMatch: true,
	}
	if email != "" {
		out.BuyerEmail = email
	}
	if name != "" {
		out.BuyerName = name
	}

	switch c.Status {
	case "COMPLETED":
		out.Kind = KindConfirmed
	case "PENDING":
		out.Kind = KindDelayed
	default:
		out.Kind = KindFailed
	}

	if c.Value != "" {
		amt, err := ParseMinor(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		out.AmountCents = amt
	} else if out.Kind == KindConfirmed {
		return nil, fmt.Errorf("%w: completed capture without amount", ErrMalformedPayload)
	}
	return out, nil
}
