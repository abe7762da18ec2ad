package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier checks the Stripe-Signature header (HMAC-SHA256 over
// "timestamp.body") within a timestamp tolerance window.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v StripeVerifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return stripe.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, StripeSignatureHeader)
	}
	tol := v.Tolerance
	if tol == 0 {
		tol = webhook.DefaultTolerance
	}
	ev, err := webhook.ConstructEventWithOptions(payload, header, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                tol,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ev, nil
}

// DecodeStripe maps checkout session events onto Event. Any other event type
// comes back as KindIgnored.
func DecodeStripe(ev stripe.Event) (*Event, error) {
	out := &Event{Provider: ProviderStripe, EventID: ev.ID, Type: string(ev.Type), Kind: KindIgnored}

	switch ev.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed":
	default:
		return out, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, ev.ID)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedPayload)
	}

	switch ev.Type {
	case "checkout.session.completed":
		// Delayed methods (bank debits) complete the session before funds move.
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			out.Kind = KindDelayed
		} else {
			out.Kind = KindConfirmed
		}
	case "checkout.session.async_payment_succeeded":
		out.Kind = KindConfirmed
	case "checkout.session.async_payment_failed":
		out.Kind = KindFailed
	}

	ids, err := parseProductIDs(sess.Metadata["productIds"])
	if err != nil {
		return nil, err
	}

	out.ExternalRef = sess.ID
	out.OrderID = sess.Metadata["orderId"]
	out.BuyerID = sess.Metadata["userId"]
	out.ProductIDs = ids
	out.CouponRef = sess.Metadata["couponId"]
	out.AmountCents = sess.AmountTotal
	out.Currency = strings.ToUpper(string(sess.Currency))
	out.BuyerEmail = sess.CustomerEmail
	if sess.CustomerDetails != nil {
		if sess.CustomerDetails.Email != "" {
			out.BuyerEmail = sess.CustomerDetails.Email
		}
		out.BuyerName = sess.CustomerDetails.Name
	}
	return out, nil
}

// SessionRequest describes a hosted checkout for one pending order.
type SessionRequest struct {
	OrderID     string
	UserID      string
	Email       string
	Description string
	AmountCents int64
	Currency    string
	ProductIDs  []string
	CouponCode  string
	SuccessURL  string
	CancelURL   string
}

type StripeClient struct{}

func NewStripeClient(secretKey string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{}
}

// CreateSession opens a Checkout Session whose metadata carries everything
// the webhook needs to rebuild the order.
func (c *StripeClient) CreateSession(ctx context.Context, req SessionRequest) (id, url string, err error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("orderId", req.OrderID)
	params.AddMetadata("productIds", EncodeProductIDs(req.ProductIDs))
	if req.UserID != "" {
		params.AddMetadata("userId", req.UserID)
	}
	if req.CouponCode != "" {
		params.AddMetadata("couponId", req.CouponCode)
	}

	s, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("stripe checkout session: %w", err)
	}
	return s.ID, s.URL, nil
}
