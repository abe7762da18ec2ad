// Package checkout prices a cart server-side and opens the provider checkout
// that will later be reconciled by a webhook or a capture call.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
)

var (
	ErrNoProducts       = errors.New("no products in cart")
	ErrCouponUnusable   = errors.New("coupon unusable")
	ErrProviderDisabled = errors.New("payment provider not configured")
)

type Store interface {
	FindProductByID(ctx context.Context, id string) (*orders.Product, error)
	FindCouponByCode(ctx context.Context, code string) (*orders.Coupon, error)
	CreatePendingOrder(ctx context.Context, o *orders.Order, items []orders.OrderItem) error
	SetExternalRef(ctx context.Context, orderID, ref string) error
	AnnotateOrder(ctx context.Context, ref string, note orders.Note) (bool, error)
	FindOrCreateUserByEmail(ctx context.Context, email, name string) (*orders.User, error)
}

type StripeSessions interface {
	CreateSession(ctx context.Context, req payments.SessionRequest) (id, url string, err error)
}

type PayPalOrders interface {
	CreateOrder(ctx context.Context, amountCents int64, currency, referenceID string) (string, error)
}

type CoinbaseCharges interface {
	CreateCharge(ctx context.Context, req payments.ChargeRequest) (code, hostedURL string, err error)
}

type Request struct {
	ProductIDs []string
	CouponCode string
	UserID     string
	Email      string
	Name       string
}

// Quote is a priced cart. Items carry list prices; the coupon applies to the
// total only.
type Quote struct {
	Items      []orders.OrderItem
	Names      []string
	Subtotal   int64
	Total      int64
	CouponCode string
}

// Session is what the buyer is redirected to.
type Session struct {
	Provider    payments.Provider `json:"provider"`
	ExternalRef string            `json:"external_ref"`
	OrderID     string            `json:"order_id,omitempty"`
	URL         string            `json:"url,omitempty"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
}

type Service struct {
	Store     Store
	Stripe    StripeSessions
	PayPal    PayPalOrders
	Coinbase  CoinbaseCharges
	Currency  string
	PublicURL string
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "USD"
	}
	return strings.ToUpper(s.Currency)
}

// Quote prices the given products, dropping repeated ids, and applies the
// coupon when one is given.
func (s *Service) Quote(ctx context.Context, productIDs []string, couponCode string) (*Quote, error) {
	q := &Quote{}
	seen := map[string]bool{}
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		p, err := s.Store.FindProductByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Stock <= 0 {
			return nil, fmt.Errorf("%w: %s", orders.ErrOutOfStock, p.ID)
		}
		q.Items = append(q.Items, orders.OrderItem{ProductID: p.ID, PriceCents: p.PriceCents})
		q.Names = append(q.Names, p.Name)
		q.Subtotal += p.PriceCents
	}
	if len(q.Items) == 0 {
		return nil, ErrNoProducts
	}
	q.Total = q.Subtotal

	if code := strings.TrimSpace(couponCode); code != "" {
		c, err := s.Store.FindCouponByCode(ctx, code)
		if errors.Is(err, orders.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrCouponUnusable, code)
		}
		if err != nil {
			return nil, err
		}
		if err := c.Usable(s.now()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCouponUnusable, err)
		}
		q.Total = c.Apply(q.Subtotal)
		q.CouponCode = c.Code
	}
	return q, nil
}

func (s *Service) buyer(ctx context.Context, req Request) (*string, error) {
	if req.UserID != "" {
		return &req.UserID, nil
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, nil
	}
	u, err := s.Store.FindOrCreateUserByEmail(ctx, req.Email, req.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer: %w", err)
	}
	return &u.ID, nil
}

func (q *Quote) productIDs() []string {
	out := make([]string, len(q.Items))
	for i, it := range q.Items {
		out[i] = it.ProductID
	}
	return out
}

func (q *Quote) description() string {
	return strings.Join(q.Names, ", ")
}

func (q *Quote) couponPtr() *string {
	if q.CouponCode == "" {
		return nil
	}
	c := q.CouponCode
	return &c
}

// StartStripe stores the pending order, opens a Checkout Session carrying the
// order id in metadata, then keys the order by the session id. A webhook that
// beats the last step finds the order by its metadata id.
func (s *Service) StartStripe(ctx context.Context, req Request) (*Session, error) {
	if s.Stripe == nil {
		return nil, fmt.Errorf("stripe: %w", ErrProviderDisabled)
	}
	q, err := s.Quote(ctx, req.ProductIDs, req.CouponCode)
	if err != nil {
		return nil, err
	}
	userID, err := s.buyer(ctx, req)
	if err != nil {
		return nil, err
	}

	o := &orders.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		AmountCents:   q.Total,
		Currency:      s.currency(),
		PaymentMethod: string(payments.ProviderStripe),
		CouponCode:    q.couponPtr(),
	}
	o.ExternalRef = pendingRef(o.ID)
	if err := s.Store.CreatePendingOrder(ctx, o, q.Items); err != nil {
		return nil, fmt.Errorf("store pending order: %w", err)
	}

	sr := payments.SessionRequest{
		OrderID:     o.ID,
		Email:       req.Email,
		Description: q.description(),
		AmountCents: q.Total,
		Currency:    o.Currency,
		ProductIDs:  q.productIDs(),
		CouponCode:  q.CouponCode,
		SuccessURL:  s.PublicURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.PublicURL + "/checkout/cancel",
	}
	if userID != nil {
		sr.UserID = *userID
	}
	sessID, url, err := s.Stripe.CreateSession(ctx, sr)
	if err != nil {
		if _, aerr := s.Store.AnnotateOrder(ctx, o.ExternalRef, orders.NoteFailed); aerr != nil {
			s.log().Warn("annotate abandoned order", zap.String("order_id", o.ID), zap.Error(aerr))
		}
		return nil, err
	}
	if err := s.Store.SetExternalRef(ctx, o.ID, sessID); err != nil {
		return nil, fmt.Errorf("attach session %s: %w", sessID, err)
	}
	o.ExternalRef = sessID

	s.log().Info("stripe checkout started", zap.String("order_id", o.ID), zap.String("session_id", sessID), zap.Int64("amount_cents", q.Total))
	return &Session{
		Provider:    payments.ProviderStripe,
		ExternalRef: sessID,
		OrderID:     o.ID,
		URL:         url,
		AmountCents: q.Total,
		Currency:    o.Currency,
	}, nil
}

// pendingRef holds the unique external_ref slot until the provider id exists.
func pendingRef(orderID string) string { return "pending:" + orderID }

// StartPayPal creates a PayPal order for the quoted total and stores the
// pending order keyed by the PayPal order id. The buyer approves it
// client-side and the capture endpoint completes it.
func (s *Service) StartPayPal(ctx context.Context, req Request) (*Session, error) {
	if s.PayPal == nil {
		return nil, fmt.Errorf("paypal: %w", ErrProviderDisabled)
	}
	q, err := s.Quote(ctx, req.ProductIDs, req.CouponCode)
	if err != nil {
		return nil, err
	}
	userID, err := s.buyer(ctx, req)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	ppID, err := s.PayPal.CreateOrder(ctx, q.Total, s.currency(), orderID)
	if err != nil {
		return nil, err
	}

	o := &orders.Order{
		ID:            orderID,
		ExternalRef:   ppID,
		UserID:        userID,
		AmountCents:   q.Total,
		Currency:      s.currency(),
		PaymentMethod: string(payments.ProviderPayPal),
		CouponCode:    q.couponPtr(),
	}
	if err := s.Store.CreatePendingOrder(ctx, o, q.Items); err != nil {
		return nil, fmt.Errorf("store pending order: %w", err)
	}
	s.log().Info("paypal checkout started", zap.String("order_id", o.ID), zap.String("paypal_order_id", ppID), zap.Int64("amount_cents", q.Total))
	return &Session{
		Provider:    payments.ProviderPayPal,
		ExternalRef: ppID,
		OrderID:     o.ID,
		AmountCents: q.Total,
		Currency:    o.Currency,
	}, nil
}

// StartCoinbase creates a hosted charge. No order row exists until the
// confirmation webhook arrives; the charge metadata carries the cart.
func (s *Service) StartCoinbase(ctx context.Context, req Request) (*Session, error) {
	if s.Coinbase == nil {
		return nil, fmt.Errorf("coinbase: %w", ErrProviderDisabled)
	}
	q, err := s.Quote(ctx, req.ProductIDs, req.CouponCode)
	if err != nil {
		return nil, err
	}
	userID, err := s.buyer(ctx, req)
	if err != nil {
		return nil, err
	}

	cr := payments.ChargeRequest{
		Name:        "Order",
		Description: q.description(),
		AmountCents: q.Total,
		Currency:    s.currency(),
		Email:       req.Email,
		ProductIDs:  q.productIDs(),
		CouponCode:  q.CouponCode,
		RedirectURL: s.PublicURL + "/checkout/success",
		CancelURL:   s.PublicURL + "/checkout/cancel",
	}
	if userID != nil {
		cr.UserID = *userID
	}
	code, hosted, err := s.Coinbase.CreateCharge(ctx, cr)
	if err != nil {
		return nil, err
	}
	s.log().Info("coinbase checkout started", zap.String("charge_code", code), zap.Int64("amount_cents", q.Total))
	return &Session{
		Provider:    payments.ProviderCoinbase,
		ExternalRef: code,
		URL:         hosted,
		AmountCents: q.Total,
		Currency:    s.currency(),
	}, nil
}
