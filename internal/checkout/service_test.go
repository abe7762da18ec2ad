package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
	"github.com/ariefcatur/storefront-payments/internal/reconcile"
	"github.com/ariefcatur/storefront-payments/internal/testutil"
)

type fakeStripe struct {
	got payments.SessionRequest
	err error
	// runs before the session id is returned
	before func(req payments.SessionRequest)
}

func (f *fakeStripe) CreateSession(_ context.Context, req payments.SessionRequest) (string, string, error) {
	f.got = req
	if f.before != nil {
		f.before(req)
	}
	if f.err != nil {
		return "", "", f.err
	}
	return "cs_test_1", "https://checkout.stripe.com/c/pay/cs_test_1", nil
}

type fakePayPal struct {
	amount int64
	ref    string
}

func (f *fakePayPal) CreateOrder(_ context.Context, amountCents int64, _ string, referenceID string) (string, error) {
	f.amount, f.ref = amountCents, referenceID
	return "PP-1", nil
}

type fakeCoinbase struct{ got payments.ChargeRequest }

func (f *fakeCoinbase) CreateCharge(_ context.Context, req payments.ChargeRequest) (string, string, error) {
	f.got = req
	return "CB1", "https://commerce.coinbase.com/charges/CB1", nil
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService() (*Service, *testutil.Store) {
	store := testutil.NewStore()
	store.AddProduct(orders.Product{ID: "prod_a", Name: "Plugin A", PriceCents: 1000, Stock: 5})
	store.AddProduct(orders.Product{ID: "prod_b", Name: "Plugin B", PriceCents: 1000, Stock: 5})
	store.AddProduct(orders.Product{ID: "prod_sold", Name: "Sold out", PriceCents: 500, Stock: 0})
	store.AddCoupon(orders.Coupon{Code: "SAVE10", PercentOff: ptr(10), MaxUses: ptr(10), Uses: 3, Active: true})
	store.AddCoupon(orders.Coupon{Code: "USEDUP", AmountOff: ptr(int64(100)), MaxUses: ptr(1), Uses: 1, Active: true})
	return &Service{
		Store:     store,
		Currency:  "usd",
		PublicURL: "https://shop.example.com",
		Now:       func() time.Time { return now },
	}, store
}

func TestQuote(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	q, err := s.Quote(ctx, []string{"prod_a", "prod_b", "prod_a"}, "save10")
	require.NoError(t, err)
	assert.Len(t, q.Items, 2)
	assert.Equal(t, int64(2000), q.Subtotal)
	assert.Equal(t, int64(1800), q.Total)
	assert.Equal(t, "SAVE10", q.CouponCode)

	q, err = s.Quote(ctx, []string{"prod_a"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), q.Total)
	assert.Empty(t, q.CouponCode)
}

func TestQuote_Errors(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	_, err := s.Quote(ctx, nil, "")
	assert.ErrorIs(t, err, ErrNoProducts)

	_, err = s.Quote(ctx, []string{"nope"}, "")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = s.Quote(ctx, []string{"prod_sold"}, "")
	assert.ErrorIs(t, err, orders.ErrOutOfStock)

	_, err = s.Quote(ctx, []string{"prod_a"}, "MISSING")
	assert.ErrorIs(t, err, ErrCouponUnusable)

	_, err = s.Quote(ctx, []string{"prod_a"}, "USEDUP")
	assert.ErrorIs(t, err, ErrCouponUnusable)
	assert.ErrorIs(t, err, orders.ErrCouponExhausted)
}

func TestStartStripe(t *testing.T) {
	s, store := newService()
	st := &fakeStripe{}
	s.Stripe = st

	sess, err := s.StartStripe(context.Background(), Request{
		ProductIDs: []string{"prod_a", "prod_b"},
		CouponCode: "SAVE10",
		Email:      "ann@example.com",
		Name:       "Ann",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ExternalRef)
	assert.Equal(t, int64(1800), sess.AmountCents)
	assert.Equal(t, "USD", sess.Currency)
	assert.Contains(t, sess.URL, "cs_test_1")

	assert.Equal(t, sess.OrderID, st.got.OrderID)
	assert.Equal(t, []string{"prod_a", "prod_b"}, st.got.ProductIDs)
	assert.Equal(t, "SAVE10", st.got.CouponCode)
	assert.NotEmpty(t, st.got.UserID)
	assert.Contains(t, st.got.SuccessURL, "{CHECKOUT_SESSION_ID}")

	all := store.Orders()
	require.Len(t, all, 1)
	o := all[0]
	assert.Equal(t, sess.OrderID, o.ID)
	assert.Equal(t, "cs_test_1", o.ExternalRef)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, int64(1800), o.AmountCents)
	require.NotNil(t, o.CouponCode)
	assert.Equal(t, "SAVE10", *o.CouponCode)
	assert.Len(t, store.Items(o.ID), 2)

	// Coupon usage only moves on completion.
	assert.Equal(t, 3, store.Coupon("SAVE10").Uses)
}

func TestStartStripe_ProviderErrorMarksOrderFailed(t *testing.T) {
	s, store := newService()
	s.Stripe = &fakeStripe{err: errors.New("stripe down")}

	_, err := s.StartStripe(context.Background(), Request{ProductIDs: []string{"prod_a"}})
	require.Error(t, err)

	all := store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPending, all[0].Status)
	assert.Equal(t, orders.NoteFailed, all[0].Note)
	assert.Equal(t, "pending:"+all[0].ID, all[0].ExternalRef)
}

func TestStartStripe_WebhookBeforeSessionReturns(t *testing.T) {
	s, store := newService()
	engine := reconcile.New(store, nil, nil, "storefront-test")
	ev := func(orderID string) *payments.Event {
		return &payments.Event{
			Provider:    payments.ProviderStripe,
			Kind:        payments.KindConfirmed,
			EventID:     "evt_fast",
			ExternalRef: "cs_test_1",
			OrderID:     orderID,
			ProductIDs:  []string{"prod_a", "prod_b"},
			AmountCents: 2000,
		}
	}
	s.Stripe = &fakeStripe{before: func(req payments.SessionRequest) {
		res, err := engine.Complete(context.Background(), ev(req.OrderID))
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeCompleted, res.Outcome)
	}}

	sess, err := s.StartStripe(context.Background(), Request{ProductIDs: []string{"prod_a", "prod_b"}})
	require.NoError(t, err)

	all := store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, sess.OrderID, all[0].ID)
	assert.Equal(t, "cs_test_1", all[0].ExternalRef)
	assert.Equal(t, orders.StatusCompleted, all[0].Status)
	assert.Len(t, store.Licenses(), 2)

	// A redelivery now resolves by session id.
	res, err := engine.Complete(context.Background(), ev(""))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	assert.Len(t, store.Licenses(), 2)
}

func TestStartPayPal(t *testing.T) {
	s, store := newService()
	pp := &fakePayPal{}
	s.PayPal = pp

	sess, err := s.StartPayPal(context.Background(), Request{ProductIDs: []string{"prod_a"}, UserID: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, "PP-1", sess.ExternalRef)
	assert.Equal(t, int64(1000), pp.amount)
	assert.Equal(t, sess.OrderID, pp.ref)

	o := store.Orders()[0]
	assert.Equal(t, "PP-1", o.ExternalRef)
	assert.Equal(t, "paypal", o.PaymentMethod)
	require.NotNil(t, o.UserID)
	assert.Equal(t, "user_1", *o.UserID)
}

func TestStartCoinbase(t *testing.T) {
	s, store := newService()
	cb := &fakeCoinbase{}
	s.Coinbase = cb

	sess, err := s.StartCoinbase(context.Background(), Request{ProductIDs: []string{"prod_a", "prod_b"}, CouponCode: "SAVE10", UserID: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, "CB1", sess.ExternalRef)
	assert.Empty(t, sess.OrderID)
	assert.Equal(t, int64(1800), cb.got.AmountCents)
	assert.Equal(t, "user_1", cb.got.UserID)
	assert.Equal(t, []string{"prod_a", "prod_b"}, cb.got.ProductIDs)
	assert.Equal(t, "SAVE10", cb.got.CouponCode)

	assert.Empty(t, store.Orders())
}

func TestStart_ProviderDisabled(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	req := Request{ProductIDs: []string{"prod_a"}}

	_, err := s.StartStripe(ctx, req)
	assert.ErrorIs(t, err, ErrProviderDisabled)
	_, err = s.StartPayPal(ctx, req)
	assert.ErrorIs(t, err, ErrProviderDisabled)
	_, err = s.StartCoinbase(ctx, req)
	assert.ErrorIs(t, err, ErrProviderDisabled)
}
