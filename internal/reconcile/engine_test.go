package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	kafkax "github.com/ariefcatur/storefront-payments/internal/kafka"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
	"github.com/ariefcatur/storefront-payments/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *recordingPublisher) Publish(_, value []byte, _ ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, value)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	store  *testutil.Store
	events *recordingPublisher
	logs   *observer.ObservedLogs
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	store := testutil.NewStore()
	store.AddProduct(orders.Product{ID: "prod_a", Name: "Plugin A", PriceCents: 1000, Stock: 5, DurationDays: ptr(30)})
	store.AddProduct(orders.Product{ID: "prod_b", Name: "Plugin B", PriceCents: 1000, Stock: 5})
	store.AddCoupon(orders.Coupon{Code: "SAVE10", PercentOff: ptr(10), MaxUses: ptr(10), Uses: 3, Active: true})

	events := &recordingPublisher{}
	e := New(store, events, zap.New(core), "storefront-test")
	e.Now = func() time.Time { return fixedNow }
	return &fixture{store: store, events: events, logs: logs, engine: e}
}

func (f *fixture) pendingOrder(t *testing.T, ref string, amount int64, coupon *string) orders.Order {
	t.Helper()
	o := orders.Order{ExternalRef: ref, AmountCents: amount, Currency: "USD", PaymentMethod: "stripe", CouponCode: coupon}
	items := []orders.OrderItem{{ProductID: "prod_a", PriceCents: 1000}, {ProductID: "prod_b", PriceCents: 1000}}
	require.NoError(t, f.store.CreatePendingOrder(context.Background(), &o, items))
	return o
}

func (f *fixture) warnings() int {
	return f.logs.FilterLevelExact(zapcore.WarnLevel).Len()
}

func confirmed(ref string) *payments.Event {
	return &payments.Event{
		Provider:    payments.ProviderStripe,
		Kind:        payments.KindConfirmed,
		EventID:     "evt_" + ref,
		ExternalRef: ref,
		ProductIDs:  []string{"prod_a", "prod_b"},
		CouponRef:   "SAVE10",
		AmountCents: 1800,
		Currency:    "USD",
	}
}

func TestComplete_DeliveredTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))

	first, err := f.engine.Complete(ctx, confirmed("sess_123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	assert.Equal(t, o.ID, first.OrderID)
	assert.Len(t, first.Licenses, 2)

	second, err := f.engine.Complete(ctx, confirmed("sess_123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, o.ID, second.OrderID)

	all := f.store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, "sess_123", all[0].ExternalRef)
	assert.Equal(t, orders.StatusCompleted, all[0].Status)

	lic := f.store.Licenses()
	require.Len(t, lic, 2)
	byProduct := map[string]orders.LicenseKey{}
	for _, l := range lic {
		assert.Equal(t, orders.LicenseActive, l.Status)
		assert.Regexp(t, `^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`, l.Key)
		byProduct[l.ProductID] = l
	}
	require.Contains(t, byProduct, "prod_a")
	require.Contains(t, byProduct, "prod_b")
	require.NotNil(t, byProduct["prod_a"].ExpiresAt)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), *byProduct["prod_a"].ExpiresAt)
	assert.Nil(t, byProduct["prod_b"].ExpiresAt)

	assert.Equal(t, 4, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 4, f.store.Product("prod_a").Stock)
	assert.Equal(t, 4, f.store.Product("prod_b").Stock)
	assert.Equal(t, 1, f.events.count())
}

func TestComplete_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeCompleted])
	assert.Equal(t, n-1, outcomes[OutcomeDuplicate])
	assert.Len(t, f.store.Licenses(), 2)
	assert.Equal(t, 4, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 4, f.store.Product("prod_a").Stock)
	assert.Equal(t, 1, f.events.count())
}

func TestComplete_StockFailureKeepsEntitlement(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))
	f.store.StockErr["prod_a"] = errors.New("connection reset")

	res, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	assert.Equal(t, orders.StatusCompleted, f.store.Orders()[0].Status)
	assert.Len(t, f.store.Licenses(), 2)
	assert.Equal(t, 5, f.store.Product("prod_a").Stock)
	assert.Equal(t, 4, f.store.Product("prod_b").Stock)
	assert.Equal(t, 4, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 1, f.logs.FilterMessage("stock decrement failed").Len())
}

func TestComplete_CouponFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))
	f.store.CouponErr = errors.New("timeout")

	res, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.store.Licenses(), 2)
	assert.Equal(t, 3, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 1, f.logs.FilterMessage("coupon usage increment failed").Len())
}

func TestComplete_OrderBornFromWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := &payments.Event{
		Provider:    payments.ProviderCoinbase,
		Kind:        payments.KindConfirmed,
		EventID:     "cb_evt_1",
		ExternalRef: "CB123",
		BuyerID:     "user_1",
		ProductIDs:  []string{"prod_a", "prod_b"},
		CouponRef:   "SAVE10",
		AmountCents: 1800,
		Currency:    "USD",
	}

	res, err := f.engine.Complete(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	all := f.store.Orders()
	require.Len(t, all, 1)
	o := all[0]
	assert.Equal(t, "CB123", o.ExternalRef)
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Equal(t, int64(1800), o.AmountCents)
	assert.Equal(t, "coinbase", o.PaymentMethod)
	require.NotNil(t, o.UserID)
	assert.Equal(t, "user_1", *o.UserID)
	assert.Len(t, f.store.Items(o.ID), 2)

	for _, l := range f.store.Licenses() {
		require.NotNil(t, l.UserID)
		assert.Equal(t, "user_1", *l.UserID)
	}

	again, err := f.engine.Complete(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Len(t, f.store.Orders(), 1)
	assert.Len(t, f.store.Licenses(), 2)
	assert.Equal(t, 4, f.store.Coupon("SAVE10").Uses)
}

func TestComplete_UnknownProductIsSkipped(t *testing.T) {
	f := newFixture(t)
	ev := confirmed("CB404")
	ev.ProductIDs = []string{"prod_a", "prod_gone"}
	ev.BuyerEmail = "buyer@example.com"

	for i := 0; i < 3; i++ {
		res, err := f.engine.Complete(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Contains(t, res.Reason, "prod_gone")
	}

	assert.Empty(t, f.store.Orders())
	assert.Empty(t, f.store.Licenses())
	assert.Empty(t, f.store.Users())
	assert.Equal(t, 3, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 5, f.store.Product("prod_a").Stock)
	assert.Equal(t, 3, f.warnings())
}

func TestComplete_StatusWithoutCompletionEdgeIsSkipped(t *testing.T) {
	f := newFixture(t)
	o := orders.Order{ExternalRef: "sess_void", AmountCents: 1000, Currency: "USD", Status: orders.Status("void")}
	require.NoError(t, f.store.Atomic(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		return tx.CreateOrderWithItems(ctx, &o, []orders.OrderItem{{ProductID: "prod_a", PriceCents: 1000}})
	}))

	res, err := f.engine.Complete(context.Background(), confirmed("sess_void"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, o.ID, res.OrderID)
	assert.Equal(t, orders.Status("void"), f.store.Orders()[0].Status)
	assert.Empty(t, f.store.Licenses())
	assert.Equal(t, 1, f.warnings())
}

func TestComplete_NoOrderNoProducts(t *testing.T) {
	f := newFixture(t)
	ev := &payments.Event{
		Provider:    payments.ProviderStripe,
		Kind:        payments.KindConfirmed,
		EventID:     "evt_9",
		ExternalRef: "sess_unknown",
		OrderID:     "ord_missing",
		BuyerEmail:  "ghost@example.com",
	}

	res, err := f.engine.Complete(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	assert.Empty(t, f.store.Orders())
	assert.Empty(t, f.store.Licenses())
	assert.Empty(t, f.store.Users())
	assert.Equal(t, 1, f.warnings())
	assert.Zero(t, f.events.count())
}

func TestComplete_FindsOrderByMetadataID(t *testing.T) {
	f := newFixture(t)
	o := f.pendingOrder(t, "sess_old", 1800, nil)

	ev := confirmed("sess_renewed")
	ev.OrderID = o.ID
	ev.ProductIDs = nil
	ev.CouponRef = ""

	res, err := f.engine.Complete(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, o.ID, res.OrderID)
	assert.Len(t, f.store.Orders(), 1)
}

func TestComplete_PrimaryFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))
	f.store.MarkErr = errors.New("deadlock detected")

	_, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
	require.Error(t, err)
	assert.Equal(t, orders.StatusPending, f.store.Orders()[0].Status)
	assert.Empty(t, f.store.Licenses())
	assert.Equal(t, 3, f.store.Coupon("SAVE10").Uses)
	assert.Equal(t, 5, f.store.Product("prod_a").Stock)
	assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	// The provider's retry is the recovery path.
	f.store.MarkErr = nil
	res, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 4, f.store.Coupon("SAVE10").Uses)
}

func TestComplete_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "PP-1", 2000, nil)

	ev := &payments.Event{
		Provider:           payments.ProviderPayPal,
		Kind:               payments.KindConfirmed,
		EventID:            "CAP-1",
		ExternalRef:        "PP-1",
		AmountCents:        100,
		Currency:           "USD",
		RequireAmountMatch: true,
	}
	_, err := f.engine.Complete(context.Background(), ev)
	require.ErrorIs(t, err, payments.ErrAmountMismatch)
	assert.Equal(t, orders.StatusPending, f.store.Orders()[0].Status)
	assert.Empty(t, f.store.Licenses())

	ev.AmountCents = 2000
	res, err := f.engine.Complete(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestComplete_ResolvesBuyerByEmail(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, nil)

	ev := confirmed("sess_123")
	ev.BuyerEmail = "Ann@Example.com"
	ev.BuyerName = "Ann"
	_, err := f.engine.Complete(context.Background(), ev)
	require.NoError(t, err)

	users := f.store.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "ann@example.com", users[0].Email)

	o := f.store.Orders()[0]
	require.NotNil(t, o.UserID)
	assert.Equal(t, users[0].ID, *o.UserID)
	for _, l := range f.store.Licenses() {
		require.NotNil(t, l.UserID)
		assert.Equal(t, users[0].ID, *l.UserID)
	}
}

func TestComplete_NonConfirmedKindsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.pendingOrder(t, "sess_123", 1800, nil)

	for _, k := range []payments.Kind{payments.KindFailed, payments.KindDelayed, payments.KindIgnored} {
		ev := confirmed("sess_123")
		ev.Kind = k
		res, err := f.engine.Complete(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome, k)
	}
	assert.Equal(t, orders.StatusPending, f.store.Orders()[0].Status)
	assert.Equal(t, 1, f.store.AtomicCalls, "only the seeding transaction ran")
}

func TestComplete_PublishesOrderCompleted(t *testing.T) {
	f := newFixture(t)
	o := f.pendingOrder(t, "sess_123", 1800, ptr("SAVE10"))

	_, err := f.engine.Complete(context.Background(), confirmed("sess_123"))
	require.NoError(t, err)
	require.Equal(t, 1, f.events.count())

	var env orders.Envelope
	require.NoError(t, kafkax.UnmarshalEnvelope(f.events.msgs[0], &env))
	assert.Equal(t, orders.EventOrderCompleted, env.EventType)
	assert.Equal(t, "storefront-test", env.Producer)
	assert.Equal(t, o.ID, env.CorrelationID)

	p, err := kafkax.UnwrapPayload[orders.OrderCompletedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess_123", p.ExternalRef)
	assert.Equal(t, "stripe", p.Provider)
	assert.Equal(t, "SAVE10", p.CouponCode)
	assert.Len(t, p.Licenses, 2)
}

func TestAnnotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingOrder(t, "sess_123", 1800, nil)

	ev := confirmed("sess_123")
	ev.Kind = payments.KindDelayed
	ok, err := f.engine.Annotate(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, orders.NoteDelayed, f.store.Orders()[0].Note)
	assert.Equal(t, orders.StatusPending, f.store.Orders()[0].Status)

	ev.Kind = payments.KindFailed
	_, err = f.engine.Annotate(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, orders.NoteFailed, f.store.Orders()[0].Note)

	// A later confirmation still completes the order and clears the note.
	_, err = f.engine.Complete(ctx, confirmed("sess_123"))
	require.NoError(t, err)
	o := f.store.Orders()[0]
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Equal(t, orders.NoteNone, o.Note)

	ev.Kind = payments.KindFailed
	ok, err = f.engine.Annotate(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, orders.NoteNone, f.store.Orders()[0].Note)
}
