// Package reconcile turns a verified payment event into a completed order.
//
// Entitlement is the part that must happen exactly once: the order flips to
// completed and every purchased product gets one ACTIVE license, inside a
// single transaction serialised on the order's external reference. Stock and
// coupon counters are bumped only by the delivery that performed the flip,
// after commit, and their failures are logged rather than returned.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/storefront-payments/internal/kafka"
	"github.com/ariefcatur/storefront-payments/internal/license"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
)

// Gateway is the storage the engine needs. *orders.Repo implements it.
type Gateway interface {
	Atomic(ctx context.Context, fn orders.TxFunc) error
	FindOrderByExternalRef(ctx context.Context, ref string) (*orders.Order, error)
	DecrementProductStock(ctx context.Context, productID string) error
	IncrementCouponUsage(ctx context.Context, code string) error
	FindOrCreateUserByEmail(ctx context.Context, email, name string) (*orders.User, error)
	AnnotateOrder(ctx context.Context, ref string, note orders.Note) (bool, error)
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

type Result struct {
	Outcome  Outcome
	OrderID  string
	Reason   string // set when skipped
	Licenses []orders.LicenseKey
}

type Engine struct {
	Store    Gateway
	Events   Publisher // optional
	Logger   *zap.Logger
	Service  string
	Generate func() string
	Now      func() time.Time
}

func New(store Gateway, events Publisher, log *zap.Logger, service string) *Engine {
	return &Engine{
		Store:    store,
		Events:   events,
		Logger:   log,
		Service:  service,
		Generate: license.Generate,
		Now:      time.Now,
	}
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) generate() string {
	if e.Generate == nil {
		return license.Generate()
	}
	return e.Generate()
}

// Complete applies a confirmed payment. Any error it returns means the
// primary completion was not recorded and the provider should retry.
func (e *Engine) Complete(ctx context.Context, ev *payments.Event) (Result, error) {
	log := e.log().With(
		zap.String("provider", string(ev.Provider)),
		zap.String("event_id", ev.EventID),
		zap.String("external_ref", ev.ExternalRef),
	)
	if ev.Kind != payments.KindConfirmed {
		return Result{Outcome: OutcomeSkipped, Reason: "event kind " + string(ev.Kind)}, nil
	}
	if ev.ExternalRef == "" {
		log.Warn("confirmed event without external reference")
		return Result{Outcome: OutcomeSkipped, Reason: "missing external reference"}, nil
	}

	// An event that can never produce an order is acknowledged without
	// touching the buyer table.
	reason, err := e.precheck(ctx, ev)
	if err != nil {
		log.Error("order completion failed", zap.Error(err))
		return Result{}, err
	}
	if reason != "" {
		log.Warn("confirmed event ignored", zap.String("order_id", ev.OrderID), zap.String("reason", reason))
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	// Resolved outside the transaction: the upsert converges on one row even
	// when two deliveries race, and must not extend the order lock.
	var buyerID *string
	switch {
	case ev.BuyerID != "":
		buyerID = &ev.BuyerID
	case ev.BuyerEmail != "":
		u, err := e.Store.FindOrCreateUserByEmail(ctx, ev.BuyerEmail, ev.BuyerName)
		if err != nil {
			return Result{}, fmt.Errorf("resolve buyer: %w", err)
		}
		buyerID = &u.ID
	}

	var (
		res    Result
		order  orders.Order
		lines  []string
		coupon string
	)
	err = e.Store.Atomic(ctx, func(ctx context.Context, tx orders.Tx) error {
		res, order, lines, coupon = Result{}, orders.Order{}, nil, ""

		if err := tx.LockExternalRef(ctx, ev.ExternalRef); err != nil {
			return fmt.Errorf("lock %s: %w", ev.ExternalRef, err)
		}

		o, err := e.findOrder(ctx, tx, ev)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			if len(ev.ProductIDs) == 0 {
				res = Result{Outcome: OutcomeSkipped, Reason: "no order and no productIds"}
				return nil
			}
			o, err = e.createCompleted(ctx, tx, ev, buyerID)
			if errors.Is(err, errUnknownProduct) {
				res = Result{Outcome: OutcomeSkipped, Reason: err.Error()}
				return nil
			}
			if err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("find order: %w", err)
		case o.Status == orders.StatusCompleted:
			res = Result{Outcome: OutcomeDuplicate, OrderID: o.ID}
			return nil
		case !orders.CanTransition(o.Status, orders.StatusCompleted):
			res = Result{Outcome: OutcomeSkipped, OrderID: o.ID, Reason: "order status " + string(o.Status)}
			return nil
		default:
			if ev.RequireAmountMatch && o.AmountCents != ev.AmountCents {
				return fmt.Errorf("%w: order %s stored %d, captured %d",
					payments.ErrAmountMismatch, o.ID, o.AmountCents, ev.AmountCents)
			}
			ok, err := tx.MarkOrderCompleted(ctx, o.ID, buyerID)
			if err != nil {
				return fmt.Errorf("mark completed: %w", err)
			}
			if !ok {
				res = Result{Outcome: OutcomeDuplicate, OrderID: o.ID}
				return nil
			}
			if o.UserID == nil {
				o.UserID = buyerID
			}
			o.Status = orders.StatusCompleted
		}

		keys, products, err := e.issueLicenses(ctx, tx, o)
		if err != nil {
			return err
		}
		lines = products
		order = *o
		if o.CouponCode != nil {
			coupon = *o.CouponCode
		}
		res = Result{Outcome: OutcomeCompleted, OrderID: o.ID, Licenses: keys}
		return nil
	})
	if err != nil {
		log.Error("order completion failed", zap.Error(err))
		return Result{}, err
	}

	switch res.Outcome {
	case OutcomeSkipped:
		log.Warn("confirmed event ignored", zap.String("order_id", ev.OrderID), zap.String("reason", res.Reason))
		return res, nil
	case OutcomeDuplicate:
		log.Info("order already completed", zap.String("order_id", res.OrderID))
		return res, nil
	}

	e.bookkeeping(ctx, log, lines, coupon)
	e.publish(log, ev, order, res.Licenses)
	log.Info("order completed", zap.String("order_id", res.OrderID), zap.Int("licenses", len(res.Licenses)))
	return res, nil
}

var errUnknownProduct = errors.New("unknown product")

// precheck returns a non-empty reason when no order exists for the event and
// none can be built from its product list.
func (e *Engine) precheck(ctx context.Context, ev *payments.Event) (string, error) {
	var reason string
	err := e.Store.Atomic(ctx, func(ctx context.Context, tx orders.Tx) error {
		reason = ""
		_, err := e.findOrder(ctx, tx, ev)
		if !errors.Is(err, orders.ErrNotFound) {
			return err
		}
		if len(ev.ProductIDs) == 0 {
			reason = "no order and no productIds"
			return nil
		}
		for _, pid := range ev.ProductIDs {
			_, err := tx.FindProductByID(ctx, pid)
			if errors.Is(err, orders.ErrNotFound) {
				reason = fmt.Sprintf("%s %s", errUnknownProduct, pid)
				return nil
			}
			if err != nil {
				return fmt.Errorf("find product: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("find order: %w", err)
	}
	return reason, nil
}

// findOrder looks up by external reference first, then by the order id the
// checkout stored in provider metadata.
func (e *Engine) findOrder(ctx context.Context, tx orders.Tx, ev *payments.Event) (*orders.Order, error) {
	o, err := tx.FindOrderByExternalRef(ctx, ev.ExternalRef)
	if err == nil || !errors.Is(err, orders.ErrNotFound) || ev.OrderID == "" {
		return o, err
	}
	return tx.FindOrderByID(ctx, ev.OrderID)
}

// createCompleted stores an order born from the webhook itself, priced from
// the product table.
func (e *Engine) createCompleted(ctx context.Context, tx orders.Tx, ev *payments.Event, buyerID *string) (*orders.Order, error) {
	items := make([]orders.OrderItem, 0, len(ev.ProductIDs))
	var total int64
	for _, pid := range ev.ProductIDs {
		p, err := tx.FindProductByID(ctx, pid)
		if errors.Is(err, orders.ErrNotFound) {
			return nil, fmt.Errorf("%w %s", errUnknownProduct, pid)
		}
		if err != nil {
			return nil, fmt.Errorf("order item: %w", err)
		}
		items = append(items, orders.OrderItem{ProductID: p.ID, PriceCents: p.PriceCents})
		total += p.PriceCents
	}
	if ev.AmountCents > 0 {
		total = ev.AmountCents
	}

	o := &orders.Order{
		ExternalRef:   ev.ExternalRef,
		UserID:        buyerID,
		AmountCents:   total,
		Currency:      ev.Currency,
		Status:        orders.StatusCompleted,
		PaymentMethod: string(ev.Provider),
	}
	if ev.CouponRef != "" {
		c := ev.CouponRef
		o.CouponCode = &c
	}
	if err := tx.CreateOrderWithItems(ctx, o, items); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

// issueLicenses creates the missing ACTIVE license of every product line and
// returns all of the order's licenses along with the line product ids.
func (e *Engine) issueLicenses(ctx context.Context, tx orders.Tx, o *orders.Order) ([]orders.LicenseKey, []string, error) {
	items, err := tx.ListOrderItems(ctx, o.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list items: %w", err)
	}
	out := make([]orders.LicenseKey, 0, len(items))
	lines := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		lines = append(lines, it.ProductID)
		if seen[it.ProductID] {
			continue
		}
		seen[it.ProductID] = true

		existing, err := tx.FindLicenseByOrderAndProduct(ctx, o.ID, it.ProductID)
		if err == nil {
			out = append(out, *existing)
			continue
		}
		if !errors.Is(err, orders.ErrNotFound) {
			return nil, nil, fmt.Errorf("find license: %w", err)
		}

		p, err := tx.FindProductByID(ctx, it.ProductID)
		if err != nil {
			return nil, nil, fmt.Errorf("license product: %w", err)
		}
		l := orders.LicenseKey{
			Key:       e.generate(),
			ProductID: it.ProductID,
			UserID:    o.UserID,
			OrderID:   o.ID,
			Status:    orders.LicenseActive,
		}
		if p.DurationDays != nil && *p.DurationDays > 0 {
			exp := e.now().Add(time.Duration(*p.DurationDays) * 24 * time.Hour)
			l.ExpiresAt = &exp
		}
		if err := tx.CreateLicense(ctx, &l); err != nil {
			return nil, nil, fmt.Errorf("create license %s: %w", it.ProductID, err)
		}
		out = append(out, l)
	}
	return out, lines, nil
}

// bookkeeping runs each counter update on its own; one failing line never
// stops the others.
func (e *Engine) bookkeeping(ctx context.Context, log *zap.Logger, lines []string, coupon string) {
	for _, pid := range lines {
		if err := e.Store.DecrementProductStock(ctx, pid); err != nil {
			log.Warn("stock decrement failed", zap.String("product_id", pid), zap.Error(err))
		}
	}
	if coupon == "" {
		return
	}
	if err := e.Store.IncrementCouponUsage(ctx, coupon); err != nil {
		log.Warn("coupon usage increment failed", zap.String("coupon", coupon), zap.Error(err))
	}
}

func (e *Engine) publish(log *zap.Logger, ev *payments.Event, o orders.Order, keys []orders.LicenseKey) {
	if e.Events == nil {
		return
	}
	p := orders.OrderCompletedPayload{
		OrderID:     o.ID,
		ExternalRef: o.ExternalRef,
		Provider:    string(ev.Provider),
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		Licenses:    make([]orders.IssuedLicense, 0, len(keys)),
	}
	if o.UserID != nil {
		p.UserID = *o.UserID
	}
	if o.CouponCode != nil {
		p.CouponCode = *o.CouponCode
	}
	for _, l := range keys {
		p.Licenses = append(p.Licenses, orders.IssuedLicense{
			LicenseID: l.ID, Key: l.Key, ProductID: l.ProductID, ExpiresAt: l.ExpiresAt,
		})
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCompleted,
		EventVersion:  1,
		OccurredAt:    e.now().UTC(),
		Producer:      e.Service,
		TraceID:       ev.DedupKey(),
		CorrelationID: o.ID,
		Payload:       kafkax.MustMarshal(p),
	}
	e.Events.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCompleted)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	log.Debug("order.completed queued", zap.String("order_id", o.ID))
}

// Annotate records a failed or delayed payment on a still-pending order. The
// order stays pending: the provider may confirm it later.
func (e *Engine) Annotate(ctx context.Context, ev *payments.Event) (bool, error) {
	var note orders.Note
	switch ev.Kind {
	case payments.KindFailed:
		note = orders.NoteFailed
	case payments.KindDelayed:
		note = orders.NoteDelayed
	default:
		return false, nil
	}
	if ev.ExternalRef == "" {
		return false, nil
	}
	ok, err := e.Store.AnnotateOrder(ctx, ev.ExternalRef, note)
	if err != nil {
		return false, fmt.Errorf("annotate %s: %w", ev.ExternalRef, err)
	}
	e.log().Info("payment annotated",
		zap.String("provider", string(ev.Provider)),
		zap.String("external_ref", ev.ExternalRef),
		zap.String("note", string(note)),
		zap.Bool("applied", ok),
	)
	return ok, nil
}

// Lookup returns the stored order for a provider reference.
func (e *Engine) Lookup(ctx context.Context, ref string) (*orders.Order, error) {
	return e.Store.FindOrderByExternalRef(ctx, ref)
}
