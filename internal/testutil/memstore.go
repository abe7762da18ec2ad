// Package testutil holds an in-memory data gateway used by tests that need
// orders without a Postgres instance.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/storefront-payments/internal/orders"
)

var ErrDuplicateKey = errors.New("duplicate key")

// Store mimics orders.Repo. Atomic holds one store-wide lock for the whole
// callback and restores a snapshot when the callback fails, which is at least
// as strict as the per-reference advisory lock Postgres takes.
type Store struct {
	mu sync.Mutex

	users    map[string]orders.User
	products map[string]orders.Product
	coupons  map[string]orders.Coupon // keyed by lower-cased code
	orders   map[string]orders.Order
	items    map[string][]orders.OrderItem
	licenses []orders.LicenseKey

	// Failure injection.
	StockErr    map[string]error // per product id
	CouponErr   error
	MarkErr     error
	AtomicCalls int
}

func NewStore() *Store {
	return &Store{
		users:    map[string]orders.User{},
		products: map[string]orders.Product{},
		coupons:  map[string]orders.Coupon{},
		orders:   map[string]orders.Order{},
		items:    map[string][]orders.OrderItem{},
		StockErr: map[string]error{},
	}
}

type snapshot struct {
	users    map[string]orders.User
	products map[string]orders.Product
	coupons  map[string]orders.Coupon
	orders   map[string]orders.Order
	items    map[string][]orders.OrderItem
	licenses []orders.LicenseKey
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() snapshot {
	items := make(map[string][]orders.OrderItem, len(s.items))
	for k, v := range s.items {
		items[k] = append([]orders.OrderItem(nil), v...)
	}
	return snapshot{
		users:    copyMap(s.users),
		products: copyMap(s.products),
		coupons:  copyMap(s.coupons),
		orders:   copyMap(s.orders),
		items:    items,
		licenses: append([]orders.LicenseKey(nil), s.licenses...),
	}
}

func (s *Store) restore(sn snapshot) {
	s.users, s.products, s.coupons = sn.users, sn.products, sn.coupons
	s.orders, s.items, s.licenses = sn.orders, sn.items, sn.licenses
}

// ---- seeding and inspection ----

func (s *Store) AddProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) AddCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.coupons[strings.ToLower(c.Code)] = c
}

func (s *Store) Product(id string) orders.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id]
}

func (s *Store) Coupon(code string) orders.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coupons[strings.ToLower(code)]
}

func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalRef < out[j].ExternalRef })
	return out
}

func (s *Store) Items(orderID string) []orders.OrderItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.OrderItem(nil), s.items[orderID]...)
}

func (s *Store) Licenses() []orders.LicenseKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.LicenseKey(nil), s.licenses...)
}

func (s *Store) Users() []orders.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// ---- gateway ----

func (s *Store) Atomic(ctx context.Context, fn orders.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AtomicCalls++

	sn := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(sn)
		return err
	}
	return nil
}

func (s *Store) FindOrderByExternalRef(_ context.Context, ref string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderByRef(ref)
}

func (s *Store) FindProductByID(_ context.Context, id string) (*orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.product(id)
}

func (s *Store) FindCouponByCode(_ context.Context, code string) (*orders.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[strings.ToLower(code)]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreatePendingOrder(ctx context.Context, o *orders.Order, items []orders.OrderItem) error {
	o.Status = orders.StatusPending
	return s.Atomic(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.CreateOrderWithItems(ctx, o, items)
	})
}

func (s *Store) DecrementProductStock(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.StockErr[productID]; err != nil {
		return err
	}
	p, ok := s.products[productID]
	if !ok || p.Stock <= 0 {
		return fmt.Errorf("%w: %s", orders.ErrOutOfStock, productID)
	}
	p.Stock--
	s.products[productID] = p
	return nil
}

func (s *Store) IncrementCouponUsage(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CouponErr != nil {
		return s.CouponErr
	}
	k := strings.ToLower(code)
	c, ok := s.coupons[k]
	if !ok {
		return fmt.Errorf("coupon %s: %w", code, orders.ErrNotFound)
	}
	c.Uses++
	s.coupons[k] = c
	return nil
}

func (s *Store) FindOrCreateUserByEmail(_ context.Context, email, name string) (*orders.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("empty email")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	u := orders.User{ID: uuid.NewString(), Email: email, Name: name, CreatedAt: time.Now()}
	s.users[u.ID] = u
	return &u, nil
}

func (s *Store) SetExternalRef(_ context.Context, orderID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	if other, err := s.orderByRef(ref); err == nil && other.ID != orderID {
		return fmt.Errorf("orders.external_ref %s: %w", ref, ErrDuplicateKey)
	}
	o.ExternalRef = ref
	o.UpdatedAt = time.Now()
	s.orders[orderID] = o
	return nil
}

func (s *Store) AnnotateOrder(_ context.Context, ref string, note orders.Note) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.orderByRef(ref)
	if err != nil || o.Status != orders.StatusPending {
		return false, nil
	}
	o.Note = note
	o.UpdatedAt = time.Now()
	s.orders[o.ID] = *o
	return true, nil
}

func (s *Store) ListLicensesByOrder(_ context.Context, orderID string) ([]orders.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.LicenseKey
	for _, l := range s.licenses {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) orderByRef(ref string) (*orders.Order, error) {
	for _, o := range s.orders {
		if o.ExternalRef == ref {
			return &o, nil
		}
	}
	return nil, orders.ErrNotFound
}

func (s *Store) product(id string) (*orders.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return &p, nil
}

// ---- transactional side, called with s.mu held ----

type memTx struct{ s *Store }

func (t *memTx) LockExternalRef(context.Context, string) error { return nil }

func (t *memTx) FindOrderByExternalRef(_ context.Context, ref string) (*orders.Order, error) {
	return t.s.orderByRef(ref)
}

func (t *memTx) FindOrderByID(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) CreateOrderWithItems(_ context.Context, o *orders.Order, items []orders.OrderItem) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, err := t.s.orderByRef(o.ExternalRef); err == nil {
		return fmt.Errorf("orders.external_ref %s: %w", o.ExternalRef, ErrDuplicateKey)
	}
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("orders.id %s: %w", o.ID, ErrDuplicateKey)
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.s.orders[o.ID] = *o

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		t.s.items[o.ID] = append(t.s.items[o.ID], *it)
	}
	return nil
}

func (t *memTx) MarkOrderCompleted(_ context.Context, orderID string, userID *string) (bool, error) {
	if t.s.MarkErr != nil {
		return false, t.s.MarkErr
	}
	o, ok := t.s.orders[orderID]
	if !ok || o.Status == orders.StatusCompleted {
		return false, nil
	}
	o.Status = orders.StatusCompleted
	o.Note = orders.NoteNone
	if o.UserID == nil {
		o.UserID = userID
	}
	o.UpdatedAt = time.Now()
	t.s.orders[orderID] = o
	return true, nil
}

func (t *memTx) ListOrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	out := append([]orders.OrderItem(nil), t.s.items[orderID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (t *memTx) FindProductByID(_ context.Context, id string) (*orders.Product, error) {
	return t.s.product(id)
}

func (t *memTx) FindLicenseByOrderAndProduct(_ context.Context, orderID, productID string) (*orders.LicenseKey, error) {
	for _, l := range t.s.licenses {
		if l.OrderID == orderID && l.ProductID == productID {
			return &l, nil
		}
	}
	return nil, orders.ErrNotFound
}

func (t *memTx) CreateLicense(_ context.Context, l *orders.LicenseKey) error {
	for _, x := range t.s.licenses {
		if x.OrderID == l.OrderID && x.ProductID == l.ProductID {
			return fmt.Errorf("license_keys(order_id, product_id): %w", ErrDuplicateKey)
		}
		if x.Key == l.Key {
			return fmt.Errorf("license_keys.key: %w", ErrDuplicateKey)
		}
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = time.Now()
	t.s.licenses = append(t.s.licenses, *l)
	return nil
}
