package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{ DB *pgxpool.Pool }

// Atomic runs fn inside a single transaction. The transaction is committed
// only when fn returns nil.
func (r *Repo) Atomic(ctx context.Context, fn TxFunc) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) FindOrderByExternalRef(ctx context.Context, ref string) (*Order, error) {
	return findOrder(ctx, r.DB, `external_ref=$1`, ref)
}

func (r *Repo) FindProductByID(ctx context.Context, id string) (*Product, error) {
	return findProduct(ctx, r.DB, id)
}

// CreatePendingOrder stores an order created at checkout time, before any
// provider confirmation exists.
func (r *Repo) CreatePendingOrder(ctx context.Context, o *Order, items []OrderItem) error {
	o.Status = StatusPending
	return r.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrderWithItems(ctx, o, items)
	})
}

// DecrementProductStock takes one unit off the product; it never goes below zero.
func (r *Repo) DecrementProductStock(ctx context.Context, productID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products SET stock = stock - 1, updated_at = now()
		WHERE id=$1 AND stock > 0`, productID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrOutOfStock, productID)
	}
	return nil
}

func (r *Repo) IncrementCouponUsage(ctx context.Context, code string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE coupons SET uses = uses + 1 WHERE LOWER(code) = LOWER($1)`, code)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	return nil
}

func (r *Repo) FindCouponByCode(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := r.DB.QueryRow(ctx, `
		SELECT id, code, percent_off, amount_off, max_uses, uses, expires_at, active
		FROM coupons WHERE LOWER(code) = LOWER($1)`, code).
		Scan(&c.ID, &c.Code, &c.PercentOff, &c.AmountOff, &c.MaxUses, &c.Uses, &c.ExpiresAt, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreateUserByEmail resolves a buyer by email, creating a user row on
// first sight. Concurrent callers converge on the same row.
func (r *Repo) FindOrCreateUserByEmail(ctx context.Context, email, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("empty email")
	}
	var u User
	err := r.DB.QueryRow(ctx, `
		INSERT INTO users(id, email, name) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, name, created_at`,
		uuid.NewString(), email, name,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetExternalRef attaches the provider reference once it is known. The order
// row exists before the provider call so a fast webhook finds it by id.
func (r *Repo) SetExternalRef(ctx context.Context, orderID, ref string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET external_ref=$2, updated_at=now() WHERE id=$1`, orderID, ref)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AnnotateOrder records a payment note on a pending order. Completed orders
// and unknown references are left alone.
func (r *Repo) AnnotateOrder(ctx context.Context, ref string, note Note) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_note=$2, updated_at=now()
		WHERE external_ref=$1 AND status='pending'`, ref, string(note))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListLicensesByOrder(ctx context.Context, orderID string) ([]LicenseKey, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, key, product_id, user_id, order_id, status, expires_at, created_at
		FROM license_keys WHERE order_id=$1 ORDER BY created_at, product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LicenseKey
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ---- transactional side ----

type pgTx struct{ q querier }

func (t *pgTx) LockExternalRef(ctx context.Context, ref string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ref)
	return err
}

func (t *pgTx) FindOrderByExternalRef(ctx context.Context, ref string) (*Order, error) {
	return findOrder(ctx, t.q, `external_ref=$1 FOR UPDATE`, ref)
}

func (t *pgTx) FindOrderByID(ctx context.Context, id string) (*Order, error) {
	return findOrder(ctx, t.q, `id=$1 FOR UPDATE`, id)
}

func (t *pgTx) CreateOrderWithItems(ctx context.Context, o *Order, items []OrderItem) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO orders(id, external_ref, user_id, amount_cents, currency, status, payment_note, payment_method, coupon_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		o.ID, o.ExternalRef, o.UserID, o.AmountCents, o.Currency, string(o.Status), string(o.Note), o.PaymentMethod, o.CouponCode,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, price_cents)
			VALUES ($1, $2, $3, $4)`,
			it.ID, it.OrderID, it.ProductID, it.PriceCents,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) MarkOrderCompleted(ctx context.Context, orderID string, userID *string) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status='completed', user_id = COALESCE(user_id, $2), payment_note='', updated_at=now()
		WHERE id=$1 AND status <> 'completed'`, orderID, userID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, order_id, product_id, price_cents
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgTx) FindProductByID(ctx context.Context, id string) (*Product, error) {
	return findProduct(ctx, t.q, id)
}

func (t *pgTx) FindLicenseByOrderAndProduct(ctx context.Context, orderID, productID string) (*LicenseKey, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, key, product_id, user_id, order_id, status, expires_at, created_at
		FROM license_keys WHERE order_id=$1 AND product_id=$2`, orderID, productID)
	l, err := scanLicense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (t *pgTx) CreateLicense(ctx context.Context, l *LicenseKey) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return t.q.QueryRow(ctx, `
		INSERT INTO license_keys(id, key, product_id, user_id, order_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		l.ID, l.Key, l.ProductID, l.UserID, l.OrderID, string(l.Status), l.ExpiresAt,
	).Scan(&l.CreatedAt)
}

// ---- scanning ----

func findOrder(ctx context.Context, q querier, where string, arg any) (*Order, error) {
	var o Order
	var status, note string
	err := q.QueryRow(ctx, `
		SELECT id, external_ref, user_id, amount_cents, currency, status, payment_note, payment_method, coupon_code, created_at, updated_at
		FROM orders WHERE `+where, arg).
		Scan(&o.ID, &o.ExternalRef, &o.UserID, &o.AmountCents, &o.Currency, &status, &note, &o.PaymentMethod, &o.CouponCode, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status, o.Note = Status(status), Note(note)
	return &o, nil
}

func findProduct(ctx context.Context, q querier, id string) (*Product, error) {
	var p Product
	err := q.QueryRow(ctx, `
		SELECT id, name, price_cents, stock, duration_days, created_at, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.DurationDays, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLicense(row pgx.Row) (*LicenseKey, error) {
	var (
		l      LicenseKey
		status string
	)
	if err := row.Scan(&l.ID, &l.Key, &l.ProductID, &l.UserID, &l.OrderID, &status, &l.ExpiresAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Status = LicenseStatus(status)
	return &l, nil
}
