package orders

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrOutOfStock = errors.New("product out of stock")
)

// Tx is the set of reads and writes that must run serialised per external
// reference. Implementations hold an exclusive lock for the lifetime of the
// transaction once LockExternalRef returns.
type Tx interface {
	LockExternalRef(ctx context.Context, ref string) error
	FindOrderByExternalRef(ctx context.Context, ref string) (*Order, error)
	FindOrderByID(ctx context.Context, id string) (*Order, error)
	CreateOrderWithItems(ctx context.Context, o *Order, items []OrderItem) error
	// MarkOrderCompleted flips a pending order to completed and fills in the
	// owner when it is still unset. It reports false when the order was
	// already completed.
	MarkOrderCompleted(ctx context.Context, orderID string, userID *string) (bool, error)
	ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error)
	FindProductByID(ctx context.Context, id string) (*Product, error)
	FindLicenseByOrderAndProduct(ctx context.Context, orderID, productID string) (*LicenseKey, error)
	CreateLicense(ctx context.Context, l *LicenseKey) error
}

// TxFunc is run by Atomic; returning an error rolls the transaction back.
type TxFunc func(ctx context.Context, tx Tx) error
