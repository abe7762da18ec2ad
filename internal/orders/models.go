package orders

import "time"

type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

type Product struct {
	ID           string
	Name         string
	PriceCents   int64
	Stock        int
	DurationDays *int // nil = license never expires
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Order struct {
	ID            string
	ExternalRef   string // provider session / charge / order id
	UserID        *string
	AmountCents   int64
	Currency      string
	Status        Status
	Note          Note
	PaymentMethod string
	CouponCode    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	PriceCents int64
}

type LicenseKey struct {
	ID        string
	Key       string
	ProductID string
	UserID    *string
	OrderID   string
	Status    LicenseStatus
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type Coupon struct {
	ID         string
	Code       string
	PercentOff *int   // 1..100
	AmountOff  *int64 // minor units
	MaxUses    *int   // nil = unlimited
	Uses       int
	ExpiresAt  *time.Time
	Active     bool
}
