package orders

import (
	"errors"
	"time"
)

var (
	ErrCouponInactive  = errors.New("coupon inactive")
	ErrCouponExpired   = errors.New("coupon expired")
	ErrCouponExhausted = errors.New("coupon usage limit reached")
)

// Usable reports whether the coupon may be applied to a new checkout at now.
func (c Coupon) Usable(now time.Time) error {
	if !c.Active {
		return ErrCouponInactive
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrCouponExpired
	}
	if c.MaxUses != nil && c.Uses >= *c.MaxUses {
		return ErrCouponExhausted
	}
	return nil
}

// Apply returns amount after discount, never below zero.
func (c Coupon) Apply(amount int64) int64 {
	switch {
	case c.PercentOff != nil:
		pct := int64(*c.PercentOff)
		if pct > 100 {
			pct = 100
		}
		amount -= amount * pct / 100
	case c.AmountOff != nil:
		amount -= *c.AmountOff
	}
	if amount < 0 {
		return 0
	}
	return amount
}
