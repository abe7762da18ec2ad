package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/checkout"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
)

type CheckoutHandler struct {
	Service *checkout.Service
	Logger  *zap.Logger
}

type CheckoutReq struct {
	ProductIDs []string `json:"productIds"`
	CouponCode string   `json:"couponCode,omitempty"`
	UserID     string   `json:"userId,omitempty"`
	Email      string   `json:"email,omitempty"`
	Name       string   `json:"name,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/api/checkout/stripe", h.start(h.Service.StartStripe))
	r.Post("/api/checkout/coinbase", h.start(h.Service.StartCoinbase))
	r.Post("/api/paypal/orders", h.start(h.Service.StartPayPal))
}

type startFunc func(ctx context.Context, req checkout.Request) (*checkout.Session, error)

func (h *CheckoutHandler) start(fn startFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckoutReq
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		sess, err := fn(ctx, checkout.Request{
			ProductIDs: req.ProductIDs,
			CouponCode: req.CouponCode,
			UserID:     req.UserID,
			Email:      req.Email,
			Name:       req.Name,
		})
		if err != nil {
			code, msg := checkoutStatus(err)
			if code >= 500 {
				h.log().Error("checkout failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
			writeError(w, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func (h *CheckoutHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func checkoutStatus(err error) (int, string) {
	switch {
	case errors.Is(err, checkout.ErrNoProducts):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, checkout.ErrCouponUnusable):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, orders.ErrOutOfStock):
		return http.StatusConflict, err.Error()
	case errors.Is(err, checkout.ErrProviderDisabled), errors.Is(err, payments.ErrMissingSecret):
		return http.StatusServiceUnavailable, "payment provider unavailable"
	default:
		return http.StatusBadGateway, "checkout failed"
	}
}
