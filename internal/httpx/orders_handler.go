package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/redisx"
)

type OrderReader interface {
	FindOrderByExternalRef(ctx context.Context, ref string) (*orders.Order, error)
	ListLicensesByOrder(ctx context.Context, orderID string) ([]orders.LicenseKey, error)
}

type OrdersHandler struct {
	Repo   OrderReader
	Status *redisx.StatusCache // optional
	Logger *zap.Logger
}

type licenseView struct {
	ProductID string     `json:"product_id"`
	Key       string     `json:"key"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type orderView struct {
	OrderID     string        `json:"order_id"`
	ExternalRef string        `json:"external_ref"`
	Status      string        `json:"status"`
	Note        string        `json:"note,omitempty"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Licenses    []licenseView `json:"licenses"`
}

func licenseViews(ls []orders.LicenseKey) []licenseView {
	out := make([]licenseView, 0, len(ls))
	for _, l := range ls {
		out = append(out, licenseView{ProductID: l.ProductID, Key: l.Key, Status: string(l.Status), ExpiresAt: l.ExpiresAt})
	}
	return out
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/api/orders/{ref}", h.getOrder)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing ref")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if b, ok := h.Status.Get(ctx, ref); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}

	// 2) database
	o, err := h.Repo.FindOrderByExternalRef(ctx, ref)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	ls, err := h.Repo.ListLicensesByOrder(ctx, o.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	b, _ := json.Marshal(orderView{
		OrderID:     o.ID,
		ExternalRef: o.ExternalRef,
		Status:      string(o.Status),
		Note:        string(o.Note),
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		Licenses:    licenseViews(ls),
	})
	if err := h.Status.Set(ctx, ref, b); err != nil && h.Logger != nil {
		h.Logger.Debug("status cache set failed", zap.String("external_ref", ref), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
