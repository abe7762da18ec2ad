package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
	"github.com/ariefcatur/storefront-payments/internal/reconcile"
	"github.com/ariefcatur/storefront-payments/internal/redisx"
)

type PayPalCapturer interface {
	Capture(ctx context.Context, orderID string) (*payments.PayPalCapture, error)
}

type PayPalHandler struct {
	PayPal PayPalCapturer
	Engine *reconcile.Engine
	Status *redisx.StatusCache // optional
	Logger *zap.Logger
}

type CaptureReq struct {
	OrderID string      `json:"orderID"`
	Amount  json.Number `json:"amount,omitempty"`
	Name    string      `json:"name,omitempty"`
	Email   string      `json:"email,omitempty"`
}

type CaptureResp struct {
	Status   string        `json:"status"`
	OrderID  string        `json:"order_id,omitempty"`
	Licenses []licenseView `json:"licenses,omitempty"`
}

func (h *PayPalHandler) Register(r chi.Router) {
	r.Post("/api/paypal/capture", h.capture)
}

func (h *PayPalHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *PayPalHandler) capture(w http.ResponseWriter, r *http.Request) {
	var req CaptureReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "missing orderID")
		return
	}
	log := h.log().With(zap.String("paypal_order_id", req.OrderID))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	capt, err := h.PayPal.Capture(ctx, req.OrderID)
	switch {
	case errors.Is(err, payments.ErrAlreadyCaptured):
		h.alreadyCaptured(ctx, w, log, req.OrderID)
		return
	case errors.Is(err, payments.ErrMissingSecret):
		log.Error("paypal credentials not configured")
		writeError(w, http.StatusInternalServerError, "paypal not configured")
		return
	case err != nil:
		log.Error("paypal capture failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "capture failed")
		return
	}

	if err := payments.CheckDeclaredAmount(req.Amount.String(), capt); err != nil {
		log.Warn("declared amount differs from capture", zap.String("declared", req.Amount.String()), zap.String("captured", capt.Value))
		writeError(w, http.StatusBadRequest, "amount mismatch")
		return
	}

	ev, err := payments.DecodePayPalCapture(capt, req.Email, req.Name)
	if err != nil {
		log.Warn("paypal capture unreadable", zap.Error(err))
		writeError(w, http.StatusBadGateway, "unexpected capture response")
		return
	}

	switch ev.Kind {
	case payments.KindConfirmed:
	case payments.KindDelayed:
		if _, err := h.Engine.Annotate(ctx, ev); err != nil {
			writeError(w, http.StatusInternalServerError, "annotation failed")
			return
		}
		writeJSON(w, http.StatusAccepted, CaptureResp{Status: "delayed"})
		return
	default:
		if _, err := h.Engine.Annotate(ctx, ev); err != nil {
			writeError(w, http.StatusInternalServerError, "annotation failed")
			return
		}
		writeError(w, http.StatusPaymentRequired, "payment not completed")
		return
	}

	res, err := h.Engine.Complete(ctx, ev)
	switch {
	case errors.Is(err, payments.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, "amount mismatch")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "order completion failed")
		return
	}
	if res.Outcome == reconcile.OutcomeSkipped {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	_ = h.Status.Invalidate(ctx, req.OrderID)
	writeJSON(w, http.StatusOK, CaptureResp{
		Status:   string(res.Outcome),
		OrderID:  res.OrderID,
		Licenses: licenseViews(res.Licenses),
	})
}

// A repeated capture is fine when the first one already completed the order.
func (h *PayPalHandler) alreadyCaptured(ctx context.Context, w http.ResponseWriter, log *zap.Logger, ppID string) {
	o, err := h.Engine.Lookup(ctx, ppID)
	if err == nil && o.Status == orders.StatusCompleted {
		writeJSON(w, http.StatusOK, CaptureResp{Status: string(reconcile.OutcomeDuplicate), OrderID: o.ID})
		return
	}
	if err != nil && !errors.Is(err, orders.ErrNotFound) {
		log.Error("order lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "order lookup failed")
		return
	}
	log.Warn("paypal order captured but not completed here")
	writeError(w, http.StatusConflict, "order already captured")
}
