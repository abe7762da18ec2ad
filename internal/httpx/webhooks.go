package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/payments"
	"github.com/ariefcatur/storefront-payments/internal/reconcile"
	"github.com/ariefcatur/storefront-payments/internal/redisx"
)

// Webhook acknowledgement statuses.
const (
	ackProcessed = "processed"
	ackDuplicate = "duplicate"
	ackIgnored   = "ignored"
	ackAnnotated = "annotated"
)

type WebhookHandler struct {
	Engine         *reconcile.Engine
	Stripe         payments.StripeVerifier
	CoinbaseSecret string
	Dedup          *redisx.Deduper     // optional
	Status         *redisx.StatusCache // optional
	Logger         *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/stripe", h.stripe)
	r.Post("/webhooks/coinbase", h.coinbase)
}

func (h *WebhookHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *WebhookHandler) stripe(w http.ResponseWriter, r *http.Request) {
	body, code, err := readBody(w, r)
	if err != nil {
		writeError(w, code, "unreadable body")
		return
	}
	se, err := h.Stripe.Verify(body, r.Header.Get(payments.StripeSignatureHeader))
	if err != nil {
		h.rejectVerification(w, payments.ProviderStripe, err)
		return
	}
	ev, err := payments.DecodeStripe(se)
	if err != nil {
		h.ackMalformed(w, payments.ProviderStripe, se.ID, err)
		return
	}
	h.handle(w, r, ev)
}

func (h *WebhookHandler) coinbase(w http.ResponseWriter, r *http.Request) {
	body, code, err := readBody(w, r)
	if err != nil {
		writeError(w, code, "unreadable body")
		return
	}
	if err := payments.VerifyCoinbase(body, r.Header.Get(payments.CoinbaseSignatureHeader), h.CoinbaseSecret); err != nil {
		h.rejectVerification(w, payments.ProviderCoinbase, err)
		return
	}
	ev, err := payments.DecodeCoinbase(body)
	if err != nil {
		h.ackMalformed(w, payments.ProviderCoinbase, "", err)
		return
	}
	h.handle(w, r, ev)
}

func (h *WebhookHandler) rejectVerification(w http.ResponseWriter, p payments.Provider, err error) {
	if errors.Is(err, payments.ErrMissingSecret) {
		h.log().Error("webhook secret not configured", zap.String("provider", string(p)))
		writeError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}
	h.log().Warn("webhook signature rejected", zap.String("provider", string(p)), zap.Error(err))
	writeError(w, http.StatusUnauthorized, "invalid signature")
}

// A payload that verified but cannot be decoded will never become valid;
// acknowledging it stops the provider's retries.
func (h *WebhookHandler) ackMalformed(w http.ResponseWriter, p payments.Provider, eventID string, err error) {
	h.log().Warn("webhook payload malformed",
		zap.String("provider", string(p)), zap.String("event_id", eventID), zap.Error(err))
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": ackIgnored})
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, ev *payments.Event) {
	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	key := ev.DedupKey()
	if seen, _ := h.Dedup.Seen(ctx, key); seen {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": ackDuplicate})
		return
	}

	status := ackIgnored
	switch ev.Kind {
	case payments.KindConfirmed:
		res, err := h.Engine.Complete(ctx, ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "order completion failed")
			return
		}
		switch res.Outcome {
		case reconcile.OutcomeCompleted:
			status = ackProcessed
		case reconcile.OutcomeDuplicate:
			status = ackDuplicate
		}
	case payments.KindFailed, payments.KindDelayed:
		if _, err := h.Engine.Annotate(ctx, ev); err != nil {
			h.log().Error("payment annotation failed", zap.String("external_ref", ev.ExternalRef), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "annotation failed")
			return
		}
		status = ackAnnotated
	default:
		h.log().Debug("webhook event ignored", zap.String("provider", string(ev.Provider)), zap.String("type", ev.Type))
	}

	if err := h.Dedup.Mark(ctx, key); err != nil {
		h.log().Warn("dedup mark failed", zap.String("key", key), zap.Error(err))
	}
	if ev.ExternalRef != "" && status != ackIgnored {
		if err := h.Status.Invalidate(ctx, ev.ExternalRef); err != nil {
			h.log().Warn("status cache invalidate failed", zap.String("external_ref", ev.ExternalRef), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": status})
}
