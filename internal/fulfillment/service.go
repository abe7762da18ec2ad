// Package fulfillment consumes order.completed events and hands the issued
// licenses over for delivery to the buyer.
package fulfillment

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/storefront-payments/internal/kafka"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/redisx"
)

// Deliverer sends one license to its owner.
type Deliverer interface {
	Deliver(ctx context.Context, p orders.OrderCompletedPayload, l orders.IssuedLicense) error
}

// LogDeliverer only records that a license is ready.
type LogDeliverer struct{ Logger *zap.Logger }

func (d LogDeliverer) Deliver(_ context.Context, p orders.OrderCompletedPayload, l orders.IssuedLicense) error {
	d.Logger.Info("license ready for delivery",
		zap.String("order_id", p.OrderID),
		zap.String("user_id", p.UserID),
		zap.String("license_id", l.LicenseID),
		zap.String("product_id", l.ProductID),
	)
	return nil
}

type Service struct {
	Deliverer Deliverer
	Dedup     *redisx.Deduper     // optional
	Status    *redisx.StatusCache // optional
	Logger    *zap.Logger
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// HandleOrderCompleted is installed as the consumer handler. Returning an
// error leaves the offset uncommitted so the message is redelivered.
func (s *Service) HandleOrderCompleted(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// never becomes valid; commit and move on
		s.log().Warn("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderCompleted {
		return nil
	}

	if seen, _ := s.Dedup.Seen(ctx, env.EventID); seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCompletedPayload](env.Payload)
	if err != nil {
		s.log().Warn("dropping order.completed with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	if err := s.Status.Invalidate(ctx, p.ExternalRef); err != nil {
		s.log().Warn("status cache invalidate failed", zap.String("external_ref", p.ExternalRef), zap.Error(err))
	}

	d := s.Deliverer
	if d == nil {
		d = LogDeliverer{Logger: s.log()}
	}
	for _, l := range p.Licenses {
		if err := d.Deliver(ctx, p, l); err != nil {
			return err
		}
	}

	if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
		s.log().Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
	}
	return nil
}
