package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/config"
	"github.com/ariefcatur/storefront-payments/internal/fulfillment"
	kafkax "github.com/ariefcatur/storefront-payments/internal/kafka"
	"github.com/ariefcatur/storefront-payments/internal/logger"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName+"-fulfillment"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &fulfillment.Service{
		Dedup:  &redisx.Deduper{R: rdb, Service: "fulfillment"},
		Status: &redisx.StatusCache{R: rdb},
		Logger: log,
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FulfillmentGroup, orders.TopicOrderCompleted, cfg.FulfillmentWorkers, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("fulfillment consumer started",
			zap.String("group", cfg.FulfillmentGroup),
			zap.String("topic", orders.TopicOrderCompleted),
			zap.Int("workers", cfg.FulfillmentWorkers))
		if err := cons.Start(ctx, svc.HandleOrderCompleted); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down consumer")
	case <-ctx.Done():
	}
	cancel()
	<-done
}
