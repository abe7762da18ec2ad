package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-payments/internal/checkout"
	"github.com/ariefcatur/storefront-payments/internal/config"
	"github.com/ariefcatur/storefront-payments/internal/httpx"
	kafkax "github.com/ariefcatur/storefront-payments/internal/kafka"
	"github.com/ariefcatur/storefront-payments/internal/logger"
	"github.com/ariefcatur/storefront-payments/internal/orders"
	"github.com/ariefcatur/storefront-payments/internal/payments"
	"github.com/ariefcatur/storefront-payments/internal/postgres"
	"github.com/ariefcatur/storefront-payments/internal/reconcile"
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
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	dedup := &redisx.Deduper{R: rdb, Service: "webhooks"}
	status := &redisx.StatusCache{R: rdb}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCompleted, 1024, log)
	prod.Start(ctx)

	// Repo, engine & providers
	repo := &orders.Repo{DB: db}
	engine := reconcile.New(repo, prod, log.Named("reconcile"), cfg.ServiceName)

	svc := &checkout.Service{
		Store:     repo,
		Currency:  cfg.Currency,
		PublicURL: cfg.PublicURL,
		Logger:    log.Named("checkout"),
	}
	if cfg.StripeAPIKey != "" {
		svc.Stripe = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	if cfg.CoinbaseAPIKey != "" {
		svc.Coinbase = payments.NewCoinbaseClient(cfg.CoinbaseAPIURL, cfg.CoinbaseAPIKey)
	}
	paypal := payments.NewPayPalClient(cfg.PayPalAPIURL, cfg.PayPalClientID, cfg.PayPalClientSecret)
	if cfg.PayPalClientID != "" {
		svc.PayPal = paypal
	}

	router := httpx.NewRouter(log.Named("http"))
	(&httpx.WebhookHandler{
		Engine:         engine,
		Stripe:         payments.StripeVerifier{Secret: cfg.StripeWebhookSecret},
		CoinbaseSecret: cfg.CoinbaseWebhookSecret,
		Dedup:          dedup,
		Status:         status,
		Logger:         log.Named("webhooks"),
	}).Register(router)
	(&httpx.PayPalHandler{PayPal: paypal, Engine: engine, Status: status, Logger: log.Named("paypal")}).Register(router)
	(&httpx.CheckoutHandler{Service: svc, Logger: log.Named("checkout")}).Register(router)
	(&httpx.OrdersHandler{Repo: repo, Status: status, Logger: log.Named("orders")}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	prod.Close()      // in-flight handlers that publish later are dropped
	prod.WaitClosed() // flush queued events
}
