package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lakbaymarket/orders/internal/config"
	"github.com/lakbaymarket/orders/internal/httpx"
	kafkax "github.com/lakbaymarket/orders/internal/kafka"
	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/payments"
	"github.com/lakbaymarket/orders/internal/postgres"
	"github.com/lakbaymarket/orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for the notification stream
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicNotifications, 1024)
	prod.Start(ctx)

	// Repos & services
	audit := &orders.AuditRepo{DB: db}
	repo := &orders.Repo{DB: db, Audit: audit}
	store := &payments.Store{DB: db, Audit: audit}
	intents := &payments.IntentRepo{DB: db}
	gateway := payments.NewGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayWebhookSecret, cfg.GatewayTimeout)

	refunds := &payments.Coordinator{Store: store, Gateway: gateway, Intents: intents, Audit: audit}
	reconciler := &payments.Reconciler{Verifier: gateway, Store: store, Redis: rdb}
	sweeper := &payments.Sweeper{Store: store, AbandonAfter: cfg.AbandonAfter, Interval: cfg.SweepInterval}

	// Outbox relay: notifications enqueued in-tx drain to Kafka here
	relay := &orders.Relay{
		Repo:     &orders.OutboxRepo{DB: db},
		Producer: prod,
		Service:  cfg.ServiceName,
		Interval: time.Second,
	}
	relayDone := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(relayDone)
	}()

	// HTTP
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Repo:           repo,
		Audit:          audit,
		Reservations:   &orders.ReservationRepo{DB: db},
		Catalog:        &orders.PgCatalog{DB: db},
		Settings:       &orders.PgBusinessSettings{DB: db},
		Gateway:        gateway,
		Intents:        intents,
		Refunds:        refunds,
		Redis:          rdb,
		CancelGrace:    cfg.CancelGrace,
		IntentValidity: cfg.IntentValidity,
		TaxRateBPS:     cfg.TaxRateBPS,
	}
	oh.Register(router)
	ph := &httpx.PaymentsHandler{Reconciler: reconciler, Sweeper: sweeper}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	<-relayDone       // the relay must stop publishing first
	prod.Close()      // close inbox -> flush & close writer
	prod.WaitClosed() // drain
}
