package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lakbaymarket/orders/internal/config"
	"github.com/lakbaymarket/orders/internal/orders"
	"github.com/lakbaymarket/orders/internal/payments"
	"github.com/lakbaymarket/orders/internal/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	store := &payments.Store{DB: db, Audit: &orders.AuditRepo{DB: db}}
	sweeper := &payments.Sweeper{
		Store:        store,
		AbandonAfter: cfg.AbandonAfter,
		Interval:     cfg.SweepInterval,
	}

	go sweeper.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down sweeper...")
	cancel()
}
