package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"product-sync/internal/app"
	"product-sync/internal/delivery"
	"product-sync/pkg/models"
)

// Non-durable senders: nothing is persisted and failures are only logged.
func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to CONFIG_PATH or env)")
	mode := flag.String("mode", "simple", "simple (one synchronous call) or async (fire-and-forget batch)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	d, err := a.Deliverer(ctx)
	if err != nil {
		a.Logger.WithError(err).Error("Failed to build deliverer")
		return
	}

	switch *mode {
	case "simple":
		a.Logger.Info("--- SIMPLE SENDER START ---")
		delivery.NewSyncSender(d, a.Logger).Send(ctx, models.Payload{ID: 123, Name: "Demo Product", Price: 49.90, Stock: 15})
		a.Logger.Info("--- SIMPLE SENDER END ---")

	case "async":
		a.Logger.Info("--- ASYNC SENDER START ---")
		sender := delivery.NewBatchSender(d, delivery.BatchConfig{Grace: a.Config.Sender.Grace, Logger: a.Logger})
		sender.Send(ctx, []models.Payload{{ID: 456, Name: "Async Demo Product", Price: 29.90, Stock: 7}})
		a.Logger.Info("--- ASYNC SENDER END ---")

	default:
		a.Logger.WithField("mode", *mode).Error("Unknown sender mode, expected simple or async")
	}
}
