package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"product-sync/internal/app"
	"product-sync/pkg/events"
	"product-sync/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to CONFIG_PATH or env)")
	id := flag.Int64("id", 789, "product id")
	name := flag.String("name", "Advanced Demo Product", "product name")
	price := flag.Float64("price", 99.99, "product price")
	stock := flag.Int("stock", 3, "product stock")
	publish := flag.Bool("publish", false, "publish a product_created event to the ingest topic instead of enqueueing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	a.Logger.Info("--- PRODUCER DEMO START ---")
	payload := models.Payload{ID: *id, Name: *name, Price: *price, Stock: *stock}
	if *publish {
		err = publishEvent(ctx, a, payload)
	} else {
		_, err = a.Enqueuer().Enqueue(ctx, payload)
	}
	a.Logger.Info("--- PRODUCER DEMO END ---")

	if err != nil {
		a.Logger.WithError(err).Error("Producer failed")
		a.Close()
		os.Exit(1)
	}
}

// publishEvent sends payload as a product_created event to the ingest topic
func publishEvent(ctx context.Context, a *app.App, payload models.Payload) error {
	p, err := events.Open(events.Config{
		Brokers: a.Config.Kafka.Brokers,
		Topic:   a.Config.Kafka.IngestTopic,
	})
	if err != nil {
		return fmt.Errorf("failed to open event publisher: %w", err)
	}
	defer p.CloseGracefully(5 * time.Second)

	record := map[string]any{"id": payload.ID, "name": payload.Name, "price": payload.Price, "stock": payload.Stock}
	eventID, err := p.PublishWithRetry(ctx, record, events.DefaultRetryPolicy())
	if err != nil {
		return fmt.Errorf("failed to publish product event: %w", err)
	}
	a.Logger.WithField("event_id", eventID).Info("Published product event")
	return nil
}
