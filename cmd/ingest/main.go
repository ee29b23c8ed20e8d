package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"product-sync/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to CONFIG_PATH or env)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	a.Logger.WithField("topic", a.Config.Kafka.IngestTopic).Info("--- INGEST START ---")
	runErr := a.IngestConsumer().Start(ctx)
	a.LogStats(context.Background())
	a.Logger.Info("--- INGEST END ---")

	if runErr != nil {
		a.Logger.WithError(runErr).Error("Ingest consumer stopped on storage error")
		a.Close()
		os.Exit(1)
	}
}
