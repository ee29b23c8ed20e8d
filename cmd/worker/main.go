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
	idle := flag.Int("idle", -1, "stop after this many consecutive empty polls; 0 runs until signalled (default from config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	w, err := a.Worker(ctx, *idle)
	if err != nil {
		a.Logger.WithError(err).Error("Failed to build worker")
		a.Close()
		os.Exit(1)
	}

	a.Logger.Info("--- WORKER START ---")
	runErr := w.Run(ctx)
	a.LogStats(context.Background())
	a.Logger.Info("--- WORKER END ---")

	if runErr != nil {
		a.Logger.WithError(runErr).Error("Worker stopped on storage error")
		a.Close()
		os.Exit(1)
	}
}
