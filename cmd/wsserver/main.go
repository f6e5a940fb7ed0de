package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/snipvault/snippet-app/internal/app"
	"github.com/snipvault/snippet-app/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Server.InstanceName == config.Default().Server.InstanceName {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Server.InstanceName = host
		}
	}

	relay, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to start relay: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := relay.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := relay.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
