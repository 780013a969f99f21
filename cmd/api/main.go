package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/call-orchestrator/internal/api"
	"github.com/acme/call-orchestrator/internal/api/handlers"
	"github.com/acme/call-orchestrator/internal/app"
	"github.com/acme/call-orchestrator/internal/stream"
	"github.com/acme/call-orchestrator/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	if _, err := app.RestoreSessions(ctx, container.Stores().Calls, container.Registry, container.Logger); err != nil {
		log.Printf("session restore incomplete: %v", err)
	}

	go func() {
		if err := container.Supervisor().Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("stream supervisor stopped: %v", err)
		}
	}()

	// The queue pass runs in-process: job handlers mutate the same live
	// session registry the webhook and stream paths use.
	go func() {
		if err := container.JobQueue().Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("job queue stopped: %v", err)
			cancel()
		}
	}()

	endpoint := stream.NewEndpoint(container.Supervisor(), container.Verifier, container.Logger)
	listener := stream.NewListener(endpoint, container.Config.HTTP.StreamPort, container.Logger)
	go func() {
		if err := listener.Start(ctx); err != nil {
			log.Printf("stream listener stopped: %v", err)
			cancel()
		}
	}()

	handlerSet := handlers.NewHandlerSet(container)
	server := api.NewServer(container, handlerSet)

	log.Printf("starting api server on port %d", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
