package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/driftlabs/driftchat/internal/server"
)

func main() {
	log.Println("Starting DriftChat server...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found; using environment variables")
	}

	// Load and apply configuration
	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	// Connect to Redis. An unreachable bus is not fatal: the service keeps
	// broadcasting between local sessions and the health probe reports
	// degraded until the bus answers again.
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("Redis unreachable at %s; running single-instance until it recovers: %v", cfg.RedisAddr, err)
	} else {
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	}
	cancelPing()

	bus := server.NewRedisBus(rdb, cfg.ChatChannel)

	// Start the hub and the bus subscriber
	hub := server.NewHub(bus)
	go hub.Run()

	busCtx, cancelBus := context.WithCancel(context.Background())
	go bus.Subscribe(busCtx, hub)

	// Setup routes and start the HTTP server
	mux := server.SetupRoutes(hub, bus)
	httpServer := server.CreateServer(cfg.Port, mux)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	// Block until the server fails or a shutdown signal arrives
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalf("Server failed: %v", err)
	case sig := <-quit:
		log.Printf("Received signal %s; shutting down", sig)
	}

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown did not complete cleanly: %v", err)
	}

	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Printf("Hub shutdown did not complete cleanly: %v", err)
	}

	cancelBus()
	if err := rdb.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("DriftChat server stopped")
}
