package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/api"
	"github.com/raaihank/datamask/internal/app"
	"github.com/raaihank/datamask/internal/config"
	"github.com/raaihank/datamask/internal/queue"
	"github.com/raaihank/datamask/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at the given base URL and exit")
		noWorkers   = flag.Bool("no-workers", false, "Serve the API without draining the task queue")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("datamask %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting datamask",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	services, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Product presets follow the configuration file
	if err := config.Watch(func(updated *config.Config) {
		if err := services.Presets.Replace(updated.Products); err != nil {
			log.Warn("Ignoring invalid product configuration", zap.Error(err))
			return
		}
		log.Info("Products reloaded", zap.Int("products", len(updated.Products)))
	}); err != nil {
		log.Warn("Configuration hot reload disabled", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(log.WithComponent("websocket").Logger)
	services.Files.Observe(hub)
	go hub.Run(ctx)

	var enqueuer api.Enqueuer
	var workers sync.WaitGroup
	if services.Queue != nil {
		enqueuer = services.Queue
		if !*noWorkers {
			pool := queue.NewWorkerPool(services.Queue, services.Service, cfg.Queue.Workers, log.WithComponent("worker").Logger)
			workers.Add(1)
			go func() {
				defer workers.Done()
				pool.Run(ctx)
			}()
		}
	} else {
		log.Info("Redis disabled, asynchronous processing unavailable")
	}

	server := api.New(cfg, log, services.Service, enqueuer, hub)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
	}

	// Workers finish the file they are on before returning
	cancel()
	workers.Wait()
	log.Info("Server shutdown complete")
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(baseURL string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
