package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"mot-status-backend/config"
	"mot-status-backend/internal/api"
	"mot-status-backend/internal/db"
	"mot-status-backend/internal/dvsa"
	"mot-status-backend/internal/notification"
	"mot-status-backend/internal/poller"
	"mot-status-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "mot-backend ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s (%d registrations)", configPath, len(cfg.DVSA.RegistrationList))

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	appStore := store.NewGormStore(gormDB)

	// One token manager per configured credential set; the fetcher shares it.
	creds := dvsa.Credentials{
		ClientID:     cfg.DVSA.ClientID,
		ClientSecret: cfg.DVSA.ClientSecret,
		TokenURL:     cfg.DVSA.TokenURL,
		Scope:        cfg.DVSA.Scope,
		APIKey:       cfg.DVSA.APIKey,
	}
	tokens := dvsa.NewTokenManager(creds, cfg.DVSA.RequestTimeout, cfg.DVSA.TokenSafetyMargin)
	client := dvsa.NewClient(cfg.DVSA.BaseURL, creds, tokens, cfg.DVSA.RequestTimeout)

	// Web push is optional; without VAPID keys the poller runs without
	// reminders and the subscription endpoints report unavailable.
	var webpushOptions *webpush.Options
	var workerPool *notification.WorkerPool
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		workerPool = notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
	} else {
		logger.Println("VAPID keys not configured; MOT reminders are disabled")
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollerSvc := poller.NewService(cfg, client, appStore, workerPool)
	go pollerSvc.Run(ctx)

	// Initialize router
	router := api.NewRouter(&cfg.Server, appStore, pollerSvc, webpushOptions)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Abandon any in-flight poll before stopping the HTTP server.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
