package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/internal/config"
	"github.com/sirenlabs/siren/senders"
	"github.com/sirenlabs/siren/services"
	"github.com/sirenlabs/siren/workers"
)

func main() {
	log.Println("Starting siren dispatch worker...")

	configPath := os.Getenv("SIREN_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("Connected to database successfully")

	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
	}

	sendTimeout := time.Duration(config.App.SendTimeoutSeconds) * time.Second
	providers := config.App.Providers
	registry := senders.NewRegistry(
		senders.NewEmailSender(providers.EmailURL, providers.APIToken, sendTimeout),
		senders.NewSMSSender(providers.SMSURL, providers.APIToken, sendTimeout),
		senders.NewVoiceSender(providers.VoiceURL, providers.APIToken, sendTimeout),
		senders.NewWhatsAppSender(providers.WhatsAppURL, providers.APIToken, sendTimeout),
	)
	log.Printf("Registered channel senders: %v", db.ValidChannels)

	auditService := services.NewAuditService(redisClient, config.App.AuditStream)
	windowService := services.NewConversationWindowService(pg, redisClient)
	templateService := services.NewTemplateService(pg, windowService)

	dispatchWorker := workers.NewDispatchWorker(pg, registry, templateService, auditService)
	if config.App.DispatchPollSeconds > 0 {
		dispatchWorker.PollInterval = time.Duration(config.App.DispatchPollSeconds) * time.Second
	}
	if config.App.DispatchBatchSize > 0 {
		dispatchWorker.BatchSize = config.App.DispatchBatchSize
	}
	dispatchWorker.SendTimeout = sendTimeout

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatchWorker.Start(ctx)
	}()

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Worker started successfully. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down worker...")
	cancel()
	wg.Wait()
	log.Println("Worker stopped")
}
